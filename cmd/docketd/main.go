package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"github.com/me/docket/internal/agent"
	"github.com/me/docket/internal/config"
	"github.com/me/docket/internal/docket"
	"github.com/me/docket/internal/executor"
	"github.com/me/docket/internal/jobs"
	"github.com/me/docket/internal/logging"
	"github.com/me/docket/internal/server"
	"github.com/me/docket/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configFile string
		addr       string
		jobDir     string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "docketd",
		Short: "docket scheduler daemon",
		Long: `docketd loads job definitions, schedules and runs them, and serves the
docket HTTP API and the remote agent endpoint.

Settings come from the config file and DOCKET_* environment variables,
e.g. DOCKET_SERVER_ADDR or DOCKET_AGENT_ACCESS_TOKEN.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if jobDir != "" {
				cfg.JobDir = jobDir
			}
			if debug {
				cfg.Log.Level = "debug"
			}
			logger, err := logging.FromConfig(cfg.Log, os.Stderr)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (YAML)")
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	cmd.Flags().StringVar(&jobDir, "jobs", "", "Job directory (overrides job_dir)")
	cmd.Flags().BoolVar(&debug, "debug", false, "Shorthand for log.level=debug")

	cmd.AddCommand(newCheckCmd(&configFile))
	return cmd
}

// newCheckCmd validates the configuration and every job file, then exits.
func newCheckCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:          "check",
		Short:        "Validate the config and job directory",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			loaded, err := jobs.LoadDir(cfg.JobDir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok; %d jobs in %s\n", len(loaded), cfg.JobDir)
			return nil
		},
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	// Open store and run migrations.
	st, err := store.NewSQLiteStore(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	logger.Info("database ready", "path", cfg.Database)

	loaded, err := jobs.LoadDir(cfg.JobDir)
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}
	logger.Info("jobs loaded", "dir", cfg.JobDir, "count", len(loaded))

	agents := agent.NewServer(agent.ServerConfig{
		AccessToken:      cfg.Agent.AccessToken,
		ReconnectTimeout: cfg.Agent.ReconnectTimeout,
		PingInterval:     cfg.Agent.PingInterval,
	}, logger)
	defer agents.Close()

	reg := executor.NewRegistry(logger)
	reg.Register(executor.NewLocalExecutor(logger))
	reg.Register(executor.NewAgentExecutor(agents, cfg.Agent.StartTimeout, logger))

	d := docket.New(st, reg, loaded, docket.Config{
		Horizon:        cfg.Docket.Horizon,
		Tick:           cfg.Docket.Tick,
		WaitingMaxTime: cfg.Waiting.MaxTime,
	}, logger)
	if err := d.Restore(ctx); err != nil {
		return fmt.Errorf("restore runs: %w", err)
	}

	if cfg.Jobs.Watch {
		go func() {
			if err := jobs.Watch(ctx, cfg.JobDir, logger, d.SetJobs); err != nil {
				logger.Error("job watcher stopped", "error", err)
			}
		}()
	}

	srv := server.New(cfg.Server, d, logger, server.WithAgents(agents))
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := d.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("docket loop failed", "error", err)
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		tls := cfg.Agent.TLS
		logger.Info("server starting", "addr", cfg.Server.Addr, "tls", tls.Enabled())
		var err error
		if tls.Enabled() {
			err = httpServer.ListenAndServeTLS(tls.CertPath, tls.KeyPath)
		} else {
			err = httpServer.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	notify(logger, daemon.SdNotifyReady)
	stopWatchdog := watchdog(ctx, logger)
	defer stopWatchdog()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = fmt.Errorf("serve: %w", err)
	}
	logger.Info("shutting down")
	notify(logger, daemon.SdNotifyStopping)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}

	// Stop the loop before closing the store. Running programs are left
	// alone; the next start reconnects to them.
	if ctx.Err() == nil {
		d.Stop()
	}
	<-loopDone
	logger.Info("server stopped")
	return runErr
}

// notify sends state to systemd when running under a notify unit.
func notify(logger *slog.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		logger.Warn("sd_notify failed", "state", state, "error", err)
		return
	}
	if sent {
		logger.Debug("sd_notify", "state", state)
	}
}

// watchdog pings the systemd watchdog at half its interval when the unit
// enables one. The returned func stops the pings.
func watchdog(ctx context.Context, logger *slog.Logger) func() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				notify(logger, daemon.SdNotifyWatchdog)
			}
		}
	}()
	return cancel
}
