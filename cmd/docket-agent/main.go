package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/me/docket/internal/agent"
	"github.com/me/docket/internal/logging"
)

func main() {
	var cfg agent.Config

	// Scheduler connection flags.
	flag.StringVar(&cfg.ServerURL, "server", "ws://localhost:8080/agent", "Scheduler agent endpoint (ws:// or wss://)")
	flag.StringVar(&cfg.AccessToken, "token", os.Getenv("DOCKET_AGENT_TOKEN"), "Access token (or DOCKET_AGENT_TOKEN env)")
	flag.StringVar(&cfg.GroupID, "group", "default", "Agent group this agent serves")
	flag.StringVar(&cfg.ConnID, "conn-id", "", "Stable connection id (default: random per start)")
	flag.DurationVar(&cfg.RetryInterval, "retry", 5*time.Second, "Minimum time between connection attempts")
	flag.DurationVar(&cfg.UpdateInterval, "update-interval", 0, "Minimum time between output updates for a running process (0: only on exit)")
	flag.DurationVar(&cfg.OrphanTTL, "orphan-ttl", 24*time.Hour, "How long to keep uncollected results of exited processes")

	// TLS flags.
	flag.StringVar(&cfg.TLS.CACertPath, "ca-cert", "", "Path to CA certificate PEM file for the scheduler")
	flag.BoolVar(&cfg.TLS.InsecureSkipVerify, "insecure", false, "Skip TLS verification (testing only)")

	// Logging flags.
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "text", "Log format (text, json)")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	if *debug {
		*logLevel = "debug"
	}
	logger := logging.NewLogger(logging.ParseLevel(*logLevel), *logFormat)

	a, err := agent.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init agent: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting agent",
		"server", cfg.ServerURL,
		"group", cfg.GroupID,
		"conn_id", a.ConnID(),
	)

	if err := a.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "agent error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("agent stopped")
}
