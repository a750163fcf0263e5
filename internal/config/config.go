// Package config loads docketd configuration from defaults, an optional
// YAML file, and DOCKET_* environment variables.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. DOCKET_SERVER_ADDR.
const EnvPrefix = "DOCKET"

// Config holds configuration for the docket daemon.
type Config struct {
	Server   ServerConfig  `mapstructure:"server"`
	Log      LogConfig     `mapstructure:"log"`
	Database string        `mapstructure:"database"` // SQLite path, ":memory:" for testing
	JobDir   string        `mapstructure:"job_dir"`
	Jobs     JobsConfig    `mapstructure:"jobs"`
	Docket   DocketConfig  `mapstructure:"docket"`
	Waiting  WaitingConfig `mapstructure:"waiting"`
	Agent    AgentConfig   `mapstructure:"agent"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr string `mapstructure:"addr"` // Listen address (default ":8080")
	// APIToken, if set, is required as a Bearer token on API requests.
	APIToken string `mapstructure:"api_token"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text, json
}

// JobsConfig configures job loading.
type JobsConfig struct {
	Watch bool `mapstructure:"watch"` // reload the job dir on change
}

// DocketConfig configures the scheduling loop.
type DocketConfig struct {
	Horizon time.Duration `mapstructure:"horizon"`
	Tick    time.Duration `mapstructure:"tick"`
}

// WaitingConfig bounds how long runs wait on conditions.
type WaitingConfig struct {
	MaxTime time.Duration `mapstructure:"max_time"` // 0 = no limit
}

// AgentConfig configures the remote agent endpoint.
type AgentConfig struct {
	AccessToken      string        `mapstructure:"access_token"`
	TLS              TLSConfig     `mapstructure:"tls"`
	StartTimeout     time.Duration `mapstructure:"start_timeout"`
	ReconnectTimeout time.Duration `mapstructure:"reconnect_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
}

// TLSConfig names a certificate and key for serving TLS.
type TLSConfig struct {
	CertPath string `mapstructure:"cert_path"`
	KeyPath  string `mapstructure:"key_path"`
}

// Enabled reports whether both cert and key are configured.
func (t TLSConfig) Enabled() bool {
	return t.CertPath != "" && t.KeyPath != ""
}

// setDefaults registers every key so environment overrides apply to it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.api_token", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("database", "docket.db")
	v.SetDefault("job_dir", "jobs")
	v.SetDefault("jobs.watch", false)
	v.SetDefault("docket.horizon", 24*time.Hour)
	v.SetDefault("docket.tick", time.Second)
	v.SetDefault("waiting.max_time", time.Duration(0))
	v.SetDefault("agent.access_token", "")
	v.SetDefault("agent.tls.cert_path", "")
	v.SetDefault("agent.tls.key_path", "")
	v.SetDefault("agent.start_timeout", time.Duration(0))
	v.SetDefault("agent.reconnect_timeout", 60*time.Second)
	v.SetDefault("agent.ping_interval", 30*time.Second)
}

// Default returns the configuration with no file or environment applied.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return cfg
}

// Load reads configuration. path may be empty, in which case only defaults
// and environment apply. Relative job_dir and database paths in a file are
// resolved against the file's directory.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if path != "" {
		base := filepath.Dir(path)
		cfg.JobDir = resolve(base, cfg.JobDir)
		if cfg.Database != ":memory:" {
			cfg.Database = resolve(base, cfg.Database)
		}
		cfg.Agent.TLS.CertPath = resolve(base, cfg.Agent.TLS.CertPath)
		cfg.Agent.TLS.KeyPath = resolve(base, cfg.Agent.TLS.KeyPath)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	switch {
	case c.Docket.Horizon <= 0:
		return fmt.Errorf("docket.horizon must be positive")
	case c.Docket.Tick <= 0:
		return fmt.Errorf("docket.tick must be positive")
	case c.Waiting.MaxTime < 0:
		return fmt.Errorf("waiting.max_time must not be negative")
	case c.Agent.StartTimeout < 0:
		return fmt.Errorf("agent.start_timeout must not be negative")
	case (c.Agent.TLS.CertPath == "") != (c.Agent.TLS.KeyPath == ""):
		return fmt.Errorf("agent.tls needs both cert_path and key_path")
	}
	return nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}
