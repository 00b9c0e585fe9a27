// Package config provides configuration management for the coordinator.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the coordinator.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Runner     RunnerConfig     `mapstructure:"runner"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Auth       AuthConfig       `mapstructure:"auth"`
	CORS       CORSConfig       `mapstructure:"cors"`
	Blueprints BlueprintsConfig `mapstructure:"blueprints"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// When Host is empty the coordinator uses SQLite at Path.
type DatabaseConfig struct {
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// RunnerConfig holds the runner long-poll and liveness knobs.
type RunnerConfig struct {
	PollTimeout       int `mapstructure:"pollTimeout"`       // long-poll hold, seconds
	HeartbeatInterval int `mapstructure:"heartbeatInterval"` // advertised period, seconds
	HeartbeatTimeout  int `mapstructure:"heartbeatTimeout"`  // stale threshold, seconds
}

// QueueConfig holds run queue behaviour.
type QueueConfig struct {
	NoMatchTimeout int    `mapstructure:"noMatchTimeout"` // pending-run timeout, seconds
	RecoveryMode   string `mapstructure:"recoveryMode"`   // none | stale | all
	StaleThreshold int    `mapstructure:"staleThreshold"` // recovery stale threshold, seconds
	SweepInterval  int    `mapstructure:"sweepInterval"`  // timeout sweeper period, seconds
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	Disabled bool   `mapstructure:"disabled"`
	APIKey   string `mapstructure:"apiKey"`
}

// CORSConfig holds the allowed origins for browser clients.
type CORSConfig struct {
	Origins []string `mapstructure:"origins"`
}

// BlueprintsConfig holds agent blueprint seeding options.
type BlueprintsConfig struct {
	SeedFile string `mapstructure:"seedFile"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Addr returns the host:port bind address.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// PollTimeoutDuration returns the long-poll hold time as a time.Duration.
func (r *RunnerConfig) PollTimeoutDuration() time.Duration {
	return time.Duration(r.PollTimeout) * time.Second
}

// HeartbeatTimeoutDuration returns the stale threshold as a time.Duration.
func (r *RunnerConfig) HeartbeatTimeoutDuration() time.Duration {
	return time.Duration(r.HeartbeatTimeout) * time.Second
}

// NoMatchTimeoutDuration returns the pending-run timeout as a time.Duration.
func (q *QueueConfig) NoMatchTimeoutDuration() time.Duration {
	return time.Duration(q.NoMatchTimeout) * time.Second
}

// StaleThresholdDuration returns the recovery stale threshold as a time.Duration.
func (q *QueueConfig) StaleThresholdDuration() time.Duration {
	return time.Duration(q.StaleThreshold) * time.Second
}

// SweepIntervalDuration returns the sweeper period as a time.Duration.
func (q *QueueConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(q.SweepInterval) * time.Second
}

// detectDefaultLogFormat returns "json" for production-like environments
// and "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTOR_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults: loopback only unless explicitly exposed
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8765)
	v.SetDefault("server.readTimeout", 60)
	v.SetDefault("server.writeTimeout", 60)

	// Database defaults - empty host means SQLite at database.path
	v.SetDefault("database.path", "agentor.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "agentor")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "agentor")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentor-coordinator")
	v.SetDefault("nats.maxReconnects", 10)

	// Runner protocol defaults
	v.SetDefault("runner.pollTimeout", 30)
	v.SetDefault("runner.heartbeatInterval", 60)
	v.SetDefault("runner.heartbeatTimeout", 120)

	// Queue defaults
	v.SetDefault("queue.noMatchTimeout", 300)
	v.SetDefault("queue.recoveryMode", "stale")
	v.SetDefault("queue.staleThreshold", 300)
	v.SetDefault("queue.sweepInterval", 5)

	// Auth defaults
	v.SetDefault("auth.disabled", false)
	v.SetDefault("auth.apiKey", "")

	// CORS defaults - localhost development set
	v.SetDefault("cors.origins", []string{
		"http://localhost:3000",
		"http://localhost:5173",
		"http://127.0.0.1:3000",
		"http://127.0.0.1:5173",
	})

	// Blueprint seeding
	v.SetDefault("blueprints.seedFile", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTOR_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/agentor/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The runner protocol and queue knobs have historically been flat
	// environment variables; accept both spellings.
	_ = v.BindEnv("runner.pollTimeout", "RUNNER_POLL_TIMEOUT", "AGENTOR_RUNNER_POLL_TIMEOUT")
	_ = v.BindEnv("runner.heartbeatInterval", "RUNNER_HEARTBEAT_INTERVAL", "AGENTOR_RUNNER_HEARTBEAT_INTERVAL")
	_ = v.BindEnv("runner.heartbeatTimeout", "RUNNER_HEARTBEAT_TIMEOUT", "AGENTOR_RUNNER_HEARTBEAT_TIMEOUT")
	_ = v.BindEnv("queue.noMatchTimeout", "RUN_NO_MATCH_TIMEOUT", "AGENTOR_QUEUE_NO_MATCH_TIMEOUT")
	_ = v.BindEnv("queue.recoveryMode", "RUN_RECOVERY_MODE", "AGENTOR_QUEUE_RECOVERY_MODE")
	_ = v.BindEnv("cors.origins", "CORS_ORIGINS", "AGENTOR_CORS_ORIGINS")
	_ = v.BindEnv("auth.disabled", "AUTH_DISABLED", "AGENTOR_AUTH_DISABLED")
	_ = v.BindEnv("database.path", "AGENTOR_DB_PATH")
	_ = v.BindEnv("blueprints.seedFile", "AGENTOR_BLUEPRINTS_FILE")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentor/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// CORS_ORIGINS arrives as a comma-separated string from the environment.
	if len(cfg.CORS.Origins) == 1 && strings.Contains(cfg.CORS.Origins[0], ",") {
		parts := strings.Split(cfg.CORS.Origins[0], ",")
		origins := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
		cfg.CORS.Origins = origins
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation - only if host is set (SQLite mode otherwise)
	if cfg.Database.Host != "" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.host is set")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.host is set")
		}
	} else if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required when database.host is not set")
	}

	if cfg.Runner.PollTimeout <= 0 {
		errs = append(errs, "runner.pollTimeout must be positive")
	}
	if cfg.Runner.HeartbeatInterval <= 0 {
		errs = append(errs, "runner.heartbeatInterval must be positive")
	}
	if cfg.Runner.HeartbeatTimeout <= 0 {
		errs = append(errs, "runner.heartbeatTimeout must be positive")
	}
	if cfg.Queue.NoMatchTimeout <= 0 {
		errs = append(errs, "queue.noMatchTimeout must be positive")
	}

	switch cfg.Queue.RecoveryMode {
	case "none", "stale", "all":
	default:
		errs = append(errs, "queue.recoveryMode must be one of: none, stale, all")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// UsePostgres reports whether a PostgreSQL backend is configured.
func (d *DatabaseConfig) UsePostgres() bool {
	return d.Host != ""
}
