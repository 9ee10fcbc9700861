// Package config provides Viper-based configuration loading for the anchor
// relay server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds the TCP relay listener settings.
type ServerConfig struct {
	// Host is the bind address for the relay listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the relay listener.
	Port int `mapstructure:"port"`
	// WriteTimeout bounds a single packet write to a client. A write that
	// exceeds it disconnects that client only.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// SendQueueSize is the per-client outbound packet queue depth. A client
	// whose queue fills is treated as a failed write and disconnected.
	SendQueueSize int `mapstructure:"send_queue_size"`
	// MaxPendingBytes bounds the unframed bytes buffered per connection.
	// A peer that exceeds it without sending a delimiter is disconnected.
	MaxPendingBytes int `mapstructure:"max_pending_bytes"`
	// Quiet suppresses per-packet traffic logging at startup. It can be
	// toggled at runtime from the operator console.
	Quiet bool `mapstructure:"quiet"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// HeartbeatConfig holds the periodic background task intervals.
type HeartbeatConfig struct {
	// ClientInterval is how often a HEARTBEAT packet is sent to every client.
	ClientInterval time.Duration `mapstructure:"client_interval"`
	// StatsInterval is how often the usage stats snapshot is persisted.
	StatsInterval time.Duration `mapstructure:"stats_interval"`
}

// Stats store backends.
const (
	StatsStoreNone     = "none"
	StatsStoreFile     = "file"
	StatsStorePostgres = "postgres"
)

// StatsConfig selects where aggregate usage statistics are persisted.
type StatsConfig struct {
	// Store is the stats backend: "none", "file", or "postgres".
	Store string `mapstructure:"store"`
	// FilePath is the stats snapshot path when Store is "file".
	FilePath string `mapstructure:"file_path"`
}

// DatabaseConfig holds PostgreSQL connection settings, used when the stats
// store is "postgres".
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Stats     StatsConfig     `mapstructure:"stats"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateServer(c.Server); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateHeartbeat(c.Heartbeat); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateStats(c.Stats); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Stats.Store == StatsStorePostgres {
		if err := validateDatabase(c.Database); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.Port < 1 || s.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 1-65535, got %d", s.Port))
	}
	if s.WriteTimeout <= 0 {
		errs = append(errs, "server.write_timeout must be positive")
	}
	if s.SendQueueSize < 1 {
		errs = append(errs, fmt.Sprintf("server.send_queue_size must be >= 1, got %d", s.SendQueueSize))
	}
	if s.MaxPendingBytes < 1 {
		errs = append(errs, fmt.Sprintf("server.max_pending_bytes must be >= 1, got %d", s.MaxPendingBytes))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateHeartbeat(h HeartbeatConfig) error {
	var errs []string
	if h.ClientInterval <= 0 {
		errs = append(errs, "heartbeat.client_interval must be positive")
	}
	if h.StatsInterval <= 0 {
		errs = append(errs, "heartbeat.stats_interval must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateStats(s StatsConfig) error {
	switch s.Store {
	case StatsStoreNone, StatsStorePostgres:
		return nil
	case StatsStoreFile:
		if s.FilePath == "" {
			return errors.New(`stats.file_path must not be empty when stats.store is "file"`)
		}
		return nil
	default:
		return fmt.Errorf("stats.store must be one of [none, file, postgres], got %q", s.Store)
	}
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with ANCHOR_ prefix
	v.SetEnvPrefix("ANCHOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 43385)
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.send_queue_size", 256)
	v.SetDefault("server.max_pending_bytes", 1<<20)
	v.SetDefault("server.quiet", false)

	v.SetDefault("heartbeat.client_interval", "30s")
	v.SetDefault("heartbeat.stats_interval", "2500ms")

	v.SetDefault("stats.store", "file")
	v.SetDefault("stats.file_path", "stats.json")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "anchor")
	v.SetDefault("database.password", "anchor")
	v.SetDefault("database.name", "anchor")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
