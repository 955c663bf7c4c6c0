// Package config provides configuration management for the orchestrator.
// It supports loading configuration from environment variables, config
// files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Events     EventsConfig     `mapstructure:"events"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP/WebSocket server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds StateStore backing-engine configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite, memory, postgres
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

// NATSConfig holds NATS-backed EventBus engine configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	// Namespace isolates subjects across deployments/instances. An empty
	// value makes the NATS bus use the fixed prefix "orchestra".
	Namespace string `mapstructure:"namespace"`
}

// DispatcherConfig holds the scheduling, retry, and lifecycle knobs named in
// the configuration section.
type DispatcherConfig struct {
	HeartbeatTimeoutSeconds     int `mapstructure:"heartbeatTimeoutSeconds"`
	DispatcherTickIntervalMS    int `mapstructure:"dispatcherTickIntervalMs"`
	MaxPendingTasks             int `mapstructure:"maxPendingTasks"`
	PerAgentCommandTimeoutMin   int `mapstructure:"perAgentCommandTimeoutMin"`
	ShutdownGraceSeconds        int `mapstructure:"shutdownGraceSeconds"`
	RetryMaxAttempts            int `mapstructure:"retryMaxAttempts"`
	RetryBaseBackoffSeconds     int `mapstructure:"retryBaseBackoffSeconds"`
	WarmupOnStartup             bool `mapstructure:"warmupOnStartup"`
	SubscriberOutboundBuffer    int `mapstructure:"subscriberOutboundBuffer"`
	AutoProvisionOnMiss         bool `mapstructure:"autoProvisionOnMiss"`
}

// HeartbeatTimeout returns the configured heartbeat timeout as a Duration.
func (d *DispatcherConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(d.HeartbeatTimeoutSeconds) * time.Second
}

// DispatcherTickInterval returns the configured tick interval as a Duration.
func (d *DispatcherConfig) DispatcherTickInterval() time.Duration {
	return time.Duration(d.DispatcherTickIntervalMS) * time.Millisecond
}

// PerAgentCommandTimeout returns the configured per-command timeout as a Duration.
func (d *DispatcherConfig) PerAgentCommandTimeout() time.Duration {
	return time.Duration(d.PerAgentCommandTimeoutMin) * time.Minute
}

// ShutdownGrace returns the configured shutdown grace period as a Duration.
func (d *DispatcherConfig) ShutdownGrace() time.Duration {
	return time.Duration(d.ShutdownGraceSeconds) * time.Second
}

// RetryBaseBackoff returns the configured retry backoff base as a Duration.
func (d *DispatcherConfig) RetryBaseBackoff() time.Duration {
	return time.Duration(d.RetryBaseBackoffSeconds) * time.Second
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

// detectDefaultLogFormat mirrors logger.detectLogFormat so the config
// default and the fallback logger agree before the configured logger exists.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("ORCHESTRA_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./orchestrator.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "orchestrator")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "orchestrator")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Empty NATS URL means use the in-memory event bus engine.
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "orchestra-cluster")
	v.SetDefault("nats.clientId", "orchestra-client")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.namespace", "")

	v.SetDefault("dispatcher.heartbeatTimeoutSeconds", 90)
	v.SetDefault("dispatcher.dispatcherTickIntervalMs", 50)
	v.SetDefault("dispatcher.maxPendingTasks", 10000)
	v.SetDefault("dispatcher.perAgentCommandTimeoutMin", 10)
	v.SetDefault("dispatcher.shutdownGraceSeconds", 30)
	v.SetDefault("dispatcher.retryMaxAttempts", 3)
	v.SetDefault("dispatcher.retryBaseBackoffSeconds", 2)
	v.SetDefault("dispatcher.warmupOnStartup", true)
	v.SetDefault("dispatcher.subscriberOutboundBuffer", 256)
	v.SetDefault("dispatcher.autoProvisionOnMiss", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations. Environment variables use the prefix ORCHESTRA_ with
// snake_case naming.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ORCHESTRA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("logging.level", "ORCHESTRA_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "ORCHESTRA_EVENTS_NAMESPACE")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/orchestrator/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are well-formed.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	}
	if cfg.Database.Driver != "sqlite" && cfg.Database.Driver != "memory" && cfg.Database.Driver != "postgres" {
		errs = append(errs, "database.driver must be one of: sqlite, memory, postgres")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Dispatcher.HeartbeatTimeoutSeconds <= 0 {
		errs = append(errs, "dispatcher.heartbeatTimeoutSeconds must be positive")
	}
	if cfg.Dispatcher.DispatcherTickIntervalMS <= 0 {
		errs = append(errs, "dispatcher.dispatcherTickIntervalMs must be positive")
	}
	if cfg.Dispatcher.MaxPendingTasks <= 0 {
		errs = append(errs, "dispatcher.maxPendingTasks must be positive")
	}
	if cfg.Dispatcher.RetryMaxAttempts < 0 {
		errs = append(errs, "dispatcher.retryMaxAttempts must not be negative")
	}
	if cfg.Dispatcher.SubscriberOutboundBuffer <= 0 {
		errs = append(errs, "dispatcher.subscriberOutboundBuffer must be positive")
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
