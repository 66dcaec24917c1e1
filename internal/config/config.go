// Package config loads service configuration.
//
// Configuration is assembled by [Loader] with Viper. Priority, highest first:
//  1. Environment variables with the APPROVALS_ prefix, where a dot in the key
//     becomes an underscore (server.port → APPROVALS_SERVER_PORT)
//  2. A .env file in the working directory, loaded into the environment
//  3. The YAML file named by APPROVALS_CONFIG_PATH
//  4. ./config/approvals.yaml
//  5. [Defaults]
package config

import (
	"time"
)

// Config is the root configuration container.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Store     StoreConfig     `mapstructure:"store"`
	Directory DirectoryConfig `mapstructure:"directory"`
	Auth      AuthConfig      `mapstructure:"auth"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Channel   ChannelConfig   `mapstructure:"channel"`
	Log       LogConfig       `mapstructure:"log"`

	// Actions replaces the built-in action catalog when non-empty.
	Actions []ActionConfig `mapstructure:"actions"`
}

type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	User        string        `mapstructure:"user"`
	Password    string        `mapstructure:"password"`
	Database    string        `mapstructure:"database"`
	SSLMode     string        `mapstructure:"ssl_mode"`
	MaxConns    int32         `mapstructure:"max_conns"`
	MinConns    int32         `mapstructure:"min_conns"`
	MaxConnTime time.Duration `mapstructure:"max_conn_time"`
	MaxIdleTime time.Duration `mapstructure:"max_idle_time"`
	HealthCheck time.Duration `mapstructure:"health_check"`
}

// StoreConfig selects the step/task store: "postgres" or "memory".
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
}

// DirectoryConfig selects the reference-data directory: "memory" (seeded from
// SeedFile) or "mysql" (read through gorm with DSN).
type DirectoryConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	SeedFile string `mapstructure:"seed_file"`
}

type AuthConfig struct {
	JWTSecret  string        `mapstructure:"jwt_secret"`
	Issuer     string        `mapstructure:"issuer"`
	AccessTTL  time.Duration `mapstructure:"access_ttl"`
	RefreshTTL time.Duration `mapstructure:"refresh_ttl"`
}

// NATSConfig enables workflow event publishing when URL is set.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ChannelConfig tunes the task distribution WebSocket sessions.
type ChannelConfig struct {
	WriteWait  time.Duration `mapstructure:"write_wait"`
	PongWait   time.Duration `mapstructure:"pong_wait"`
	SendBuffer int           `mapstructure:"send_buffer"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// ActionConfig is one catalog entry override.
type ActionConfig struct {
	ID            string `mapstructure:"id"`
	Code          string `mapstructure:"code"`
	Label         string `mapstructure:"label"`
	CategoryCode  string `mapstructure:"category_code"`
	CategoryLabel string `mapstructure:"category_label"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "be-plt-approvals",
			Version:     "dev",
			Environment: "development",
		},
		Server: ServerConfig{
			Port:            8086,
			GRPCPort:        9086,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Database: DatabaseConfig{
			Host:        "localhost",
			Port:        5432,
			User:        "postgres",
			Database:    "approvals",
			SSLMode:     "disable",
			MaxConns:    10,
			MinConns:    1,
			MaxConnTime: time.Hour,
			MaxIdleTime: 30 * time.Minute,
			HealthCheck: time.Minute,
		},
		Store:     StoreConfig{Driver: "postgres"},
		Directory: DirectoryConfig{Driver: "memory"},
		Auth: AuthConfig{
			JWTSecret:  "change-me-secret",
			Issuer:     "be-plt-approvals",
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 7 * 24 * time.Hour,
		},
		NATS:    NATSConfig{SubjectPrefix: "notifications.workflow"},
		Tracing: TracingConfig{Enabled: false},
		Channel: ChannelConfig{
			WriteWait:  10 * time.Second,
			PongWait:   60 * time.Second,
			SendBuffer: 16,
		},
		Log: LogConfig{Level: "info"},
	}
}
