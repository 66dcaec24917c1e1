package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix      = "APPROVALS"
	envConfigPath  = "APPROVALS_CONFIG_PATH"
	legacyFilePath = "config/approvals.yaml"
)

// Loader reads configuration through a dedicated Viper instance.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a loader with defaults and env bindings applied.
func NewLoader() *Loader {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Defaults())
	return &Loader{v: v}
}

// Load loads .env, then the first config file found, then env overrides.
// A missing config file is not an error.
func (l *Loader) Load() (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("error loading .env: %w", err)
		}
	}

	path := os.Getenv(envConfigPath)
	if path == "" {
		if _, err := os.Stat(legacyFilePath); err == nil {
			path = legacyFilePath
		}
	}
	if path != "" {
		return l.LoadFromFile(path)
	}
	return l.unmarshal()
}

// LoadFromFile reads the YAML file at path and applies env overrides on top.
func (l *Loader) LoadFromFile(path string) (*Config, error) {
	l.v.SetConfigFile(path)
	if err := l.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}
	return l.unmarshal()
}

func (l *Loader) unmarshal() (*Config, error) {
	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("invalid store.driver %q: want postgres or memory", c.Store.Driver)
	}
	switch c.Directory.Driver {
	case "memory":
	case "mysql":
		if c.Directory.DSN == "" {
			return fmt.Errorf("directory.dsn is required for the mysql directory")
		}
	default:
		return fmt.Errorf("invalid directory.driver %q: want memory or mysql", c.Directory.Driver)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	for i, a := range c.Actions {
		if a.ID == "" || a.Code == "" {
			return fmt.Errorf("actions[%d]: id and code are required", i)
		}
	}
	return nil
}

// DSN builds the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("service.name", d.Service.Name)
	v.SetDefault("service.version", d.Service.Version)
	v.SetDefault("service.environment", d.Service.Environment)

	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.grpc_port", d.Server.GRPCPort)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.request_timeout", d.Server.RequestTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)

	v.SetDefault("database.host", d.Database.Host)
	v.SetDefault("database.port", d.Database.Port)
	v.SetDefault("database.user", d.Database.User)
	v.SetDefault("database.password", d.Database.Password)
	v.SetDefault("database.database", d.Database.Database)
	v.SetDefault("database.ssl_mode", d.Database.SSLMode)
	v.SetDefault("database.max_conns", d.Database.MaxConns)
	v.SetDefault("database.min_conns", d.Database.MinConns)
	v.SetDefault("database.max_conn_time", d.Database.MaxConnTime)
	v.SetDefault("database.max_idle_time", d.Database.MaxIdleTime)
	v.SetDefault("database.health_check", d.Database.HealthCheck)

	v.SetDefault("store.driver", d.Store.Driver)

	v.SetDefault("directory.driver", d.Directory.Driver)
	v.SetDefault("directory.dsn", d.Directory.DSN)
	v.SetDefault("directory.seed_file", d.Directory.SeedFile)

	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("auth.issuer", d.Auth.Issuer)
	v.SetDefault("auth.access_ttl", d.Auth.AccessTTL)
	v.SetDefault("auth.refresh_ttl", d.Auth.RefreshTTL)

	v.SetDefault("nats.url", d.NATS.URL)
	v.SetDefault("nats.subject_prefix", d.NATS.SubjectPrefix)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)

	v.SetDefault("channel.write_wait", d.Channel.WriteWait)
	v.SetDefault("channel.pong_wait", d.Channel.PongWait)
	v.SetDefault("channel.send_buffer", d.Channel.SendBuffer)

	v.SetDefault("log.level", d.Log.Level)
}
