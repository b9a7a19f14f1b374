// Package config loads taskgate settings from defaults, an optional YAML
// file and TASKGATE_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/psantana5/taskgate/pkg/cleanup"
	"github.com/psantana5/taskgate/pkg/coordinator"
	"github.com/psantana5/taskgate/pkg/services"
	"github.com/psantana5/taskgate/pkg/store"
	"github.com/psantana5/taskgate/pkg/tls"
	"github.com/psantana5/taskgate/pkg/tracing"
)

// EnvPrefix namespaces environment overrides: store.dsn is TASKGATE_STORE_DSN
const EnvPrefix = "TASKGATE"

// Engine modes
const (
	EngineLocal  = "local"
	EngineRemote = "remote"
)

// Secret sources for the downstream services
const (
	SecretEnv  = "env"
	SecretFile = "file"
)

type ServerConfig struct {
	Addr        string    `mapstructure:"addr" yaml:"addr"`
	MetricsAddr string    `mapstructure:"metrics_addr" yaml:"metrics_addr"`
	APIKey      string    `mapstructure:"api_key" yaml:"api_key"`
	APIKeyHash  string    `mapstructure:"api_key_hash" yaml:"api_key_hash"`
	TLS         TLSConfig `mapstructure:"tls" yaml:"tls"`
}

type TLSConfig struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	Cert         string `mapstructure:"cert" yaml:"cert"`
	Key          string `mapstructure:"key" yaml:"key"`
	CA           string `mapstructure:"ca" yaml:"ca"`
	MTLS         bool   `mapstructure:"mtls" yaml:"mtls"`
	AutoGenerate bool   `mapstructure:"auto_generate" yaml:"auto_generate"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`
}

type StoreConfig struct {
	Type            string        `mapstructure:"type" yaml:"type"`
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	Path            string        `mapstructure:"path" yaml:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	Redis           RedisConfig   `mapstructure:"redis" yaml:"redis"`
}

type SuspensionConfig struct {
	DefaultTTL time.Duration `mapstructure:"default_ttl" yaml:"default_ttl"`
	ClaimLease time.Duration `mapstructure:"claim_lease" yaml:"claim_lease"`
}

type ReclaimConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval       time.Duration `mapstructure:"interval" yaml:"interval"`
	BatchSize      int           `mapstructure:"batch_size" yaml:"batch_size"`
	VacuumInterval time.Duration `mapstructure:"vacuum_interval" yaml:"vacuum_interval"`
}

type EngineConfig struct {
	Mode             string        `mapstructure:"mode" yaml:"mode"`
	URL              string        `mapstructure:"url" yaml:"url"`
	Token            string        `mapstructure:"token" yaml:"token"`
	CA               string        `mapstructure:"ca" yaml:"ca"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout" yaml:"execution_timeout"`
}

type SecretConfig struct {
	Source string `mapstructure:"source" yaml:"source"`
	Env    string `mapstructure:"env" yaml:"env"`
	File   string `mapstructure:"file" yaml:"file"`
	Key    string `mapstructure:"key" yaml:"key"`
}

type AuthConfig struct {
	Secret        SecretConfig `mapstructure:"secret" yaml:"secret"`
	RequireHeader bool         `mapstructure:"require_header" yaml:"require_header"`
}

type ServicesConfig struct {
	Enabled    bool          `mapstructure:"enabled" yaml:"enabled"`
	MinLatency time.Duration `mapstructure:"min_latency" yaml:"min_latency"`
	MaxLatency time.Duration `mapstructure:"max_latency" yaml:"max_latency"`
}

type ResultsConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
	// Dir enables file logging to <dir>/taskgate.log
	Dir string `mapstructure:"dir" yaml:"dir"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps" yaml:"rps"`
	Burst int     `mapstructure:"burst" yaml:"burst"`
}

// Config is the full coordinator configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Store      StoreConfig      `mapstructure:"store" yaml:"store"`
	Suspension SuspensionConfig `mapstructure:"suspension" yaml:"suspension"`
	Reclaim    ReclaimConfig    `mapstructure:"reclaim" yaml:"reclaim"`
	Engine     EngineConfig     `mapstructure:"engine" yaml:"engine"`
	Auth       AuthConfig       `mapstructure:"auth" yaml:"auth"`
	Services   ServicesConfig   `mapstructure:"services" yaml:"services"`
	Results    ResultsConfig    `mapstructure:"results" yaml:"results"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Tracing    TracingConfig    `mapstructure:"tracing" yaml:"tracing"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit" yaml:"ratelimit"`
}

// SetDefaults registers every key with its default so environment
// overrides work for keys absent from the file
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.metrics_addr", "")
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.api_key_hash", "")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert", "certs/taskgate.crt")
	v.SetDefault("server.tls.key", "certs/taskgate.key")
	v.SetDefault("server.tls.ca", "")
	v.SetDefault("server.tls.mtls", false)
	v.SetDefault("server.tls.auto_generate", false)

	v.SetDefault("store.type", "sqlite")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.path", "taskgate.db")
	v.SetDefault("store.max_open_conns", 25)
	v.SetDefault("store.max_idle_conns", 5)
	v.SetDefault("store.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.prefix", "taskgate:suspension:")

	d := coordinator.DefaultConfig()
	v.SetDefault("suspension.default_ttl", d.DefaultTTL)
	v.SetDefault("suspension.claim_lease", d.ClaimLease)

	r := cleanup.DefaultConfig()
	v.SetDefault("reclaim.enabled", r.Enabled)
	v.SetDefault("reclaim.interval", r.Interval)
	v.SetDefault("reclaim.batch_size", r.BatchSize)
	v.SetDefault("reclaim.vacuum_interval", r.VacuumInterval)

	v.SetDefault("engine.mode", EngineLocal)
	v.SetDefault("engine.url", "")
	v.SetDefault("engine.token", "")
	v.SetDefault("engine.ca", "")
	v.SetDefault("engine.timeout", 10*time.Second)
	v.SetDefault("engine.execution_timeout", time.Duration(0))

	v.SetDefault("auth.secret.source", SecretEnv)
	v.SetDefault("auth.secret.env", "TASKGATE_SERVICE_TOKEN")
	v.SetDefault("auth.secret.file", "")
	v.SetDefault("auth.secret.key", "")
	v.SetDefault("auth.require_header", false)

	v.SetDefault("services.enabled", true)
	v.SetDefault("services.min_latency", time.Duration(0))
	v.SetDefault("services.max_latency", time.Duration(0))

	v.SetDefault("results.dir", "./results")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", false)
	v.SetDefault("logging.dir", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "http://localhost:4318")
	v.SetDefault("tracing.environment", "development")

	v.SetDefault("ratelimit.rps", 10.0)
	v.SetDefault("ratelimit.burst", 20)
}

// New returns a viper instance with defaults and environment binding
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ReadFile merges a YAML config file into v. An empty path is a no-op.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return nil
}

// Load decodes and validates the configuration held by v
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the coordinator cannot run with
func (c *Config) Validate() error {
	switch c.Store.Type {
	case "memory", "sqlite", "postgres", "postgresql", "mysql", "mariadb", "redis":
	default:
		return fmt.Errorf("unsupported store type %q", c.Store.Type)
	}
	if (c.Store.Type == "postgres" || c.Store.Type == "postgresql" ||
		c.Store.Type == "mysql" || c.Store.Type == "mariadb") && c.Store.DSN == "" {
		return fmt.Errorf("store type %s requires store.dsn", c.Store.Type)
	}

	switch c.Engine.Mode {
	case EngineLocal:
	case EngineRemote:
		if c.Engine.URL == "" {
			return fmt.Errorf("engine mode remote requires engine.url")
		}
	default:
		return fmt.Errorf("unsupported engine mode %q", c.Engine.Mode)
	}

	switch c.Auth.Secret.Source {
	case SecretEnv:
		if c.Auth.Secret.Env == "" {
			return fmt.Errorf("auth.secret.env must name a variable")
		}
	case SecretFile:
		if c.Auth.Secret.File == "" {
			return fmt.Errorf("auth.secret.source file requires auth.secret.file")
		}
	default:
		return fmt.Errorf("unsupported secret source %q", c.Auth.Secret.Source)
	}

	if c.Suspension.DefaultTTL <= 0 {
		return fmt.Errorf("suspension.default_ttl must be positive")
	}
	if c.Suspension.ClaimLease <= 0 {
		return fmt.Errorf("suspension.claim_lease must be positive")
	}
	if c.Reclaim.Enabled && c.Reclaim.Interval <= 0 {
		return fmt.Errorf("reclaim.interval must be positive")
	}
	if c.Services.MaxLatency != 0 && c.Services.MaxLatency < c.Services.MinLatency {
		return fmt.Errorf("services.max_latency is below services.min_latency")
	}
	if c.Server.APIKey != "" && c.Server.APIKeyHash != "" {
		return fmt.Errorf("set only one of server.api_key and server.api_key_hash")
	}
	return nil
}

// StoreConfig maps the settings onto the store constructor's config
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Type:            c.Store.Type,
		DSN:             c.Store.DSN,
		Path:            c.Store.Path,
		MaxOpenConns:    c.Store.MaxOpenConns,
		MaxIdleConns:    c.Store.MaxIdleConns,
		ConnMaxLifetime: c.Store.ConnMaxLifetime,
		RedisAddr:       c.Store.Redis.Addr,
		RedisPassword:   c.Store.Redis.Password,
		RedisDB:         c.Store.Redis.DB,
		RedisPrefix:     c.Store.Redis.Prefix,
	}
}

// CoordinatorConfig maps the suspension settings
func (c *Config) CoordinatorConfig() coordinator.Config {
	return coordinator.Config{
		DefaultTTL: c.Suspension.DefaultTTL,
		ClaimLease: c.Suspension.ClaimLease,
	}
}

// ReclaimConfig maps the reclaimer settings
func (c *Config) ReclaimConfig() cleanup.Config {
	return cleanup.Config{
		Enabled:        c.Reclaim.Enabled,
		Interval:       c.Reclaim.Interval,
		VacuumInterval: c.Reclaim.VacuumInterval,
		BatchSize:      c.Reclaim.BatchSize,
	}
}

// ServicesConfig maps the downstream service settings
func (c *Config) ServicesConfig() services.Config {
	return services.Config{
		MinLatency:    c.Services.MinLatency,
		MaxLatency:    c.Services.MaxLatency,
		RequireHeader: c.Auth.RequireHeader,
	}
}

// TLSConfig maps the listener TLS settings
func (c *Config) TLSConfig() tls.Config {
	return tls.Config{
		Enabled:      c.Server.TLS.Enabled,
		CertFile:     c.Server.TLS.Cert,
		KeyFile:      c.Server.TLS.Key,
		CAFile:       c.Server.TLS.CA,
		MTLS:         c.Server.TLS.MTLS,
		AutoGenerate: c.Server.TLS.AutoGenerate,
	}
}

// TracingConfig maps the tracing settings
func (c *Config) TracingConfig(version string) tracing.Config {
	return tracing.Config{
		ServiceName:    "taskgate",
		ServiceVersion: version,
		Environment:    c.Tracing.Environment,
		OTLPEndpoint:   c.Tracing.Endpoint,
		Enabled:        c.Tracing.Enabled,
	}
}
