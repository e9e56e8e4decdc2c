package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment variables overriding the config file.
// NODE_BALANCER_DATABASE__URL maps to database.url.
const EnvPrefix = "NODE_BALANCER_"

// Database drivers
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config represents the application configuration
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Log          LogConfig          `koanf:"log"`
	Database     DatabaseConfig     `koanf:"database"`
	Pool         PoolConfig         `koanf:"pool"`
	HealthCheck  HealthCheckConfig  `koanf:"health_check"`
	Balancer     BalancerConfig     `koanf:"balancer"`
	Coordination CoordinationConfig `koanf:"coordination"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Addr         string        `koanf:"addr"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	BasePath     string        `koanf:"base_path"` // Optional base path for reverse proxy (e.g., "/balancer")
}

// LogConfig represents logger configuration
type LogConfig struct {
	Level  string `koanf:"level"`  // debug | info | warn | error
	Format string `koanf:"format"` // json | text
}

// DatabaseConfig represents node store configuration
type DatabaseConfig struct {
	Driver         string `koanf:"driver"` // postgres | memory
	URL            string `koanf:"url"`
	MaxConns       int32  `koanf:"max_conns"`
	MigrateOnStart bool   `koanf:"migrate_on_start"`
}

// PoolConfig represents panel client pool configuration
type PoolConfig struct {
	RefreshInterval    time.Duration `koanf:"refresh_interval"`
	RequestTimeout     time.Duration `koanf:"request_timeout"`
	InsecureSkipVerify bool          `koanf:"insecure_skip_verify"` // 3x-ui panels commonly use self-signed certificates
}

// HealthCheckConfig represents node health probing configuration
type HealthCheckConfig struct {
	Enabled              bool          `koanf:"enabled"`
	Interval             time.Duration `koanf:"interval"`
	RetryBackoff         time.Duration `koanf:"retry_backoff"`
	ProbeTimeout         time.Duration `koanf:"probe_timeout"`
	Concurrency          int           `koanf:"concurrency"`
	FailedThreshold      int           `koanf:"failed_threshold"`
	EvacuateUnhealthy    bool          `koanf:"evacuate_unhealthy"`
	RequireActiveInbound bool          `koanf:"require_active_inbound"`
}

// BalancerConfig represents placement and rebalancing configuration
type BalancerConfig struct {
	RebalanceInterval  time.Duration `koanf:"rebalance_interval"` // 0 disables the scheduled pass
	RebalanceThreshold float64       `koanf:"rebalance_threshold"`
	RebalanceBatch     int           `koanf:"rebalance_batch"`
	ReconcileInterval  time.Duration `koanf:"reconcile_interval"` // 0 disables counter reconciliation
}

// CoordinationConfig represents multi-replica coordination
type CoordinationConfig struct {
	Etcd EtcdConfig `koanf:"etcd"`
}

// EtcdConfig represents etcd connection used for background job leases
type EtcdConfig struct {
	Endpoints   []string      `koanf:"endpoints"`
	DialTimeout time.Duration `koanf:"dial_timeout"`
	Username    string        `koanf:"username"`
	Password    string        `koanf:"password"`
	LockPrefix  string        `koanf:"lock_prefix"`
	SessionTTL  int           `koanf:"session_ttl"` // seconds
	TLS         *TLSConfig    `koanf:"tls"`
}

// Enabled reports whether etcd coordination is configured
func (c EtcdConfig) Enabled() bool {
	return len(c.Endpoints) > 0
}

// TLSConfig represents TLS configuration for etcd client
type TLSConfig struct {
	CA   string `koanf:"ca"`
	Cert string `koanf:"cert"`
	Key  string `koanf:"key"`
}

// defaults mirror a single-instance deployment
var defaults = map[string]any{
	"server.addr":                         ":8080",
	"server.read_timeout":                 "15s",
	"server.write_timeout":                "60s",
	"log.level":                           "info",
	"log.format":                          "json",
	"database.driver":                     DriverPostgres,
	"database.max_conns":                  10,
	"database.migrate_on_start":           true,
	"pool.refresh_interval":               "30m",
	"pool.request_timeout":                "30s",
	"pool.insecure_skip_verify":           true,
	"health_check.enabled":                true,
	"health_check.interval":               "300s",
	"health_check.retry_backoff":          "60s",
	"health_check.probe_timeout":          "10s",
	"health_check.concurrency":            8,
	"health_check.failed_threshold":       3,
	"health_check.evacuate_unhealthy":     false,
	"health_check.require_active_inbound": false,
	"balancer.rebalance_interval":         "0s",
	"balancer.rebalance_threshold":        20.0,
	"balancer.rebalance_batch":            10,
	"balancer.reconcile_interval":         "1h",
	"coordination.etcd.dial_timeout":      "5s",
	"coordination.etcd.lock_prefix":       "vpn-node-balancer/locks/",
	"coordination.etcd.session_ttl":       30,
}

// Load loads configuration from the specified file. An empty path loads
// defaults and environment only.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Load YAML config
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	// Environment overrides
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// envKey maps NODE_BALANCER_HEALTH_CHECK__INTERVAL to health_check.interval
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}

	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("server.base_path must start with /")
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}

	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for the postgres driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("database.driver must be postgres or memory, got %q", c.Database.Driver)
	}

	if c.Pool.RefreshInterval <= 0 {
		return fmt.Errorf("pool.refresh_interval must be positive")
	}
	if c.Pool.RequestTimeout <= 0 {
		return fmt.Errorf("pool.request_timeout must be positive")
	}

	// Validate health check configuration
	if c.HealthCheck.Enabled {
		if c.HealthCheck.Interval <= 0 {
			return fmt.Errorf("health_check.interval must be positive when health check is enabled")
		}
		if c.HealthCheck.RetryBackoff <= 0 {
			return fmt.Errorf("health_check.retry_backoff must be positive when health check is enabled")
		}
		if c.HealthCheck.FailedThreshold <= 0 {
			return fmt.Errorf("health_check.failed_threshold must be positive when health check is enabled")
		}
	}
	if c.HealthCheck.ProbeTimeout <= 0 {
		return fmt.Errorf("health_check.probe_timeout must be positive")
	}
	if c.HealthCheck.Concurrency <= 0 {
		return fmt.Errorf("health_check.concurrency must be positive")
	}

	if c.Balancer.RebalanceThreshold <= 0 || c.Balancer.RebalanceThreshold > 100 {
		return fmt.Errorf("balancer.rebalance_threshold must be in (0, 100]")
	}
	if c.Balancer.RebalanceBatch <= 0 {
		return fmt.Errorf("balancer.rebalance_batch must be positive")
	}
	if c.Balancer.RebalanceInterval < 0 || c.Balancer.ReconcileInterval < 0 {
		return fmt.Errorf("balancer intervals must not be negative")
	}

	if c.Coordination.Etcd.Enabled() {
		if c.Coordination.Etcd.LockPrefix == "" {
			return fmt.Errorf("coordination.etcd.lock_prefix is required")
		}
		if c.Coordination.Etcd.SessionTTL <= 0 {
			return fmt.Errorf("coordination.etcd.session_ttl must be positive")
		}
	}

	return nil
}
