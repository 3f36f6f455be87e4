package config

import (
	"time"

	"github.com/flashgate/flashgate/internal/core"
)

// Config represents the complete application configuration. Values are
// layered: built-in defaults, then the config file, then FLASHGATE_*
// environment variables, then runtime overrides.
type Config struct {
	Server    ServerConfig      `mapstructure:"server"`
	Store     StoreConfig       `mapstructure:"store"`
	Redis     RedisConfig       `mapstructure:"redis"`
	Postgres  PostgresConfig    `mapstructure:"postgres"`
	RateLimit RateLimitConfig   `mapstructure:"ratelimit"`
	Breaker   BreakerConfig     `mapstructure:"breaker"`
	Sweeper   SweeperConfig     `mapstructure:"sweeper"`
	Sales     []core.SaleConfig `mapstructure:"sales"`
	Logging   LoggingConfig     `mapstructure:"logging"`
	Metrics   MetricsConfig     `mapstructure:"metrics"`
	Health    HealthConfig      `mapstructure:"health"`
	Debug     DebugConfig       `mapstructure:"debug"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// AdminToken enables the /admin/signal endpoint when set.
	AdminToken string `mapstructure:"admin_token"`

	// CollaboratorToken lets the order/payment service commit and release
	// reservations over HTTP. Empty disables those routes.
	CollaboratorToken string `mapstructure:"collaborator_token"`

	// TrustProxy honours X-Forwarded-For and X-Real-IP for client addresses.
	TrustProxy bool `mapstructure:"trust_proxy"`
}

// StoreConfig contains database configuration for libsql/Turso
type StoreConfig struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// RedisConfig locates the shared bucket store used by the redis backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// PostgresConfig switches inventory to Postgres when DSN is set.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// Rate limit bucket backends.
const (
	BackendLibsql = "libsql"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// RateLimitConfig configures the request limiter.
type RateLimitConfig struct {
	// Backend selects where bucket state lives: libsql, redis or memory.
	Backend string `mapstructure:"backend"`

	// IdleTTL is how long an untouched bucket is kept before eviction.
	IdleTTL time.Duration `mapstructure:"idle_ttl"`

	// Margin scales every policy down, e.g. 0.9 keeps 10% headroom.
	Margin float64 `mapstructure:"margin"`

	// Tiers holds per-tier user budgets keyed by tier name.
	Tiers map[string]core.BucketPolicy `mapstructure:"tiers"`

	// Per-minute budgets for the other scopes. Zero disables the scope.
	IPPerMinute       int `mapstructure:"ip_per_minute"`
	ServicePerMinute  int `mapstructure:"service_per_minute"`
	EndpointPerMinute int `mapstructure:"endpoint_per_minute"`

	// Endpoints overrides the endpoint budget per route; a trailing * matches a prefix.
	Endpoints map[string]int `mapstructure:"endpoints"`
}

// BreakerConfig configures the circuit breakers around stores.
type BreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Threshold        float64       `mapstructure:"threshold"`
	MinRequests      uint32        `mapstructure:"min_requests"`
	Window           time.Duration `mapstructure:"window"`
	CoolDown         time.Duration `mapstructure:"cool_down"`
	HalfOpenRequests uint32        `mapstructure:"half_open_requests"`
}

// SweeperConfig configures the expiry loop.
type SweeperConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`

	// QueueRetention is how long terminal queue entries are kept.
	QueueRetention time.Duration `mapstructure:"queue_retention"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level"`

	// Profile selects the logging complexity level
	// Valid values: SIMPLE, STRUCTURED, ENTERPRISE
	Profile string `mapstructure:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	// Enabled controls whether metrics are exposed
	Enabled bool `mapstructure:"enabled"`

	// Port is the dedicated metrics endpoint port (Prometheus format)
	Port int `mapstructure:"port"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DebugConfig contains debug and profiling configuration
type DebugConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// PprofEnabled controls whether pprof endpoints are exposed
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// Sale returns the sale with the given id.
func (c *Config) Sale(id string) (core.SaleConfig, bool) {
	for _, sale := range c.Sales {
		if sale.ID == id {
			return sale.WithDefaults(), true
		}
	}
	return core.SaleConfig{}, false
}
