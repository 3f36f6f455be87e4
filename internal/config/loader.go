// Package config provides centralized configuration management for flashgate.
// Configuration is layered with viper:
// Layer 1: built-in defaults (setDefaults)
// Layer 2: config file ($XDG_CONFIG_HOME/flashgate/config.yaml or ./config/config.yaml)
// Layer 3: FLASHGATE_* environment variables and runtime overrides
package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/flashgate/flashgate/internal/core"
)

const (
	// AppName names the config and data directories.
	AppName = "flashgate"
	// EnvPrefix prefixes every environment variable.
	EnvPrefix = "FLASHGATE"
)

var (
	// appConfig holds the current application configuration
	appConfig *Config
	configMu  sync.RWMutex

	// configFile is an explicit config path set by --config.
	configFile string
)

// SetConfigFile pins the config file used by subsequent loads.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = strings.TrimSpace(path)
}

// EnvVarSpec maps one environment variable to a config key.
type EnvVarSpec struct {
	Name string
	Key  string
}

// Load builds the configuration from defaults, the config file, environment
// variables and runtimeOverrides, in increasing precedence. It is safe to
// call repeatedly, e.g. for reloads.
func Load(ctx context.Context, runtimeOverrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	configMu.RLock()
	explicit := configFile
	configMu.RUnlock()

	if explicit != "" {
		v.SetConfigFile(explicit)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if dir := gfconfig.GetAppConfigDir(AppName); strings.TrimSpace(dir) != "" {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Key, spec.Name); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", spec.Name, err)
		}
	}

	for _, overrides := range runtimeOverrides {
		applyOverrides(v, "", overrides)
	}

	cfg := &Config{}
	err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.StringToFloat64HookFunc(),
	)))
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if strings.TrimSpace(cfg.Store.URL) == "" && strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = DefaultStorePath()
	}
	for i := range cfg.Sales {
		cfg.Sales[i] = cfg.Sales[i].WithDefaults()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	setConfig(cfg)
	return cfg, nil
}

// Validate rejects configurations the limiter, waiting room or breaker
// cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.RateLimit.Backend {
	case BackendLibsql, BackendRedis, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("ratelimit.backend must be one of libsql, redis, memory (got %q)", c.RateLimit.Backend))
	}
	if c.RateLimit.Backend == BackendRedis && strings.TrimSpace(c.Redis.Addr) == "" {
		errs = append(errs, errors.New("redis.addr is required for the redis backend"))
	}
	if c.RateLimit.Margin < 0 || c.RateLimit.Margin > 1 {
		errs = append(errs, fmt.Errorf("ratelimit.margin must be in [0,1] (got %v)", c.RateLimit.Margin))
	}
	for name, policy := range c.RateLimit.Tiers {
		if !policy.Valid() {
			errs = append(errs, fmt.Errorf("ratelimit.tiers.%s needs capacity >= 1 and a positive refill rate", name))
		}
	}
	for route, perMinute := range c.RateLimit.Endpoints {
		if perMinute <= 0 {
			errs = append(errs, fmt.Errorf("ratelimit.endpoints[%s] must be positive", route))
		}
	}
	if c.Breaker.Threshold < 0 || c.Breaker.Threshold > 1 {
		errs = append(errs, fmt.Errorf("breaker.threshold must be in [0,1] (got %v)", c.Breaker.Threshold))
	}

	seen := map[string]bool{}
	for _, sale := range c.Sales {
		if err := sale.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[sale.ID] {
			errs = append(errs, fmt.Errorf("sale %s is configured twice", sale.ID))
		}
		seen[sale.ID] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// setConfig updates the current configuration (thread-safe)
func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.admin_token", "")
	v.SetDefault("server.trust_proxy", false)
	v.SetDefault("server.collaborator_token", "")

	// Store defaults
	v.SetDefault("store.driver", "libsql")
	v.SetDefault("store.path", DefaultStorePath())
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "flashgate:bucket:")

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.max_conns", 10)

	// Rate limit defaults
	v.SetDefault("ratelimit.backend", BackendLibsql)
	v.SetDefault("ratelimit.idle_ttl", "15m")
	v.SetDefault("ratelimit.margin", 1.0)
	tiers := map[string]any{}
	for _, tp := range core.BuiltInTierPolicies {
		tiers[string(tp.Tier)] = map[string]any{
			"capacity":               tp.Policy.Capacity,
			"refill_rate_per_second": tp.Policy.RefillRatePerSecond,
		}
	}
	v.SetDefault("ratelimit.tiers", tiers)
	v.SetDefault("ratelimit.ip_per_minute", 600)
	v.SetDefault("ratelimit.service_per_minute", 0)
	v.SetDefault("ratelimit.endpoint_per_minute", 0)
	v.SetDefault("ratelimit.endpoints", map[string]int{})

	// Breaker defaults
	v.SetDefault("breaker.enabled", true)
	v.SetDefault("breaker.threshold", 0.5)
	v.SetDefault("breaker.min_requests", 10)
	v.SetDefault("breaker.window", "30s")
	v.SetDefault("breaker.cool_down", "5s")
	v.SetDefault("breaker.half_open_requests", 1)

	// Sweeper defaults
	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.interval", "5s")
	v.SetDefault("sweeper.queue_retention", "24h")

	v.SetDefault("sales", []any{})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	// Health check defaults
	v.SetDefault("health.enabled", true)

	// Debug defaults
	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)
}

// getEnvSpecs lists the short environment variable names. Every other key is
// reachable as FLASHGATE_<SECTION>_<KEY>.
func getEnvSpecs() []EnvVarSpec {
	prefix := EnvPrefix + "_"
	return []EnvVarSpec{
		// Server config
		{Name: prefix + "HOST", Key: "server.host"},
		{Name: prefix + "PORT", Key: "server.port"},
		{Name: prefix + "READ_TIMEOUT", Key: "server.read_timeout"},
		{Name: prefix + "WRITE_TIMEOUT", Key: "server.write_timeout"},
		{Name: prefix + "IDLE_TIMEOUT", Key: "server.idle_timeout"},
		{Name: prefix + "SHUTDOWN_TIMEOUT", Key: "server.shutdown_timeout"},
		{Name: prefix + "ADMIN_TOKEN", Key: "server.admin_token"},
		{Name: prefix + "TRUST_PROXY", Key: "server.trust_proxy"},
		{Name: prefix + "COLLABORATOR_TOKEN", Key: "server.collaborator_token"},

		// Logging config
		{Name: prefix + "LOG_LEVEL", Key: "logging.level"},
		{Name: prefix + "LOG_PROFILE", Key: "logging.profile"},

		// Store config
		{Name: prefix + "DB_DRIVER", Key: "store.driver"},
		{Name: prefix + "DB_PATH", Key: "store.path"},
		{Name: prefix + "DB_URL", Key: "store.url"},
		{Name: prefix + "DB_AUTH_TOKEN", Key: "store.auth_token"},

		{Name: prefix + "REDIS_ADDR", Key: "redis.addr"},
		{Name: prefix + "REDIS_PASSWORD", Key: "redis.password"},
		{Name: prefix + "POSTGRES_DSN", Key: "postgres.dsn"},

		{Name: prefix + "RATE_LIMIT_BACKEND", Key: "ratelimit.backend"},
		{Name: prefix + "RATE_LIMIT_MARGIN", Key: "ratelimit.margin"},

		{Name: prefix + "SWEEP_INTERVAL", Key: "sweeper.interval"},

		// Metrics config
		{Name: prefix + "METRICS_ENABLED", Key: "metrics.enabled"},
		{Name: prefix + "METRICS_PORT", Key: "metrics.port"},

		{Name: prefix + "HEALTH_ENABLED", Key: "health.enabled"},
		{Name: prefix + "DEBUG_ENABLED", Key: "debug.enabled"},
	}
}

// applyOverrides flattens nested maps into dotted viper keys.
func applyOverrides(v *viper.Viper, prefix string, overrides map[string]any) {
	for key, value := range overrides {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok {
			applyOverrides(v, full, nested)
			continue
		}
		v.Set(full, value)
	}
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	configDir := gfconfig.GetAppConfigDir(AppName)
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}

// DefaultDataDir returns the XDG-compliant data directory for the app.
func DefaultDataDir() string {
	return gfconfig.GetAppDataDir(AppName)
}

// DefaultStorePath returns the XDG-compliant path to the database file.
func DefaultStorePath() string {
	dataDir := gfconfig.GetAppDataDir(AppName)
	if strings.TrimSpace(dataDir) == "" {
		return "./" + AppName + ".db"
	}
	return filepath.Join(dataDir, AppName+".db")
}
