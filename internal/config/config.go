// Package config loads storefront settings from an optional .env file, the
// environment, and an optional YAML file of per-route rate limits.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvProduction is the STOREFRONT_ENV value that turns authentication on by
// default and enables response sanitizing.
const EnvProduction = "production"

const defaultEnvFile = ".env"

type Config struct {
	Env          string
	ListenAddr   string
	MaxBodyBytes int64

	Auth      AuthConfig
	RateLimit RateLimitConfig
	Redis     RedisConfig
	Upstream  UpstreamConfig
	Cache     CacheConfig
}

type AuthConfig struct {
	SecretKey      string
	AllowedOrigins []string
	RequireAuth    bool
}

type RateLimitConfig struct {
	Max    int
	Window time.Duration

	// Routes overrides Max and Window per limiter name.
	Routes map[string]RouteLimit
}

// RouteLimit is one entry of the routes file. Zero fields inherit the
// global values.
type RouteLimit struct {
	Limit  int      `yaml:"limit"`
	Window Duration `yaml:"window"`
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

type UpstreamConfig struct {
	BaseURL    string
	APIKey     string
	ResellerID string
	RPS        float64
	Burst      int
	Timeout    time.Duration
}

type CacheConfig struct {
	TTL        time.Duration
	MaxEntries int
}

// Options are command-line overrides applied on top of the environment.
type Options struct {
	// EnvFile is loaded before reading the environment. Variables already set
	// in the environment win. When empty, ./.env is loaded if it exists.
	EnvFile string

	// RoutesFile overrides RATE_LIMIT_ROUTES_FILE.
	RoutesFile string

	// ListenAddr overrides LISTEN_ADDR.
	ListenAddr string
}

// Production reports whether the service runs with production defaults.
func (c Config) Production() bool {
	return c.Env == EnvProduction
}

// For returns the limit and window for the named limiter.
func (r RateLimitConfig) For(name string) (int, time.Duration) {
	limit, window := r.Max, r.Window
	if route, ok := r.Routes[name]; ok {
		if route.Limit > 0 {
			limit = route.Limit
		}
		if route.Window > 0 {
			window = time.Duration(route.Window)
		}
	}
	return limit, window
}

// Load builds the configuration.
func Load(opts Options) (Config, error) {
	if err := loadEnvFile(opts.EnvFile); err != nil {
		return Config{}, err
	}

	var cfg Config
	var errs []error
	env := envReader{errs: &errs}

	cfg.Env = env.str("STOREFRONT_ENV", "development")
	cfg.ListenAddr = env.str("LISTEN_ADDR", ":8080")
	cfg.MaxBodyBytes = int64(env.integer("MAX_BODY_BYTES", 64<<10))

	cfg.Auth = AuthConfig{
		SecretKey:      env.str("API_SECRET_KEY", ""),
		AllowedOrigins: env.list("ALLOWED_ORIGINS"),
		RequireAuth:    env.boolean("REQUIRE_AUTH", cfg.Production()),
	}

	cfg.RateLimit = RateLimitConfig{
		Max:    env.integer("RATE_LIMIT_MAX", 100),
		Window: env.duration("RATE_LIMIT_WINDOW", time.Minute),
	}

	cfg.Redis = RedisConfig{
		URL:      env.str("REDIS_URL", ""),
		Password: env.str("REDIS_PASSWORD", ""),
		DB:       env.integer("REDIS_DB", 0),
	}

	cfg.Upstream = UpstreamConfig{
		BaseURL:    strings.TrimRight(env.str("UPSTREAM_BASE_URL", ""), "/"),
		APIKey:     env.str("UPSTREAM_API_KEY", ""),
		ResellerID: env.str("UPSTREAM_RESELLER_ID", ""),
		RPS:        env.float("UPSTREAM_RPS", 10),
		Burst:      env.integer("UPSTREAM_BURST", 20),
		Timeout:    env.duration("UPSTREAM_TIMEOUT", 10*time.Second),
	}

	cfg.Cache = CacheConfig{
		TTL:        env.duration("CACHE_TTL", 24*time.Hour),
		MaxEntries: env.integer("CACHE_MAX_ENTRIES", 50),
	}

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}

	if opts.ListenAddr != "" {
		cfg.ListenAddr = opts.ListenAddr
	}

	routesFile := opts.RoutesFile
	if routesFile == "" {
		routesFile = env.str("RATE_LIMIT_ROUTES_FILE", "")
	}
	if routesFile != "" {
		routes, err := LoadRoutes(routesFile)
		if err != nil {
			return Config{}, err
		}
		cfg.RateLimit.Routes = routes
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail at request time.
func (c Config) Validate() error {
	if c.Upstream.BaseURL == "" {
		return errors.New("UPSTREAM_BASE_URL is required")
	}
	if c.Auth.RequireAuth && c.Auth.SecretKey == "" {
		return errors.New("API_SECRET_KEY is required when authentication is enabled")
	}
	if c.RateLimit.Max <= 0 {
		return fmt.Errorf("RATE_LIMIT_MAX must be positive, got %d", c.RateLimit.Max)
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive, got %s", c.RateLimit.Window)
	}
	if c.Upstream.RPS <= 0 || c.Upstream.Burst <= 0 {
		return errors.New("UPSTREAM_RPS and UPSTREAM_BURST must be positive")
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("CACHE_MAX_ENTRIES must be positive, got %d", c.Cache.MaxEntries)
	}
	return nil
}

func loadEnvFile(path string) error {
	if path == "" {
		err := godotenv.Load(defaultEnvFile)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", defaultEnvFile, err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

type routesFile struct {
	Routes map[string]RouteLimit `yaml:"routes"`
}

// LoadRoutes reads per-route limits:
//
//	routes:
//	  domains: {limit: 30, window: 1m}
//	  cart:    {limit: 10}
func LoadRoutes(path string) (map[string]RouteLimit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read routes file: %w", err)
	}

	var file routesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse routes file: %w", err)
	}

	for name, route := range file.Routes {
		if route.Limit < 0 || route.Window < 0 {
			return nil, fmt.Errorf("route %q: limit and window must not be negative", name)
		}
	}
	return file.Routes, nil
}

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a string like 30s", value.Line)
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

type envReader struct {
	errs *[]error
}

func (e envReader) str(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func (e envReader) list(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (e envReader) integer(key string, fallback int) int {
	raw := e.str(key, "")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		*e.errs = append(*e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return n
}

func (e envReader) float(key string, fallback float64) float64 {
	raw := e.str(key, "")
	if raw == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*e.errs = append(*e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return f
}

func (e envReader) boolean(key string, fallback bool) bool {
	raw := e.str(key, "")
	if raw == "" {
		return fallback
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		*e.errs = append(*e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return b
}

// duration accepts Go duration strings ("90s") or whole seconds ("90").
func (e envReader) duration(key string, fallback time.Duration) time.Duration {
	raw := e.str(key, "")
	if raw == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		*e.errs = append(*e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return d
}
