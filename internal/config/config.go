// Package config provides configuration loading and validation for the feedrank server.
// It uses koanf to merge environment variables with optional file overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration values for the feedrank server.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Data store. An empty DatabaseURL selects the in-memory store,
	// optionally seeded from SeedPath.
	DatabaseURL string `koanf:"database_url"`
	SeedPath    string `koanf:"seed_path"`

	// Redis carries cross-process invalidation and rate limit state. Optional.
	RedisURL            string `koanf:"redis_url"`
	InvalidationChannel string `koanf:"invalidation_channel"`

	// Ranking
	RankingCalibrationPath string `koanf:"ranking_calibration_path"`

	// Caches
	CacheMaxSize    int           `koanf:"cache_max_size"`
	TagCacheMaxSize int           `koanf:"tag_cache_max_size"`
	ShortTTL        time.Duration `koanf:"short_ttl"`
	ExtendedTTL     time.Duration `koanf:"extended_ttl"`
	TagTTL          time.Duration `koanf:"tag_ttl"`
	SweepInterval   time.Duration `koanf:"sweep_interval"`

	// Popularity
	PopularityThreshold    int           `koanf:"popularity_threshold"`
	PopularityRecentWindow time.Duration `koanf:"popularity_recent_window"`
	PopularityIdleExpiry   time.Duration `koanf:"popularity_idle_expiry"`

	// Fetching
	FetchTimeout    time.Duration `koanf:"fetch_timeout"` // 0 disables the extra deadline
	CoalesceFetches bool          `koanf:"coalesce_fetches"`

	// Rate limiting for GET /feed, per client IP
	FeedRateLimit int `koanf:"feed_rate_limit"` // requests per minute

	// Tracing
	TracingEnabled      bool    `koanf:"tracing_enabled"`
	TracingExporter     string  `koanf:"tracing_exporter"`
	OTLPEndpoint        string  `koanf:"otlp_endpoint"`
	TracingSamplingRate float64 `koanf:"tracing_sampling_rate"`
}

// Configuration validation errors.
var (
	ErrInvalidPort         = errors.New("PORT must be a valid integer")
	ErrInvalidInteger      = errors.New("value must be a valid integer")
	ErrInvalidDuration     = errors.New("value must be a valid duration")
	ErrInvalidFloat        = errors.New("value must be a valid float")
	ErrNonPositive         = errors.New("value must be greater than zero")
	ErrNegative            = errors.New("value must not be negative")
	ErrTTLOrder            = errors.New("EXTENDED_TTL must not be shorter than SHORT_TTL")
	ErrSeedWithDatabase    = errors.New("SEED_PATH applies only to the in-memory store")
	ErrInvalidSamplingRate = errors.New("TRACING_SAMPLING_RATE must be between 0 and 1")
	ErrInvalidExporter     = errors.New("TRACING_EXPORTER must be otlp-grpc or otlp-http")
)

// Default values for non-secret configuration.
const (
	DefaultPort                   = 8080
	DefaultEnv                    = "development"
	DefaultInvalidationChannel    = "feedrank:invalidation"
	DefaultCacheMaxSize           = 500
	DefaultTagCacheMaxSize        = 50
	DefaultShortTTL               = 5 * time.Minute
	DefaultExtendedTTL            = 15 * time.Minute
	DefaultTagTTL                 = 10 * time.Minute
	DefaultSweepInterval          = 2 * time.Minute
	DefaultPopularityThreshold    = 3
	DefaultPopularityRecentWindow = time.Hour
	DefaultPopularityIdleExpiry   = 24 * time.Hour
	DefaultCoalesceFetches        = true
	DefaultFeedRateLimit          = 120
	DefaultTracingExporter        = "otlp-http"
	DefaultTracingSamplingRate    = 0.1
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error
	collect := func(err error) {
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
	}

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	// Try FEEDRANK_PORT first, then PORT
	port, err := getEnvIntOrDefaultMulti([]string{"FEEDRANK_PORT", "PORT"}, k.Int("port"), DefaultPort)
	if err != nil {
		collect(fmt.Errorf("%w: %v", ErrInvalidPort, err))
	}

	cacheMaxSize, err := getEnvIntOrDefault("CACHE_MAX_SIZE", k.Int("cache_max_size"), DefaultCacheMaxSize)
	collect(err)
	tagCacheMaxSize, err := getEnvIntOrDefault("TAG_CACHE_MAX_SIZE", k.Int("tag_cache_max_size"), DefaultTagCacheMaxSize)
	collect(err)
	threshold, err := getEnvIntOrDefault("POPULARITY_THRESHOLD", k.Int("popularity_threshold"), DefaultPopularityThreshold)
	collect(err)
	feedRateLimit, err := getEnvIntOrDefault("FEED_RATE_LIMIT", k.Int("feed_rate_limit"), DefaultFeedRateLimit)
	collect(err)

	shortTTL, err := getEnvDurationOrDefault("SHORT_TTL", k.Duration("short_ttl"), DefaultShortTTL)
	collect(err)
	extendedTTL, err := getEnvDurationOrDefault("EXTENDED_TTL", k.Duration("extended_ttl"), DefaultExtendedTTL)
	collect(err)
	tagTTL, err := getEnvDurationOrDefault("TAG_TTL", k.Duration("tag_ttl"), DefaultTagTTL)
	collect(err)
	sweepInterval, err := getEnvDurationOrDefault("SWEEP_INTERVAL", k.Duration("sweep_interval"), DefaultSweepInterval)
	collect(err)
	recentWindow, err := getEnvDurationOrDefault("POPULARITY_RECENT_WINDOW", k.Duration("popularity_recent_window"), DefaultPopularityRecentWindow)
	collect(err)
	idleExpiry, err := getEnvDurationOrDefault("POPULARITY_IDLE_EXPIRY", k.Duration("popularity_idle_expiry"), DefaultPopularityIdleExpiry)
	collect(err)
	fetchTimeout, err := getEnvDurationOrDefault("FETCH_TIMEOUT", k.Duration("fetch_timeout"), 0)
	collect(err)

	samplingRate, err := getEnvFloatOrDefault("TRACING_SAMPLING_RATE", k.Float64("tracing_sampling_rate"), DefaultTracingSamplingRate)
	collect(err)

	// Build config struct, with env vars taking precedence over file values
	cfg := &Config{
		Port:                   port,
		Env:                    getEnvOrDefaultMulti([]string{"FEEDRANK_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		DatabaseURL:            getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		SeedPath:               getEnvOrKoanf("SEED_PATH", k, "seed_path"),
		RedisURL:               getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		InvalidationChannel:    getEnvOrDefault("INVALIDATION_CHANNEL", k.String("invalidation_channel"), DefaultInvalidationChannel),
		RankingCalibrationPath: getEnvOrKoanf("RANKING_CALIBRATION_PATH", k, "ranking_calibration_path"),
		CacheMaxSize:           cacheMaxSize,
		TagCacheMaxSize:        tagCacheMaxSize,
		ShortTTL:               shortTTL,
		ExtendedTTL:            extendedTTL,
		TagTTL:                 tagTTL,
		SweepInterval:          sweepInterval,
		PopularityThreshold:    threshold,
		PopularityRecentWindow: recentWindow,
		PopularityIdleExpiry:   idleExpiry,
		FetchTimeout:           fetchTimeout,
		CoalesceFetches:        getEnvBoolOrDefault("COALESCE_FETCHES", k, "coalesce_fetches", DefaultCoalesceFetches),
		FeedRateLimit:          feedRateLimit,
		TracingEnabled:         getEnvBoolOrDefault("TRACING_ENABLED", k, "tracing_enabled", false),
		TracingExporter:        getEnvOrDefault("TRACING_EXPORTER", k.String("tracing_exporter"), DefaultTracingExporter),
		OTLPEndpoint:           getEnvOrKoanf("OTLP_ENDPOINT", k, "otlp_endpoint"),
		TracingSamplingRate:    samplingRate,
	}

	// Validate and collect errors
	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvIntOrDefault returns the environment variable as int if set, otherwise the koanf value, or default.
// Note: a zero value from a YAML file falls back to the default.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	return getEnvIntOrDefaultMulti([]string{envKey}, koanfVal, defaultVal)
}

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
// Returns an error if any environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				return defaultVal, fmt.Errorf("%s: %w", key, ErrInvalidInteger)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvDurationOrDefault returns the environment variable as a duration (e.g. "90s", "5m")
// if set, otherwise the koanf value, or default.
func getEnvDurationOrDefault(envKey string, koanfVal time.Duration, defaultVal time.Duration) (time.Duration, error) {
	if val := os.Getenv(envKey); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return defaultVal, fmt.Errorf("%s: %w", envKey, ErrInvalidDuration)
		}
		return d, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvFloatOrDefault returns the environment variable as float64 if set, otherwise the koanf value, or default.
func getEnvFloatOrDefault(envKey string, koanfVal float64, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return defaultVal, fmt.Errorf("%s: %w", envKey, ErrInvalidFloat)
		}
		return f, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvBoolOrDefault resolves a flag from env, then file, then default.
// Unrecognized env values are ignored.
func getEnvBoolOrDefault(envKey string, k *koanf.Koanf, koanfKey string, defaultVal bool) bool {
	result := defaultVal
	if k.Exists(koanfKey) {
		result = k.Bool(koanfKey)
	}
	if val := os.Getenv(envKey); val != "" {
		switch strings.ToLower(val) {
		case "true", "1", "yes", "on":
			result = true
		case "false", "0", "no", "off":
			result = false
		}
	}
	return result
}

// Validate checks value ranges and cross-field constraints.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	positive := []struct {
		name  string
		value int64
	}{
		{"CACHE_MAX_SIZE", int64(c.CacheMaxSize)},
		{"TAG_CACHE_MAX_SIZE", int64(c.TagCacheMaxSize)},
		{"POPULARITY_THRESHOLD", int64(c.PopularityThreshold)},
		{"FEED_RATE_LIMIT", int64(c.FeedRateLimit)},
		{"SHORT_TTL", int64(c.ShortTTL)},
		{"EXTENDED_TTL", int64(c.ExtendedTTL)},
		{"TAG_TTL", int64(c.TagTTL)},
		{"SWEEP_INTERVAL", int64(c.SweepInterval)},
		{"POPULARITY_RECENT_WINDOW", int64(c.PopularityRecentWindow)},
		{"POPULARITY_IDLE_EXPIRY", int64(c.PopularityIdleExpiry)},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, fmt.Errorf("%s: %w", p.name, ErrNonPositive))
		}
	}

	if c.FetchTimeout < 0 {
		errs = append(errs, fmt.Errorf("FETCH_TIMEOUT: %w", ErrNegative))
	}
	if c.ShortTTL > 0 && c.ExtendedTTL > 0 && c.ExtendedTTL < c.ShortTTL {
		errs = append(errs, ErrTTLOrder)
	}
	if c.DatabaseURL != "" && c.SeedPath != "" {
		errs = append(errs, ErrSeedWithDatabase)
	}

	if c.TracingEnabled {
		if c.TracingSamplingRate < 0 || c.TracingSamplingRate > 1 {
			errs = append(errs, ErrInvalidSamplingRate)
		}
		if c.TracingExporter != "otlp-grpc" && c.TracingExporter != "otlp-http" {
			errs = append(errs, ErrInvalidExporter)
		}
	}

	return errs
}

// UsesMemoryStore reports whether the server runs on the in-memory data store.
func (c *Config) UsesMemoryStore() bool {
	return c.DatabaseURL == ""
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                     strconv.Itoa(c.Port),
		"env":                      c.Env,
		"database_url":             maskURL(c.DatabaseURL),
		"seed_path":                c.SeedPath,
		"redis_url":                maskURL(c.RedisURL),
		"invalidation_channel":     c.InvalidationChannel,
		"ranking_calibration_path": c.RankingCalibrationPath,
		"cache_max_size":           strconv.Itoa(c.CacheMaxSize),
		"tag_cache_max_size":       strconv.Itoa(c.TagCacheMaxSize),
		"short_ttl":                c.ShortTTL.String(),
		"extended_ttl":             c.ExtendedTTL.String(),
		"tag_ttl":                  c.TagTTL.String(),
		"sweep_interval":           c.SweepInterval.String(),
		"popularity_threshold":     strconv.Itoa(c.PopularityThreshold),
		"popularity_recent_window": c.PopularityRecentWindow.String(),
		"popularity_idle_expiry":   c.PopularityIdleExpiry.String(),
		"fetch_timeout":            c.FetchTimeout.String(),
		"coalesce_fetches":         strconv.FormatBool(c.CoalesceFetches),
		"feed_rate_limit":          strconv.Itoa(c.FeedRateLimit),
		"tracing_enabled":          strconv.FormatBool(c.TracingEnabled),
		"tracing_exporter":         c.TracingExporter,
		"otlp_endpoint":            c.OTLPEndpoint,
		"tracing_sampling_rate":    strconv.FormatFloat(c.TracingSamplingRate, 'f', -1, 64),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskURL masks the password in a connection URL.
// Works for postgres://, postgresql://, redis:// and rediss:// schemes.
func maskURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	// Look for password pattern: user:password@host
	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.LastIndex(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	// Reconstruct URL with masked password
	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
