// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file, and a .env file, when present, is
// loaded into the environment first.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example AWS_REGION becomes aws_region
// in YAML.
//
// AWS credentials are required unless BEDROCK_RUNTIME_URL points at a mock
// or a credential-injecting endpoint. Redis is optional: it is only needed
// for CACHE_MODE=redis or a non-zero RPM_LIMIT.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	Bedrock        BedrockConfig
	Catalog        CatalogConfig
	Resolver       ResolverConfig
	Redis          RedisConfig
	Cache          CacheConfig
	CircuitBreaker CircuitBreakerConfig
	RateLimit      RateLimitConfig
	Retry          RetryConfig
	Sidecar        SidecarConfig

	// Tokenizer selects token counting for logs and metrics: "tiktoken" or
	// "heuristic". Default: tiktoken.
	Tokenizer string

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// BedrockConfig holds AWS Bedrock configuration. One region serves both
// model invocation and the foundation model listing.
type BedrockConfig struct {
	AccessKey    string
	SecretKey    string
	SessionToken string

	// Region is the AWS region. Default: us-east-1.
	Region string

	// RuntimeURL overrides the bedrock-runtime endpoint (mocks, VPC endpoints).
	RuntimeURL string

	// ControlURL overrides the bedrock control-plane endpoint.
	ControlURL string

	// InvokeTimeout bounds one InvokeModel attempt. Default: 60s.
	InvokeTimeout time.Duration
}

// CatalogConfig controls the cached list of invokable models.
type CatalogConfig struct {
	// TTL is how long a fetched list stays fresh. Default: 1h.
	TTL time.Duration

	// RefreshTimeout bounds one listing call. Default: 10s.
	RefreshTimeout time.Duration

	// Warmup fetches the catalog once at startup. Default: false.
	Warmup bool
}

// ResolverConfig controls model identifier resolution.
type ResolverConfig struct {
	// AliasesFile is an optional YAML file of extra aliases, hot reloaded.
	AliasesFile string

	// MatchThreshold is the minimum fuzzy score accepted. Default: 0.6.
	MatchThreshold float64

	// DefaultChatModel is used when a chat request names no model.
	DefaultChatModel string

	// DefaultEmbedModel is used when an embedding request names no model.
	DefaultEmbedModel string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL).
	//   "memory" — In-process TTL cache, not shared across replicas.
	//   "none"   — Cache disabled entirely.
	// Default: "memory".
	Mode string

	// TTL is the lifetime of cached responses. Default: 10m.
	TTL time.Duration

	// MaxEntries caps the in-process cache. 0 is unbounded. Default: 10000.
	MaxEntries int

	// ExcludeModels lists backend model ids, or family:<name> rules, whose
	// responses are never cached.
	// Example: ["meta.llama3-70b-instruct-v1:0", "family:claude"]
	ExcludeModels []string

	// ExcludePatterns is a list of Go regular expressions matched against
	// backend model ids.
	// Example: ["^amazon\\.titan-embed"]
	ExcludePatterns []string
}

// CircuitBreakerConfig controls per-backend-model circuit breaker settings.
type CircuitBreakerConfig struct {
	// ErrorThreshold is the number of errors within TimeWindow that trips
	// the breaker. Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window over which errors are counted.
	// Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 30s.
	HalfOpenTimeout time.Duration
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute per client.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int
}

// RetryConfig controls repeated invocation of the same backend model.
type RetryConfig struct {
	// MaxRetries is the maximum number of attempts per invocation, including
	// the first. Only retryable failures (throttling, 5xx, timeouts) are
	// retried. Default: 2.
	MaxRetries int
}

// SidecarConfig controls the binding passthrough.
type SidecarConfig struct {
	// Host is the sidecar base URL. Default: http://localhost:3500.
	Host string

	// Timeout bounds one passthrough call. Default: 30s.
	Timeout time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("TOKENIZER", "tiktoken")

	// Bedrock.
	v.SetDefault("AWS_REGION", "us-east-1")
	v.SetDefault("BEDROCK_INVOKE_TIMEOUT", "60s")

	// Catalog and resolution.
	v.SetDefault("CATALOG_TTL", "1h")
	v.SetDefault("CATALOG_REFRESH_TIMEOUT", "10s")
	v.SetDefault("CATALOG_WARMUP", false)
	v.SetDefault("MATCH_THRESHOLD", 0.6)
	v.SetDefault("DEFAULT_CHAT_MODEL", "meta.llama3-8b-instruct-v1:0")
	v.SetDefault("DEFAULT_EMBED_MODEL", "amazon.titan-embed-text-v1")

	// Cache.
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "10m")
	v.SetDefault("CACHE_MAX_ENTRIES", 10_000)

	// Circuit breaker defaults.
	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")

	v.SetDefault("MAX_RETRIES", 2)

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	// Sidecar passthrough.
	v.SetDefault("DAPR_HOST", "http://localhost:3500")
	v.SetDefault("SIDECAR_TIMEOUT", "30s")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:      v.GetInt("PORT"),
		LogLevel:  strings.ToLower(v.GetString("LOG_LEVEL")),
		Tokenizer: strings.ToLower(v.GetString("TOKENIZER")),

		Bedrock: BedrockConfig{
			AccessKey:     v.GetString("AWS_ACCESS_KEY_ID"),
			SecretKey:     v.GetString("AWS_SECRET_ACCESS_KEY"),
			SessionToken:  v.GetString("AWS_SESSION_TOKEN"),
			Region:        v.GetString("AWS_REGION"),
			RuntimeURL:    v.GetString("BEDROCK_RUNTIME_URL"),
			ControlURL:    v.GetString("BEDROCK_CONTROL_URL"),
			InvokeTimeout: v.GetDuration("BEDROCK_INVOKE_TIMEOUT"),
		},

		Catalog: CatalogConfig{
			TTL:            v.GetDuration("CATALOG_TTL"),
			RefreshTimeout: v.GetDuration("CATALOG_REFRESH_TIMEOUT"),
			Warmup:         v.GetBool("CATALOG_WARMUP"),
		},

		Resolver: ResolverConfig{
			AliasesFile:       v.GetString("MODEL_ALIASES_FILE"),
			MatchThreshold:    v.GetFloat64("MATCH_THRESHOLD"),
			DefaultChatModel:  v.GetString("DEFAULT_CHAT_MODEL"),
			DefaultEmbedModel: v.GetString("DEFAULT_EMBED_MODEL"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:             v.GetDuration("CACHE_TTL"),
			MaxEntries:      v.GetInt("CACHE_MAX_ENTRIES"),
			ExcludeModels:   splitList(v.GetString("CACHE_EXCLUDE_MODELS")),
			ExcludePatterns: splitList(v.GetString("CACHE_EXCLUDE_PATTERNS")),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		Retry: RetryConfig{
			MaxRetries: v.GetInt("MAX_RETRIES"),
		},

		Sidecar: SidecarConfig{
			Host:    strings.TrimRight(v.GetString("DAPR_HOST"), "/"),
			Timeout: v.GetDuration("SIDECAR_TIMEOUT"),
		},

		CORSOrigins: splitList(v.GetString("CORS_ORIGINS")),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: invalid PORT %d", c.Port)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if !c.HasCredentials() && c.Bedrock.RuntimeURL == "" {
		return fmt.Errorf(
			"config: AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY are required; " +
				"set BEDROCK_RUNTIME_URL to run against a mock endpoint without credentials",
		)
	}
	if c.Bedrock.Region == "" {
		return fmt.Errorf("config: AWS_REGION must not be empty")
	}
	if c.Bedrock.InvokeTimeout <= 0 {
		return fmt.Errorf("config: BEDROCK_INVOKE_TIMEOUT must be a positive duration")
	}

	if c.Catalog.TTL <= 0 {
		return fmt.Errorf("config: CATALOG_TTL must be a positive duration")
	}
	if c.Catalog.RefreshTimeout <= 0 {
		return fmt.Errorf("config: CATALOG_REFRESH_TIMEOUT must be a positive duration")
	}

	if c.Resolver.MatchThreshold <= 0 || c.Resolver.MatchThreshold > 1 {
		return fmt.Errorf("config: MATCH_THRESHOLD must be in (0, 1], got %v", c.Resolver.MatchThreshold)
	}
	if c.Resolver.DefaultChatModel == "" || c.Resolver.DefaultEmbedModel == "" {
		return fmt.Errorf("config: DEFAULT_CHAT_MODEL and DEFAULT_EMBED_MODEL must not be empty")
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}
	if c.Cache.Mode != "none" && c.Cache.TTL <= 0 {
		return fmt.Errorf("config: CACHE_TTL must be a positive duration")
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("config: CACHE_MAX_ENTRIES must be ≥ 0, got %d", c.Cache.MaxEntries)
	}

	// Redis URL is required when cache mode is "redis" or rate limiting is on.
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}
	if c.RateLimit.RPMLimit < 0 {
		return fmt.Errorf("config: RPM_LIMIT must be ≥ 0, got %d", c.RateLimit.RPMLimit)
	}
	if c.RateLimit.RPMLimit > 0 && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when RPM_LIMIT > 0")
	}

	// Circuit breaker sanity checks.
	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}
	if c.Retry.MaxRetries < 1 {
		return fmt.Errorf("config: MAX_RETRIES must be ≥ 1, got %d", c.Retry.MaxRetries)
	}

	if c.Sidecar.Host == "" {
		return fmt.Errorf("config: DAPR_HOST must not be empty")
	}
	if c.Sidecar.Timeout <= 0 {
		return fmt.Errorf("config: SIDECAR_TIMEOUT must be a positive duration")
	}

	switch c.Tokenizer {
	case "tiktoken", "heuristic":
	default:
		return fmt.Errorf("config: invalid TOKENIZER %q; must be one of: tiktoken, heuristic", c.Tokenizer)
	}

	return nil
}

// HasCredentials reports whether a static AWS key pair is configured.
func (c *Config) HasCredentials() bool {
	return c.Bedrock.AccessKey != "" && c.Bedrock.SecretKey != ""
}

// splitList splits a comma separated value, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
