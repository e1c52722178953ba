// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file, and a .env file is loaded into the
// process environment first when present.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example MODELSCOPE_API_KEYS becomes
// modelscope_api_keys in YAML.
//
// No provider key is required at startup: keys can be added later through
// the admin API, and the Hugging Face adapter runs anonymously.
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
	LogLevel string

	OpenAI      OpenAIConfig
	Gemini      ProviderConfig
	ModelScope  ModelScopeConfig
	HuggingFace ProviderConfig

	Store          StoreConfig
	Keys           KeysConfig
	Generation     GenerationConfig
	CircuitBreaker CircuitBreakerConfig
	RateLimit      RateLimitConfig
	Failover       FailoverConfig
	GenerationLog  GenerationLogConfig
	Prompt         PromptConfig
	Output         OutputConfig

	// CORSOrigins is the list of allowed CORS origins. ["*"] allows any.
	CORSOrigins []string

	// AdminToken enables the /admin API when non-empty.
	AdminToken string
}

// ProviderConfig holds the settings every adapter shares.
type ProviderConfig struct {
	Enabled bool
	// APIKeys are seeded into the provider's key pool at startup.
	APIKeys []string
	// BaseURL overrides the provider's default API endpoint (mocks, proxies).
	BaseURL string
}

// OpenAIConfig adds the native batch limit of the deployment.
type OpenAIConfig struct {
	ProviderConfig
	MaxNativeImages int
}

// ModelScopeConfig adds the async poll budget.
type ModelScopeConfig struct {
	ProviderConfig
	PollInterval time.Duration
	PollAttempts int
}

// StoreConfig selects the configuration store backend.
type StoreConfig struct {
	// Mode is "memory" or "redis".
	Mode     string
	RedisURL string
	// Key is the Redis key holding the snapshot.
	Key string
}

type KeysConfig struct {
	// ResetInterval is how often the daily-reset check runs.
	ResetInterval time.Duration
	// HealthInterval is how often key pools are probed for /health.
	HealthInterval time.Duration
}

type GenerationConfig struct {
	// FanOutStagger delays fan-out batch i by i*FanOutStagger.
	FanOutStagger time.Duration
	// TokenRetryAttempts is the credential rotation budget per call.
	TokenRetryAttempts int
	// InlineRemoteImages converts URL outputs to base64 when b64_json is requested.
	InlineRemoteImages bool
}

// CircuitBreakerConfig controls per-provider circuit breaker settings.
type CircuitBreakerConfig struct {
	// ErrorThreshold is the number of errors within TimeWindow that trips
	// the breaker.
	ErrorThreshold  int
	TimeWindow      time.Duration
	HalfOpenTimeout time.Duration
}

// RateLimitConfig controls inbound request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed globally.
	// 0 disables rate limiting. Requires the redis store.
	RPMLimit int
}

type FailoverConfig struct {
	// MaxRetries is the maximum number of plan steps attempted per request
	// (including the first).
	MaxRetries int

	// ProviderTimeout bounds one outbound HTTP call.
	ProviderTimeout time.Duration
}

// GenerationLogConfig selects where per-request records go.
type GenerationLogConfig struct {
	// Sink is "stdout" (slog) or "clickhouse".
	Sink            string
	ClickHouseDSN   string
	ClickHouseTable string
}

// PromptConfig configures the optional per-batch prompt enhancer.
type PromptConfig struct {
	// Enhancer is "none" or "anthropic".
	Enhancer        string
	AnthropicAPIKey string
	AnthropicModel  string
	AnthropicURL    string
}

// OutputConfig configures publishing of inline outputs to object storage.
type OutputConfig struct {
	// Store is "none" or "s3".
	Store        string
	S3Bucket     string
	S3Region     string
	S3Endpoint   string
	S3AccessKey  string
	S3SecretKey  string
	S3PathPrefix string
	S3PublicURL  string
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

	setDefaults(v)

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		OpenAI: OpenAIConfig{
			ProviderConfig:  providerConfig(v, "OPENAI"),
			MaxNativeImages: v.GetInt("OPENAI_MAX_NATIVE_IMAGES"),
		},
		Gemini: providerConfig(v, "GEMINI"),
		ModelScope: ModelScopeConfig{
			ProviderConfig: providerConfig(v, "MODELSCOPE"),
			PollInterval:   v.GetDuration("MODELSCOPE_POLL_INTERVAL"),
			PollAttempts:   v.GetInt("MODELSCOPE_POLL_ATTEMPTS"),
		},
		HuggingFace: providerConfig(v, "HUGGINGFACE"),

		Store: StoreConfig{
			Mode:     strings.ToLower(v.GetString("STORE_MODE")),
			RedisURL: v.GetString("REDIS_URL"),
			Key:      v.GetString("STORE_KEY"),
		},

		Keys: KeysConfig{
			ResetInterval:  v.GetDuration("KEY_RESET_INTERVAL"),
			HealthInterval: v.GetDuration("HEALTH_CHECK_INTERVAL"),
		},

		Generation: GenerationConfig{
			FanOutStagger:      v.GetDuration("FANOUT_STAGGER"),
			TokenRetryAttempts: v.GetInt("TOKEN_RETRY_ATTEMPTS"),
			InlineRemoteImages: v.GetBool("INLINE_REMOTE_IMAGES"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		RateLimit: RateLimitConfig{RPMLimit: v.GetInt("RPM_LIMIT")},

		Failover: FailoverConfig{
			MaxRetries:      v.GetInt("MAX_RETRIES"),
			ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),
		},

		GenerationLog: GenerationLogConfig{
			Sink:            strings.ToLower(v.GetString("LOG_SINK")),
			ClickHouseDSN:   v.GetString("CLICKHOUSE_DSN"),
			ClickHouseTable: v.GetString("CLICKHOUSE_TABLE"),
		},

		Prompt: PromptConfig{
			Enhancer:        strings.ToLower(v.GetString("PROMPT_ENHANCER")),
			AnthropicAPIKey: v.GetString("ANTHROPIC_API_KEY"),
			AnthropicModel:  v.GetString("ANTHROPIC_MODEL"),
			AnthropicURL:    v.GetString("ANTHROPIC_BASE_URL"),
		},

		Output: OutputConfig{
			Store:        strings.ToLower(v.GetString("OUTPUT_STORE")),
			S3Bucket:     v.GetString("S3_BUCKET"),
			S3Region:     v.GetString("S3_REGION"),
			S3Endpoint:   v.GetString("S3_ENDPOINT"),
			S3AccessKey:  v.GetString("S3_ACCESS_KEY_ID"),
			S3SecretKey:  v.GetString("S3_SECRET_ACCESS_KEY"),
			S3PathPrefix: v.GetString("S3_PATH_PREFIX"),
			S3PublicURL:  v.GetString("S3_PUBLIC_URL"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
		AdminToken:  v.GetString("ADMIN_TOKEN"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("STORE_MODE", "memory")
	v.SetDefault("STORE_KEY", "imagegw:config")
	v.SetDefault("KEY_RESET_INTERVAL", "1m")
	v.SetDefault("HEALTH_CHECK_INTERVAL", "30s")

	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("PROVIDER_TIMEOUT", "60s")
	v.SetDefault("FANOUT_STAGGER", "500ms")
	v.SetDefault("TOKEN_RETRY_ATTEMPTS", 3)
	v.SetDefault("INLINE_REMOTE_IMAGES", true)

	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")

	// 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	v.SetDefault("LOG_SINK", "stdout")
	v.SetDefault("CLICKHOUSE_TABLE", "generation_logs")

	v.SetDefault("PROMPT_ENHANCER", "none")
	v.SetDefault("ANTHROPIC_MODEL", "claude-3-5-haiku-latest")

	v.SetDefault("OUTPUT_STORE", "none")

	for _, p := range []string{"OPENAI", "GEMINI", "MODELSCOPE", "HUGGINGFACE"} {
		v.SetDefault(p+"_ENABLED", true)
	}
	v.SetDefault("OPENAI_MAX_NATIVE_IMAGES", 4)
	v.SetDefault("MODELSCOPE_POLL_INTERVAL", "5s")
	v.SetDefault("MODELSCOPE_POLL_ATTEMPTS", 60)
}

func providerConfig(v *viper.Viper, prefix string) ProviderConfig {
	return ProviderConfig{
		Enabled: v.GetBool(prefix + "_ENABLED"),
		APIKeys: splitKeys(v.GetString(prefix + "_API_KEYS")),
		BaseURL: v.GetString(prefix + "_BASE_URL"),
	}
}

// splitKeys parses a comma-separated key list, dropping blanks.
func splitKeys(raw string) []string {
	var out []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.Store.Mode {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: invalid STORE_MODE %q; must be one of: memory, redis", c.Store.Mode)
	}
	if c.Store.Mode == "redis" && c.Store.RedisURL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when STORE_MODE=redis; " +
				"set STORE_MODE=memory to keep configuration in process",
		)
	}
	if c.RateLimit.RPMLimit > 0 && c.Store.Mode != "redis" {
		return fmt.Errorf("config: RPM_LIMIT requires STORE_MODE=redis")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	switch c.GenerationLog.Sink {
	case "stdout":
	case "clickhouse":
		if c.GenerationLog.ClickHouseDSN == "" {
			return fmt.Errorf("config: CLICKHOUSE_DSN is required when LOG_SINK=clickhouse")
		}
	default:
		return fmt.Errorf("config: invalid LOG_SINK %q; must be one of: stdout, clickhouse", c.GenerationLog.Sink)
	}

	switch c.Prompt.Enhancer {
	case "none":
	case "anthropic":
		if c.Prompt.AnthropicAPIKey == "" {
			return fmt.Errorf("config: ANTHROPIC_API_KEY is required when PROMPT_ENHANCER=anthropic")
		}
	default:
		return fmt.Errorf("config: invalid PROMPT_ENHANCER %q; must be one of: none, anthropic", c.Prompt.Enhancer)
	}

	switch c.Output.Store {
	case "none":
	case "s3":
		if c.Output.S3Bucket == "" {
			return fmt.Errorf("config: S3_BUCKET is required when OUTPUT_STORE=s3")
		}
	default:
		return fmt.Errorf("config: invalid OUTPUT_STORE %q; must be one of: none, s3", c.Output.Store)
	}

	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 || c.CircuitBreaker.HalfOpenTimeout <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW and CB_HALF_OPEN_TIMEOUT must be positive durations")
	}
	if c.Failover.MaxRetries < 1 {
		return fmt.Errorf("config: MAX_RETRIES must be ≥ 1, got %d", c.Failover.MaxRetries)
	}
	if c.Failover.ProviderTimeout <= 0 {
		return fmt.Errorf("config: PROVIDER_TIMEOUT must be a positive duration")
	}
	if c.Keys.ResetInterval <= 0 || c.Keys.HealthInterval <= 0 {
		return fmt.Errorf("config: KEY_RESET_INTERVAL and HEALTH_CHECK_INTERVAL must be positive durations")
	}
	if c.Generation.TokenRetryAttempts < 1 {
		return fmt.Errorf("config: TOKEN_RETRY_ATTEMPTS must be ≥ 1, got %d", c.Generation.TokenRetryAttempts)
	}
	if c.Generation.FanOutStagger < 0 {
		return fmt.Errorf("config: FANOUT_STAGGER must not be negative")
	}
	if c.OpenAI.MaxNativeImages < 1 {
		return fmt.Errorf("config: OPENAI_MAX_NATIVE_IMAGES must be ≥ 1, got %d", c.OpenAI.MaxNativeImages)
	}
	if c.ModelScope.PollInterval <= 0 || c.ModelScope.PollAttempts < 1 {
		return fmt.Errorf("config: MODELSCOPE_POLL_INTERVAL and MODELSCOPE_POLL_ATTEMPTS must be positive")
	}

	return nil
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
