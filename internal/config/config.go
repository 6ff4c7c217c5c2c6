package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/krishi-advisor-service/internal/cache"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	ServerPort string

	WeatherAPIKey     string
	WeatherAPIURL     string
	WeatherAPITimeout time.Duration

	RequestTimeout time.Duration
	ChatTimeout    time.Duration

	WeatherCacheTTL      time.Duration
	WeatherSweepInterval time.Duration
	ContextSweepInterval time.Duration
	CacheBackend         string // "in_memory" or "memcached"

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	ConversationMessageLimit int
	ChatHistoryLimit         int

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RateLimitRPS   int
	RateLimitBurst int

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          time.Duration

	LLMBaseURL     string
	LLMAPIKey      string
	LLMModel       string
	LLMTimeout     time.Duration
	LLMMaxTokens   int
	LLMTemperature float32

	JWTSecret string
	TokenTTL  time.Duration

	DBPath string

	ShutdownTimeout time.Duration

	OverloadWindow       time.Duration
	OverloadThresholdPct int
	DegradedWindow       time.Duration
	DegradedErrorPct     int

	TrackedLocations []string
	WarmCache        bool
	WarmInterval     time.Duration
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	WeatherAPI struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"weather_api"`

	Request struct {
		Timeout     string `yaml:"timeout"`
		ChatTimeout string `yaml:"chat_timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend              string `yaml:"backend"`
		TTL                  string `yaml:"ttl"`
		WeatherSweepInterval string `yaml:"weather_sweep_interval"`
		ContextSweepInterval string `yaml:"context_sweep_interval"`
		Memcached            struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
		Warm struct {
			Enabled  bool   `yaml:"enabled"`
			Interval string `yaml:"interval"`
		} `yaml:"warm"`
	} `yaml:"cache"`

	Context struct {
		MessageLimit     int `yaml:"message_limit"`
		ChatHistoryLimit int `yaml:"chat_history_limit"`
	} `yaml:"context"`

	Reliability struct {
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
		RateLimitRPS     int    `yaml:"rate_limit_rps"`
		RateLimitBurst   int    `yaml:"rate_limit_burst"`
		CircuitBreaker   struct {
			Enabled          *bool  `yaml:"enabled"`
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"reliability"`

	LLM struct {
		BaseURL     string   `yaml:"base_url"`
		Model       string   `yaml:"model"`
		Timeout     string   `yaml:"timeout"`
		MaxTokens   int      `yaml:"max_tokens"`
		Temperature *float32 `yaml:"temperature"`
	} `yaml:"llm"`

	Auth struct {
		TokenTTL string `yaml:"token_ttl"`
	} `yaml:"auth"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Lifecycle struct {
		OverloadWindow       string `yaml:"overload_window"`
		OverloadThresholdPct int    `yaml:"overload_threshold_pct"`
		DegradedWindow       string `yaml:"degraded_window"`
		DegradedErrorPct     int    `yaml:"degraded_error_pct"`
	} `yaml:"lifecycle"`

	Metrics struct {
		TrackedLocations []string `yaml:"tracked_locations"`
	} `yaml:"metrics"`
}

type secretsFile struct {
	WeatherAPIKey string `yaml:"weather_api_key"`
	LLMAPIKey     string `yaml:"llm_api_key"`
	JWTSecret     string `yaml:"jwt_secret"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) and config/secrets.yaml.
// Secrets come from WEATHER_API_KEY, LLM_API_KEY and JWT_SECRET, falling back to the
// secrets file. Call from project root.
func Load() (*Config, error) {
	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	sec, err := loadSecrets(filepath.Join(cwd, "config", "secrets.yaml"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}

	cfg.WeatherAPIKey = envOr("WEATHER_API_KEY", sec.WeatherAPIKey)
	if cfg.WeatherAPIKey == "" {
		return nil, fmt.Errorf("WEATHER_API_KEY required (set env or config/secrets.yaml weather_api_key)")
	}
	cfg.LLMAPIKey = envOr("LLM_API_KEY", sec.LLMAPIKey)
	cfg.JWTSecret = envOr("JWT_SECRET", sec.JWTSecret)
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET required (set env or config/secrets.yaml jwt_secret)")
	}

	cfg.WeatherAPIURL = fc.WeatherAPI.URL
	if cfg.WeatherAPIURL == "" {
		cfg.WeatherAPIURL = "https://api.openweathermap.org/data/2.5/weather"
	}
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.WeatherAPI.Timeout, 5*time.Second)

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 10*time.Second)
	cfg.ChatTimeout = parseDuration(fc.Request.ChatTimeout, 60*time.Second)

	cfg.WeatherCacheTTL = parseDuration(fc.Cache.TTL, 60*time.Minute)
	cfg.WeatherSweepInterval = parseDuration(fc.Cache.WeatherSweepInterval, cache.WeatherSweepInterval)
	cfg.ContextSweepInterval = parseDuration(fc.Cache.ContextSweepInterval, cache.ContextSweepInterval)
	cfg.CacheBackend = strings.TrimSpace(strings.ToLower(os.Getenv("CACHE_BACKEND")))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = strings.TrimSpace(strings.ToLower(fc.Cache.Backend))
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "in_memory"
	}
	cfg.MemcachedAddrs = envOr("MEMCACHED_ADDRS", strings.TrimSpace(fc.Cache.Memcached.Addrs))
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = positiveOr(fc.Cache.Memcached.MaxIdleConns, 2)
	cfg.WarmCache = fc.Cache.Warm.Enabled
	cfg.WarmInterval = parseDurationOrZero(fc.Cache.Warm.Interval, 0)

	cfg.ConversationMessageLimit = positiveOr(fc.Context.MessageLimit, 10)
	cfg.ChatHistoryLimit = positiveOr(fc.Context.ChatHistoryLimit, 20)

	cfg.RetryAttempts = positiveOr(fc.Reliability.RetryMaxAttempts, 3)
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.RateLimitRPS = positiveOr(fc.Reliability.RateLimitRPS, 100)
	cfg.RateLimitBurst = positiveOr(fc.Reliability.RateLimitBurst, 250)

	cb := fc.Reliability.CircuitBreaker
	cfg.CircuitBreakerEnabled = cb.Enabled == nil || *cb.Enabled
	cfg.CircuitBreakerFailureThreshold = positiveOr(cb.FailureThreshold, 5)
	cfg.CircuitBreakerSuccessThreshold = positiveOr(cb.SuccessThreshold, 2)
	cfg.CircuitBreakerTimeout = parseDuration(cb.Timeout, 30*time.Second)

	cfg.LLMBaseURL = strings.TrimSpace(fc.LLM.BaseURL)
	if cfg.LLMBaseURL == "" {
		cfg.LLMBaseURL = "https://openrouter.ai/api/v1"
	}
	cfg.LLMModel = fc.LLM.Model
	cfg.LLMTimeout = parseDuration(fc.LLM.Timeout, 30*time.Second)
	cfg.LLMMaxTokens = positiveOr(fc.LLM.MaxTokens, 1000)
	cfg.LLMTemperature = 0.7
	if fc.LLM.Temperature != nil {
		cfg.LLMTemperature = *fc.LLM.Temperature
	}

	cfg.TokenTTL = parseDuration(fc.Auth.TokenTTL, 7*24*time.Hour)

	cfg.DBPath = envOr("DB_PATH", strings.TrimSpace(fc.Database.Path))
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join("data", "krishi.db")
	}

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	cfg.OverloadWindow = parseDuration(fc.Lifecycle.OverloadWindow, 60*time.Second)
	cfg.OverloadThresholdPct = positiveOr(fc.Lifecycle.OverloadThresholdPct, 80)
	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = positiveOr(fc.Lifecycle.DegradedErrorPct, 5)
	cfg.TrackedLocations = fc.Metrics.TrackedLocations

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadSecrets reads the optional secrets file. A missing file yields empty secrets.
func loadSecrets(path string) (secretsFile, error) {
	var sec secretsFile
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return sec, nil
		}
		return sec, fmt.Errorf("read secrets file: %w", err)
	}
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return sec, fmt.Errorf("parse secrets file: %w", err)
	}
	return sec, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func positiveOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Zero or negative durations are returned as-is.
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation. RequestTimeout is raised above
// WeatherAPITimeout and ChatTimeout above LLMTimeout when needed.
func validate(cfg *Config) error {
	if cfg.WeatherAPITimeout <= 0 {
		return fmt.Errorf("WEATHER_API_TIMEOUT must be positive")
	}
	if cfg.RequestTimeout <= cfg.WeatherAPITimeout {
		cfg.RequestTimeout = cfg.WeatherAPITimeout + time.Second
	}
	if cfg.ChatTimeout <= cfg.LLMTimeout {
		cfg.ChatTimeout = cfg.LLMTimeout + cfg.WeatherAPITimeout
	}
	if len(cfg.JWTSecret) < 16 {
		return fmt.Errorf("JWT_SECRET must be at least 16 bytes")
	}
	switch cfg.CacheBackend {
	case "in_memory", "memcached":
	default:
		return fmt.Errorf("cache.backend must be in_memory or memcached, got %q", cfg.CacheBackend)
	}
	if cfg.LLMTemperature < 0 || cfg.LLMTemperature > 2 {
		return fmt.Errorf("llm.temperature must be between 0 and 2, got %v", cfg.LLMTemperature)
	}
	return nil
}
