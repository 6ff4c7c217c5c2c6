package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalEnvYAML = `
server:
  port: "8080"
weather_api:
  url: "https://api.example.com"
  timeout: "2s"
request:
  timeout: "5s"
cache:
  ttl: "30m"
reliability:
  retry_max_attempts: 3
  retry_base_delay: "100ms"
  retry_max_delay: "2s"
  rate_limit_rps: 5
  rate_limit_burst: 10
shutdown:
  timeout: "10s"
`

const testSecret = "0123456789abcdef-test"

// clearSecrets unsets every env override so the secrets file is the only source.
func clearSecrets(t *testing.T) {
	t.Helper()
	for _, k := range []string{"WEATHER_API_KEY", "LLM_API_KEY", "JWT_SECRET", "CACHE_BACKEND", "MEMCACHED_ADDRS", "DB_PATH", "ENV_NAME"} {
		t.Setenv(k, "")
	}
}

// inConfigDir writes config/dev.yaml (and secrets.yaml when non-empty) to a temp dir and chdirs there.
func inConfigDir(t *testing.T, envYAML, secretsYAML string) {
	t.Helper()
	dir := t.TempDir()
	configDir := filepath.Join(dir, "config")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("mkdir config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "dev.yaml"), []byte(envYAML), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	if secretsYAML != "" {
		if err := os.WriteFile(filepath.Join(configDir, "secrets.yaml"), []byte(secretsYAML), 0644); err != nil {
			t.Fatalf("write secrets file: %v", err)
		}
	}
	origWd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(origWd) })
}

func TestLoad_FailsWithoutRequiredSecrets(t *testing.T) {
	tests := []struct {
		name    string
		secrets string
		wantMsg string
	}{
		{"no weather key", "jwt_secret: " + testSecret + "\n", "WEATHER_API_KEY"},
		{"no jwt secret", "weather_api_key: key\n", "JWT_SECRET"},
		{"short jwt secret", "weather_api_key: key\njwt_secret: short\n", "JWT_SECRET"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearSecrets(t)
			inConfigDir(t, minimalEnvYAML, tt.secrets)

			cfg, err := Load()
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if cfg != nil {
				t.Fatalf("Load() expected nil config on error, got %+v", cfg)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Load() error = %v, want message containing %s", err, tt.wantMsg)
			}
		})
	}
}

func TestLoad_SucceedsWithSecretsFile(t *testing.T) {
	clearSecrets(t)
	inConfigDir(t, minimalEnvYAML, "weather_api_key: key-from-secrets-file\nllm_api_key: llm-key\njwt_secret: "+testSecret+"\n")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.WeatherAPIKey != "key-from-secrets-file" {
		t.Errorf("WeatherAPIKey = %q, want key from secrets file", cfg.WeatherAPIKey)
	}
	if cfg.LLMAPIKey != "llm-key" {
		t.Errorf("LLMAPIKey = %q, want llm-key", cfg.LLMAPIKey)
	}
	if cfg.JWTSecret != testSecret {
		t.Errorf("JWTSecret = %q, want secret from file", cfg.JWTSecret)
	}
}

func TestLoad_EnvOverridesSecretsAndBackends(t *testing.T) {
	clearSecrets(t)
	t.Setenv("WEATHER_API_KEY", "env-weather-key")
	t.Setenv("LLM_API_KEY", "env-llm-key")
	t.Setenv("JWT_SECRET", "env-secret-0123456789")
	t.Setenv("CACHE_BACKEND", " Memcached ")
	t.Setenv("MEMCACHED_ADDRS", "mc1:11211,mc2:11211")
	t.Setenv("DB_PATH", "/tmp/krishi-test.db")
	inConfigDir(t, minimalEnvYAML, "weather_api_key: file-key\njwt_secret: "+testSecret+"\n")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.WeatherAPIKey != "env-weather-key" {
		t.Errorf("WeatherAPIKey = %q, want env value", cfg.WeatherAPIKey)
	}
	if cfg.LLMAPIKey != "env-llm-key" {
		t.Errorf("LLMAPIKey = %q, want env value", cfg.LLMAPIKey)
	}
	if cfg.JWTSecret != "env-secret-0123456789" {
		t.Errorf("JWTSecret = %q, want env value", cfg.JWTSecret)
	}
	if cfg.CacheBackend != "memcached" {
		t.Errorf("CacheBackend = %q, want memcached", cfg.CacheBackend)
	}
	if cfg.MemcachedAddrs != "mc1:11211,mc2:11211" {
		t.Errorf("MemcachedAddrs = %q", cfg.MemcachedAddrs)
	}
	if cfg.DBPath != "/tmp/krishi-test.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearSecrets(t)
	inConfigDir(t, "server:\n  port: \"9090\"\n", "weather_api_key: key\njwt_secret: "+testSecret+"\n")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	checks := []struct {
		name string
		got  any
		want any
	}{
		{"ServerPort", cfg.ServerPort, "9090"},
		{"WeatherAPITimeout", cfg.WeatherAPITimeout, 5 * time.Second},
		{"WeatherCacheTTL", cfg.WeatherCacheTTL, 60 * time.Minute},
		{"WeatherSweepInterval", cfg.WeatherSweepInterval, 10 * time.Minute},
		{"ContextSweepInterval", cfg.ContextSweepInterval, 5 * time.Minute},
		{"CacheBackend", cfg.CacheBackend, "in_memory"},
		{"ConversationMessageLimit", cfg.ConversationMessageLimit, 10},
		{"ChatHistoryLimit", cfg.ChatHistoryLimit, 20},
		{"CircuitBreakerEnabled", cfg.CircuitBreakerEnabled, true},
		{"LLMTimeout", cfg.LLMTimeout, 30 * time.Second},
		{"LLMMaxTokens", cfg.LLMMaxTokens, 1000},
		{"LLMTemperature", cfg.LLMTemperature, float32(0.7)},
		{"TokenTTL", cfg.TokenTTL, 7 * 24 * time.Hour},
		{"DBPath", cfg.DBPath, filepath.Join("data", "krishi.db")},
		{"WarmCache", cfg.WarmCache, false},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if cfg.RequestTimeout <= cfg.WeatherAPITimeout {
		t.Errorf("RequestTimeout = %v, want greater than WeatherAPITimeout %v", cfg.RequestTimeout, cfg.WeatherAPITimeout)
	}
	if cfg.ChatTimeout <= cfg.LLMTimeout {
		t.Errorf("ChatTimeout = %v, want greater than LLMTimeout %v", cfg.ChatTimeout, cfg.LLMTimeout)
	}
}

func TestLoad_InvalidDurationFallsBackToDefault(t *testing.T) {
	clearSecrets(t)
	yml := strings.Replace(minimalEnvYAML, `ttl: "30m"`, `ttl: "invalid"`, 1)
	inConfigDir(t, yml, "weather_api_key: key\njwt_secret: "+testSecret+"\n")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.WeatherCacheTTL != 60*time.Minute {
		t.Errorf("WeatherCacheTTL = %v, want default 60m", cfg.WeatherCacheTTL)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantMsg string
	}{
		{
			name:    "zero weather timeout",
			yaml:    strings.Replace(minimalEnvYAML, `timeout: "2s"`, `timeout: "0s"`, 1),
			wantMsg: "WEATHER_API_TIMEOUT",
		},
		{
			name:    "unknown cache backend",
			yaml:    strings.Replace(minimalEnvYAML, "cache:\n", "cache:\n  backend: redis\n", 1),
			wantMsg: "cache.backend",
		},
		{
			name:    "temperature out of range",
			yaml:    minimalEnvYAML + "llm:\n  temperature: 3.5\n",
			wantMsg: "llm.temperature",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearSecrets(t)
			inConfigDir(t, tt.yaml, "weather_api_key: key\njwt_secret: "+testSecret+"\n")

			cfg, err := Load()
			if err == nil {
				t.Fatalf("Load() expected error, got config %+v", cfg)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Load() error = %v, want message containing %q", err, tt.wantMsg)
			}
		})
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	t.Run("config", func(t *testing.T) {
		clearSecrets(t)
		inConfigDir(t, "not: valid: yaml: [[[", "")
		if _, err := Load(); err == nil || !strings.Contains(err.Error(), "parse config") {
			t.Errorf("Load() error = %v, want parse config error", err)
		}
	})
	t.Run("secrets", func(t *testing.T) {
		clearSecrets(t)
		inConfigDir(t, minimalEnvYAML, "not valid: yaml: [[[")
		if _, err := Load(); err == nil || !strings.Contains(err.Error(), "parse secrets") {
			t.Errorf("Load() error = %v, want parse secrets error", err)
		}
	})
}

func TestLoad_EnvFileNotFound(t *testing.T) {
	clearSecrets(t)
	inConfigDir(t, minimalEnvYAML, "")
	t.Setenv("ENV_NAME", "nonexistent")

	cfg, err := Load()
	if err == nil {
		t.Fatal("Load() expected error for missing env file, got nil")
	}
	if cfg != nil {
		t.Fatalf("Load() expected nil config on error, got %+v", cfg)
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("Load() error = %v, want message about config file not found", err)
	}
}

func TestLoad_SectionsFromYAML(t *testing.T) {
	clearSecrets(t)
	yml := minimalEnvYAML + `
context:
  message_limit: 6
  chat_history_limit: 12
llm:
  base_url: "https://llm.example.com/v1"
  model: "meta-llama/llama-3-8b"
  timeout: "20s"
  max_tokens: 400
  temperature: 0
lifecycle:
  overload_window: "30s"
  overload_threshold_pct: 90
  degraded_window: "2m"
  degraded_error_pct: 10
metrics:
  tracked_locations: ["Kochi", "Nashik"]
`
	yml = strings.Replace(yml, "reliability:\n", "reliability:\n  circuit_breaker:\n    enabled: false\n    failure_threshold: 3\n", 1)
	yml = strings.Replace(yml, "cache:\n", "cache:\n  weather_sweep_interval: \"2m\"\n  context_sweep_interval: \"30s\"\n", 1)
	inConfigDir(t, yml, "weather_api_key: key\njwt_secret: "+testSecret+"\n")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ConversationMessageLimit != 6 || cfg.ChatHistoryLimit != 12 {
		t.Errorf("limits = %d/%d, want 6/12", cfg.ConversationMessageLimit, cfg.ChatHistoryLimit)
	}
	if cfg.LLMBaseURL != "https://llm.example.com/v1" || cfg.LLMModel != "meta-llama/llama-3-8b" {
		t.Errorf("LLM = %q %q", cfg.LLMBaseURL, cfg.LLMModel)
	}
	if cfg.LLMTemperature != 0 {
		t.Errorf("LLMTemperature = %v, want explicit 0", cfg.LLMTemperature)
	}
	if cfg.LLMMaxTokens != 400 || cfg.LLMTimeout != 20*time.Second {
		t.Errorf("LLM limits = %d %v", cfg.LLMMaxTokens, cfg.LLMTimeout)
	}
	if cfg.CircuitBreakerEnabled {
		t.Error("CircuitBreakerEnabled = true, want false")
	}
	if cfg.CircuitBreakerFailureThreshold != 3 {
		t.Errorf("CircuitBreakerFailureThreshold = %d, want 3", cfg.CircuitBreakerFailureThreshold)
	}
	if cfg.OverloadWindow != 30*time.Second || cfg.OverloadThresholdPct != 90 {
		t.Errorf("overload = %v %d", cfg.OverloadWindow, cfg.OverloadThresholdPct)
	}
	if cfg.DegradedWindow != 2*time.Minute || cfg.DegradedErrorPct != 10 {
		t.Errorf("degraded = %v %d", cfg.DegradedWindow, cfg.DegradedErrorPct)
	}
	if len(cfg.TrackedLocations) != 2 {
		t.Errorf("TrackedLocations = %v", cfg.TrackedLocations)
	}
	if cfg.WeatherSweepInterval != 2*time.Minute || cfg.ContextSweepInterval != 30*time.Second {
		t.Errorf("sweep intervals = %v %v, want 2m 30s", cfg.WeatherSweepInterval, cfg.ContextSweepInterval)
	}
}

func TestLoad_ProjectDevConfig(t *testing.T) {
	clearSecrets(t)
	t.Setenv("WEATHER_API_KEY", "test-key-1234567890")
	t.Setenv("JWT_SECRET", testSecret)

	origWd, _ := os.Getwd()
	if err := os.Chdir(findProjectRoot(t)); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	defer os.Chdir(origWd)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.WeatherAPIURL == "" || cfg.ServerPort == "" || cfg.LLMModel == "" {
		t.Errorf("Load() did not populate config from config/dev.yaml: %+v", cfg)
	}
}

func findProjectRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "config", "dev.yaml")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("config/dev.yaml not found (run tests from project root)")
		}
		dir = parent
	}
}
