package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// isolate points the .env and YAML layers away from the working directory and
// clears variables a developer shell might export.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("DOTENV_PATH", filepath.Join(t.TempDir(), "missing.env"))
	for _, k := range []string{
		"SCREEN_CONFIG", "API_KEY", "API_BASE_URL", "API_AUTH_SCHEME", "POLL_INTERVAL",
		"POLL_TIMEOUT", "HTTP_TIMEOUT", "HTTP_RETRIES", "HTTP_BACKOFF_BASE", "HTTP_BACKOFF_MAX",
		"IDENTIFICATION_FIELDS", "LOG_FILE", "MIRROR_ENDPOINT", "MIRROR_BUCKET", "MIRROR_USE_SSL",
	} {
		t.Setenv(k, "")
		unsetEnv(t, k)
	}
}

func unsetEnv(t *testing.T, key string) {
	t.Helper()
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("unset %s: %v", key, err)
	}
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BaseURL != DefaultBaseURL || cfg.AuthScheme != AuthBearer || cfg.PollInterval != 2*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.HTTPRetries != 3 || cfg.PollTimeout != 2*time.Minute || cfg.LogFile != "logs/progress.log" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Mirror.Enabled() {
		t.Fatal("mirror should be disabled by default")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("API_KEY", "k-123")
	t.Setenv("API_BASE_URL", "http://localhost:9000")
	t.Setenv("API_AUTH_SCHEME", "TOKEN")
	t.Setenv("POLL_INTERVAL", "500ms")
	t.Setenv("HTTP_RETRIES", "5")
	t.Setenv("IDENTIFICATION_FIELDS", "category,name")
	t.Setenv("LOG_FILE", "stderr")
	t.Setenv("MIRROR_ENDPOINT", "localhost:9001")
	t.Setenv("MIRROR_BUCKET", "screening")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.APIKey != "k-123" || cfg.BaseURL != "http://localhost:9000" || cfg.AuthScheme != AuthToken {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.PollInterval != 500*time.Millisecond || cfg.HTTPRetries != 5 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if len(cfg.IdentificationFields) != 2 || cfg.IdentificationFields[1] != "name" {
		t.Fatalf("fields: %v", cfg.IdentificationFields)
	}
	if cfg.LogFile != "" {
		t.Fatalf("stderr should map to empty log file, got %q", cfg.LogFile)
	}
	if !cfg.Mirror.Enabled() {
		t.Fatal("mirror should be enabled")
	}
}

func TestLoadClampsValues(t *testing.T) {
	isolate(t)
	t.Setenv("POLL_INTERVAL", "1ms")
	t.Setenv("POLL_TIMEOUT", "10h")
	t.Setenv("HTTP_RETRIES", "99")
	t.Setenv("HTTP_TIMEOUT", "1ms")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PollInterval != minPollInterval {
		t.Fatalf("poll interval not clamped: %v", cfg.PollInterval)
	}
	if cfg.PollTimeout != maxPollTimeout {
		t.Fatalf("poll timeout not clamped: %v", cfg.PollTimeout)
	}
	if cfg.HTTPRetries != maxHTTPRetries {
		t.Fatalf("retries not clamped: %d", cfg.HTTPRetries)
	}
	if cfg.HTTPTimeout != minHTTPTimeout {
		t.Fatalf("http timeout not clamped: %v", cfg.HTTPTimeout)
	}

	t.Setenv("HTTP_RETRIES", "-1")
	t.Setenv("HTTP_BACKOFF_BASE", "2s")
	t.Setenv("HTTP_BACKOFF_MAX", "1s")
	cfg2, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg2.HTTPRetries != minHTTPRetries {
		t.Fatalf("negative retries not clamped: %d", cfg2.HTTPRetries)
	}
	if cfg2.HTTPBackoffMax != 2*time.Second {
		t.Fatalf("backoff max should not fall below base: %v", cfg2.HTTPBackoffMax)
	}
}

func TestLoadYAMLFileUnderEnv(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "screen.yaml")
	yml := `
api:
  key: from-file
  baseURL: https://sandbox.example.com
  authScheme: token
poll:
  interval: 3s
http:
  retries: 0
output:
  identificationFields: [category, name, address]
log:
  format: text
mirror:
  endpoint: minio:9000
  bucket: results
  useSSL: true
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SCREEN_CONFIG", path)
	t.Setenv("API_BASE_URL", "https://env-wins.example.com")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.APIKey != "from-file" || cfg.AuthScheme != AuthToken || cfg.PollInterval != 3*time.Second {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.BaseURL != "https://env-wins.example.com" {
		t.Fatalf("env should override file, got %q", cfg.BaseURL)
	}
	if cfg.HTTPRetries != 0 {
		t.Fatalf("explicit zero retries from file lost: %d", cfg.HTTPRetries)
	}
	if len(cfg.IdentificationFields) != 3 || cfg.LogFormat != "text" {
		t.Fatalf("output/log not applied: %+v", cfg)
	}
	if !cfg.Mirror.Enabled() || !cfg.Mirror.UseSSL {
		t.Fatalf("mirror not applied: %+v", cfg.Mirror)
	}
}

func TestLoadYAMLErrors(t *testing.T) {
	isolate(t)
	t.Setenv("SCREEN_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("api: [unterminated"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SCREEN_CONFIG", bad)
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "parse config file") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("API_KEY=dotenv-key\nPOLL_TIMEOUT=90s\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DOTENV_PATH", path)
	t.Setenv("POLL_TIMEOUT", "")
	unsetEnv(t, "POLL_TIMEOUT")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.APIKey != "dotenv-key" || cfg.PollTimeout != 90*time.Second {
		t.Fatalf(".env not applied: %+v", cfg)
	}
}

func TestLoadDotEnvDoesNotOverrideProcessEnv(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("API_KEY=dotenv-key\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DOTENV_PATH", path)
	t.Setenv("API_KEY", "real-key")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.APIKey != "real-key" {
		t.Fatalf("process env should win, got %q", cfg.APIKey)
	}
}

func TestValidate(t *testing.T) {
	ok := Defaults()
	ok.APIKey = "k"
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing key", func(c *Config) { c.APIKey = " " }, "API_KEY"},
		{"relative url", func(c *Config) { c.BaseURL = "api.example.com" }, "API_BASE_URL"},
		{"bad scheme", func(c *Config) { c.AuthScheme = "basic" }, "API_AUTH_SCHEME"},
		{"status path without id", func(c *Config) { c.StatusPath = "/status" }, "API_STATUS_PATH"},
	}
	for _, tt := range tests {
		c := ok
		tt.mutate(&c)
		err := c.Validate()
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: got %v, want mention of %s", tt.name, err, tt.want)
		}
	}
}
