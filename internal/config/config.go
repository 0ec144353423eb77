package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	minPollInterval = 100 * time.Millisecond
	maxPollInterval = time.Minute
	minPollTimeout  = time.Second
	maxPollTimeout  = 30 * time.Minute
	minHTTPTimeout  = time.Second
	maxHTTPTimeout  = 5 * time.Minute
	minHTTPRetries  = 0
	maxHTTPRetries  = 10
	maxBackoff      = time.Minute

	DefaultBaseURL      = "https://api.chainalysis.com"
	DefaultRegisterPath = "/api/risk/v2/entities"
	DefaultStatusPath   = "/api/risk/v2/entities/{id}"
)

// Auth schemes for the static API key.
const (
	AuthBearer = "bearer"
	AuthToken  = "token"
)

// Config holds everything the screener needs, built once at startup and passed
// down explicitly. Layers, lowest first: defaults, YAML file (SCREEN_CONFIG),
// .env file, process environment.
type Config struct {
	APIKey       string
	BaseURL      string
	RegisterPath string
	StatusPath   string
	AuthScheme   string

	PollInterval    time.Duration
	PollTimeout     time.Duration
	HTTPTimeout     time.Duration
	HTTPRetries     int
	HTTPBackoffBase time.Duration
	HTTPBackoffMax  time.Duration

	// IdentificationFields pins the identification columns. Empty means the
	// column set is the union of keys observed across the batch.
	IdentificationFields []string

	LogLevel  string
	LogFormat string
	LogFile   string

	Mirror Mirror
}

// Mirror configures the optional S3-compatible copy of the output file.
type Mirror struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	UseSSL    bool   `yaml:"useSSL"`
}

// Enabled reports whether enough is configured to attempt an upload.
func (m Mirror) Enabled() bool { return m.Endpoint != "" && m.Bucket != "" }

type fileConfig struct {
	API struct {
		Key          string `yaml:"key"`
		BaseURL      string `yaml:"baseURL"`
		RegisterPath string `yaml:"registerPath"`
		StatusPath   string `yaml:"statusPath"`
		AuthScheme   string `yaml:"authScheme"`
	} `yaml:"api"`
	Poll struct {
		Interval string `yaml:"interval"`
		Timeout  string `yaml:"timeout"`
	} `yaml:"poll"`
	HTTP struct {
		Timeout     string `yaml:"timeout"`
		Retries     *int   `yaml:"retries"`
		BackoffBase string `yaml:"backoffBase"`
		BackoffMax  string `yaml:"backoffMax"`
	} `yaml:"http"`
	Output struct {
		IdentificationFields []string `yaml:"identificationFields"`
	} `yaml:"output"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		File   string `yaml:"file"`
	} `yaml:"log"`
	Mirror Mirror `yaml:"mirror"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		BaseURL:         DefaultBaseURL,
		RegisterPath:    DefaultRegisterPath,
		StatusPath:      DefaultStatusPath,
		AuthScheme:      AuthBearer,
		PollInterval:    2 * time.Second,
		PollTimeout:     2 * time.Minute,
		HTTPTimeout:     60 * time.Second,
		HTTPRetries:     3,
		HTTPBackoffBase: 200 * time.Millisecond,
		HTTPBackoffMax:  5 * time.Second,
		LogLevel:        "info",
		LogFormat:       "json",
		LogFile:         "logs/progress.log",
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseIntEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil {
		return i
	}
	return def
}

func parseDurEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return def
}

func parseBoolEnv(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return def
}

func parseDur(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return def
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func clampDuration(v, min, max time.Duration) time.Duration {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// SplitList parses a comma separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// RedactKey keeps the last four characters of a secret for log correlation.
func RedactKey(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "***"
	}
	return "***" + s[len(s)-4:]
}

// loadDotEnv reads DOTENV_PATH (default .env) when present. Existing process
// variables win over the file.
func loadDotEnv() error {
	path := env("DOTENV_PATH", ".env")
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func applyFile(c *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	if fc.API.Key != "" {
		c.APIKey = fc.API.Key
	}
	if fc.API.BaseURL != "" {
		c.BaseURL = fc.API.BaseURL
	}
	if fc.API.RegisterPath != "" {
		c.RegisterPath = fc.API.RegisterPath
	}
	if fc.API.StatusPath != "" {
		c.StatusPath = fc.API.StatusPath
	}
	if fc.API.AuthScheme != "" {
		c.AuthScheme = fc.API.AuthScheme
	}
	c.PollInterval = parseDur(fc.Poll.Interval, c.PollInterval)
	c.PollTimeout = parseDur(fc.Poll.Timeout, c.PollTimeout)
	c.HTTPTimeout = parseDur(fc.HTTP.Timeout, c.HTTPTimeout)
	if fc.HTTP.Retries != nil {
		c.HTTPRetries = *fc.HTTP.Retries
	}
	c.HTTPBackoffBase = parseDur(fc.HTTP.BackoffBase, c.HTTPBackoffBase)
	c.HTTPBackoffMax = parseDur(fc.HTTP.BackoffMax, c.HTTPBackoffMax)
	if len(fc.Output.IdentificationFields) > 0 {
		c.IdentificationFields = fc.Output.IdentificationFields
	}
	if fc.Log.Level != "" {
		c.LogLevel = fc.Log.Level
	}
	if fc.Log.Format != "" {
		c.LogFormat = fc.Log.Format
	}
	if fc.Log.File != "" {
		c.LogFile = fc.Log.File
	}
	if fc.Mirror != (Mirror{}) {
		c.Mirror = fc.Mirror
	}
	return nil
}

// Load builds the Config from all layers and applies clamps. It does not
// require an API key; call Validate before talking to the remote service.
func Load() (Config, error) {
	c := Defaults()
	if path := os.Getenv("SCREEN_CONFIG"); path != "" {
		if err := applyFile(&c, path); err != nil {
			return Config{}, err
		}
	}
	if err := loadDotEnv(); err != nil {
		return Config{}, err
	}

	c.APIKey = env("API_KEY", c.APIKey)
	c.BaseURL = env("API_BASE_URL", c.BaseURL)
	c.RegisterPath = env("API_REGISTER_PATH", c.RegisterPath)
	c.StatusPath = env("API_STATUS_PATH", c.StatusPath)
	c.AuthScheme = strings.ToLower(env("API_AUTH_SCHEME", c.AuthScheme))
	c.PollInterval = clampDuration(parseDurEnv("POLL_INTERVAL", c.PollInterval), minPollInterval, maxPollInterval)
	c.PollTimeout = clampDuration(parseDurEnv("POLL_TIMEOUT", c.PollTimeout), minPollTimeout, maxPollTimeout)
	c.HTTPTimeout = clampDuration(parseDurEnv("HTTP_TIMEOUT", c.HTTPTimeout), minHTTPTimeout, maxHTTPTimeout)
	c.HTTPRetries = clampInt(parseIntEnv("HTTP_RETRIES", c.HTTPRetries), minHTTPRetries, maxHTTPRetries)
	c.HTTPBackoffBase = clampDuration(parseDurEnv("HTTP_BACKOFF_BASE", c.HTTPBackoffBase), time.Millisecond, maxBackoff)
	c.HTTPBackoffMax = clampDuration(parseDurEnv("HTTP_BACKOFF_MAX", c.HTTPBackoffMax), c.HTTPBackoffBase, maxBackoff)
	if v := os.Getenv("IDENTIFICATION_FIELDS"); v != "" {
		c.IdentificationFields = SplitList(v)
	}
	c.LogLevel = env("LOG_LEVEL", c.LogLevel)
	c.LogFormat = env("LOG_FORMAT", c.LogFormat)
	c.LogFile = env("LOG_FILE", c.LogFile)
	if strings.EqualFold(c.LogFile, "stderr") || c.LogFile == "-" {
		c.LogFile = ""
	}

	c.Mirror.Endpoint = env("MIRROR_ENDPOINT", c.Mirror.Endpoint)
	c.Mirror.Region = env("MIRROR_REGION", c.Mirror.Region)
	c.Mirror.Bucket = env("MIRROR_BUCKET", c.Mirror.Bucket)
	c.Mirror.Prefix = env("MIRROR_PREFIX", c.Mirror.Prefix)
	c.Mirror.AccessKey = env("MIRROR_ACCESS_KEY", c.Mirror.AccessKey)
	c.Mirror.SecretKey = env("MIRROR_SECRET_KEY", c.Mirror.SecretKey)
	c.Mirror.UseSSL = parseBoolEnv("MIRROR_USE_SSL", c.Mirror.UseSSL)
	return c, nil
}

// Validate reports settings that would make every request fail.
func (c Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return errors.New("API_KEY is required (set it in the environment or a .env file)")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("API_BASE_URL must be an absolute http(s) URL, got %q", c.BaseURL)
	}
	if c.AuthScheme != AuthBearer && c.AuthScheme != AuthToken {
		return fmt.Errorf("API_AUTH_SCHEME must be %q or %q, got %q", AuthBearer, AuthToken, c.AuthScheme)
	}
	if !strings.Contains(c.StatusPath, "{id}") {
		return fmt.Errorf("API_STATUS_PATH must contain {id}, got %q", c.StatusPath)
	}
	return nil
}
