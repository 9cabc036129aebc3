package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults. The upstream API documents none of these; they are tuning knobs.
const (
	DefaultAuthorizeURL  = "https://api.schwabapi.com/v1/oauth/authorize"
	DefaultTokenURL      = "https://api.schwabapi.com/v1/oauth/token"
	DefaultTraderURL     = "https://api.schwabapi.com/trader/v1"
	DefaultMarketDataURL = "https://api.schwabapi.com/marketdata/v1"

	DefaultRefreshMargin        = 60 * time.Second
	DefaultHTTPTimeout          = 30 * time.Second
	DefaultRateLimitPerMinute   = 120
	DefaultHeartbeatInterval    = 10 * time.Second
	DefaultLivenessWindow       = 30 * time.Second
	DefaultBackoffBase          = time.Second
	DefaultBackoffMax           = 30 * time.Second
	DefaultMaxReconnectAttempts = 10
	DefaultWriteTimeout         = 10 * time.Second
)

// OAuthConfig holds the client registration. Only these three values are
// required; everything else has a default.
type OAuthConfig struct {
	ClientID      string        `yaml:"client_id" json:"client_id"`
	ClientSecret  string        `yaml:"client_secret" json:"client_secret"`
	RedirectURI   string        `yaml:"redirect_uri" json:"redirect_uri"`
	AuthorizeURL  string        `yaml:"authorize_url" json:"authorize_url"`
	TokenURL      string        `yaml:"token_url" json:"token_url"`
	RefreshMargin time.Duration `yaml:"refresh_margin" json:"refresh_margin"`
}

type APIConfig struct {
	TraderURL          string        `yaml:"trader_url" json:"trader_url"`
	MarketDataURL      string        `yaml:"marketdata_url" json:"marketdata_url"`
	Timeout            time.Duration `yaml:"timeout" json:"timeout"`
	RateLimitPerMinute int           `yaml:"rate_limit_per_minute" json:"rate_limit_per_minute"`
}

type StreamConfig struct {
	HeartbeatInterval    time.Duration     `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	LivenessWindow       time.Duration     `yaml:"liveness_window" json:"liveness_window"`
	BackoffBase          time.Duration     `yaml:"backoff_base" json:"backoff_base"`
	BackoffMax           time.Duration     `yaml:"backoff_max" json:"backoff_max"`
	MaxReconnectAttempts int               `yaml:"max_reconnect_attempts" json:"max_reconnect_attempts"`
	WriteTimeout         time.Duration     `yaml:"write_timeout" json:"write_timeout"`
	Fields               map[string]string `yaml:"fields" json:"fields"` // channel -> "0,1,2,3"
	ProxyURL             string            `yaml:"proxy_url" json:"proxy_url"`
}

type StorageConfig struct {
	SecretsPath string `yaml:"secrets_path" json:"secrets_path"`
	SecretsKey  string `yaml:"secrets_key" json:"secrets_key"`
	JournalPath string `yaml:"journal_path" json:"journal_path"`
	StateDir    string `yaml:"state_dir" json:"state_dir"`
}

type LogConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
	JSON  bool   `yaml:"json" json:"json"`
}

type StatusConfig struct {
	Listen string `yaml:"listen" json:"listen"`
}

// Config is the full application configuration.
type Config struct {
	OAuth   OAuthConfig   `yaml:"oauth" json:"oauth"`
	API     APIConfig     `yaml:"api" json:"api"`
	Stream  StreamConfig  `yaml:"stream" json:"stream"`
	Storage StorageConfig `yaml:"storage" json:"storage"`
	Log     LogConfig     `yaml:"log" json:"log"`
	Status  StatusConfig  `yaml:"status" json:"status"`
}

// Load reads filePath (YAML or JSON; empty means env only), applies
// environment overrides, then fills defaults.
func Load(filePath string) (*Config, error) {
	cfg := &Config{}
	if filePath != "" {
		if err := loadConfigFile(filePath, cfg); err != nil {
			return nil, fmt.Errorf("load config %s: %w", filePath, err)
		}
	}
	applyEnv(cfg)
	cfg.ApplyDefaults()
	return cfg, nil
}

func loadConfigFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	switch ext := strings.ToLower(filepath.Ext(filePath)); ext {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	case ".json":
		return json.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("unsupported config format %q (want .yaml, .yml or .json)", ext)
	}
}

func applyEnv(cfg *Config) {
	cfg.OAuth.ClientID = getEnv("SCHWAB_CLIENT_ID", cfg.OAuth.ClientID)
	cfg.OAuth.ClientSecret = getEnv("SCHWAB_CLIENT_SECRET", cfg.OAuth.ClientSecret)
	cfg.OAuth.RedirectURI = getEnv("SCHWAB_REDIRECT_URI", cfg.OAuth.RedirectURI)
	cfg.API.TraderURL = getEnv("SCHWAB_TRADER_URL", cfg.API.TraderURL)
	cfg.API.MarketDataURL = getEnv("SCHWAB_MARKETDATA_URL", cfg.API.MarketDataURL)
	cfg.Storage.SecretsPath = getEnv("SCHWAB_SECRETS_PATH", cfg.Storage.SecretsPath)
	cfg.Storage.SecretsKey = getEnv("SCHWAB_SECRETS_KEY", cfg.Storage.SecretsKey)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Stream.MaxReconnectAttempts = parseIntEnv("SCHWAB_STREAM_MAX_RECONNECT", cfg.Stream.MaxReconnectAttempts)
	cfg.Stream.HeartbeatInterval = parseDurationEnv("SCHWAB_STREAM_HEARTBEAT", cfg.Stream.HeartbeatInterval)
	cfg.Stream.LivenessWindow = parseDurationEnv("SCHWAB_STREAM_LIVENESS", cfg.Stream.LivenessWindow)
}

// ApplyDefaults fills every zero value with its default.
func (c *Config) ApplyDefaults() {
	setString(&c.OAuth.AuthorizeURL, DefaultAuthorizeURL)
	setString(&c.OAuth.TokenURL, DefaultTokenURL)
	setDuration(&c.OAuth.RefreshMargin, DefaultRefreshMargin)
	setString(&c.API.TraderURL, DefaultTraderURL)
	setString(&c.API.MarketDataURL, DefaultMarketDataURL)
	setDuration(&c.API.Timeout, DefaultHTTPTimeout)
	if c.API.RateLimitPerMinute == 0 {
		c.API.RateLimitPerMinute = DefaultRateLimitPerMinute
	}
	setDuration(&c.Stream.HeartbeatInterval, DefaultHeartbeatInterval)
	setDuration(&c.Stream.LivenessWindow, DefaultLivenessWindow)
	setDuration(&c.Stream.BackoffBase, DefaultBackoffBase)
	setDuration(&c.Stream.BackoffMax, DefaultBackoffMax)
	setDuration(&c.Stream.WriteTimeout, DefaultWriteTimeout)
	if c.Stream.MaxReconnectAttempts == 0 {
		c.Stream.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	setString(&c.Storage.SecretsPath, "data/secrets")
	setString(&c.Storage.JournalPath, "data/journal.db")
	setString(&c.Storage.StateDir, "data/state")
	setString(&c.Log.Level, "info")
	setString(&c.Status.Listen, "127.0.0.1:8089")
}

// Validate checks the client registration for non-emptiness and the tuning
// values for sanity.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.OAuth.ClientID) == "" {
		return fmt.Errorf("oauth.client_id (SCHWAB_CLIENT_ID) is not configured")
	}
	if strings.TrimSpace(c.OAuth.ClientSecret) == "" {
		return fmt.Errorf("oauth.client_secret (SCHWAB_CLIENT_SECRET) is not configured")
	}
	if strings.TrimSpace(c.OAuth.RedirectURI) == "" {
		return fmt.Errorf("oauth.redirect_uri (SCHWAB_REDIRECT_URI) is not configured")
	}
	if c.Stream.HeartbeatInterval <= 0 || c.Stream.LivenessWindow <= 0 {
		return fmt.Errorf("stream heartbeat_interval and liveness_window must be positive")
	}
	if c.Stream.LivenessWindow <= c.Stream.HeartbeatInterval {
		return fmt.Errorf("stream liveness_window (%s) must exceed heartbeat_interval (%s)",
			c.Stream.LivenessWindow, c.Stream.HeartbeatInterval)
	}
	if c.Stream.BackoffMax < c.Stream.BackoffBase {
		return fmt.Errorf("stream backoff_max must be >= backoff_base")
	}
	if c.Stream.MaxReconnectAttempts < 0 {
		return fmt.Errorf("stream max_reconnect_attempts cannot be negative")
	}
	return nil
}

func setString(dst *string, def string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = def
	}
}

func setDuration(dst *time.Duration, def time.Duration) {
	if *dst <= 0 {
		*dst = def
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
