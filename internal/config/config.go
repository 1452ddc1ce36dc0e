package config

import (
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"StreamChat/internal/transport"
)

const (
	DefaultStreamURL = "ws://localhost:8000/ws/stream"
	DefaultAPIURL    = "http://localhost:8000/api"
	DefaultLogDir    = "logs"
	DefaultDBPath    = "streamchat.db"
)

// Environment variables that override the file.
const (
	EnvStreamURL = "STREAMCHAT_STREAM_URL"
	EnvAPIURL    = "STREAMCHAT_API_URL"
	EnvToken     = "STREAMCHAT_TOKEN"
	EnvLogDir    = "STREAMCHAT_LOG_DIR"
	EnvDBPath    = "STREAMCHAT_DB_PATH"
	EnvDebug     = "STREAMCHAT_DEBUG"
)

// Config holds application configuration
type Config struct {
	StreamURL string `toml:"stream_url"`
	APIURL    string `toml:"api_url"`
	Token     string `toml:"token"` // Bearer credential for the API

	// RequireStreamCredential keeps the stream unused while no token is available.
	RequireStreamCredential bool `toml:"require_stream_credential"`

	Terminator       string        `toml:"terminator"`
	ErrorPrefix      string        `toml:"error_prefix"`
	RequestTimeout   time.Duration `toml:"request_timeout"`
	HandshakeTimeout time.Duration `toml:"handshake_timeout"`

	CacheTTL  time.Duration `toml:"cache_ttl"`  // 0 disables the reply cache
	RateLimit float64       `toml:"rate_limit"` // requests per second, 0 disables
	RateBurst int           `toml:"rate_burst"`

	LogDir    string `toml:"log_dir"`
	DBPath    string `toml:"db_path"`
	Telemetry bool   `toml:"telemetry"`
	Debug     bool   `toml:"debug"`

	SessionID string `toml:"-"` // Resume a stored session
}

// Load reads path (when non-empty) over the defaults and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{Telemetry: true}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, errors.Wrapf(err, "failed to decode TOML file %s", path)
		}
	}
	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

// ApplyEnvOverrides replaces fields with any set STREAMCHAT_* variables.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv(EnvStreamURL); v != "" {
		c.StreamURL = v
	}
	if v := os.Getenv(EnvAPIURL); v != "" {
		c.APIURL = v
	}
	if v := os.Getenv(EnvToken); v != "" {
		c.Token = v
	}
	if v := os.Getenv(EnvLogDir); v != "" {
		c.LogDir = v
	}
	if v := os.Getenv(EnvDBPath); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv(EnvDebug); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Debug = b
		}
	}
}

// SetDefaults fills zero fields.
func (c *Config) SetDefaults() {
	if c.StreamURL == "" {
		c.StreamURL = DefaultStreamURL
	}
	if c.APIURL == "" {
		c.APIURL = DefaultAPIURL
	}
	if c.Terminator == "" {
		c.Terminator = transport.DefaultTerminator
	}
	if c.ErrorPrefix == "" {
		c.ErrorPrefix = transport.DefaultErrorPrefix
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.RateBurst == 0 {
		c.RateBurst = 1
	}
	if c.LogDir == "" {
		c.LogDir = DefaultLogDir
	}
	if c.DBPath == "" {
		c.DBPath = DefaultDBPath
	}
}

// Validate checks the values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	u, err := url.Parse(c.StreamURL)
	if err != nil {
		return errors.Wrap(err, "stream_url")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.Errorf("stream_url must use ws or wss, got %q", u.Scheme)
	}

	u, err = url.Parse(c.APIURL)
	if err != nil {
		return errors.Wrap(err, "api_url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Errorf("api_url must use http or https, got %q", u.Scheme)
	}

	if c.RequestTimeout < 0 || c.HandshakeTimeout < 0 || c.CacheTTL < 0 {
		return errors.New("timeouts and cache_ttl cannot be negative")
	}
	if c.RateLimit < 0 {
		return errors.New("rate_limit cannot be negative")
	}
	if c.RateBurst < 1 {
		return errors.New("rate_burst must be at least 1")
	}
	return nil
}
