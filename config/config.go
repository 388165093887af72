// Package config loads the relay server configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then an optional .env
// file, then the process environment. Later layers win.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const (
	SyncModeNTP = "ntp"
	SyncModeRTT = "rtt"

	EnvFile = ".env"
)

// ConfigError is an unusable configuration. It is only returned at startup.
type ConfigError struct {
	Key string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("config: %s", e.Err)
	}
	return fmt.Sprintf("config: %s: %s", e.Key, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

type Config struct {
	JWTSecret string `yaml:"jwt_secret"`
	// AdminKey enables the /keys API when set.
	AdminKey string `yaml:"admin_key"`
	DBDriver string `yaml:"db_driver"`
	// DBPath is the sqlite file, or the postgres connection string.
	DBPath string `yaml:"db_path"`

	// durations are decoded by UnmarshalYAML
	SessionTTL      time.Duration `yaml:"-"`
	CleanupInterval time.Duration `yaml:"-"`
	TokenTTL        time.Duration `yaml:"-"`

	BindAddr        string        `yaml:"bind_addr"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	UpstreamTimeout time.Duration `yaml:"-"`
	YouTubeBaseURL  string        `yaml:"youtube_base_url"`
	SyncMode        string        `yaml:"sync_mode"`

	// RegisterRate is the number of POST /live allowed per second per remote address. Zero
	// disables the limit.
	RegisterRate  float64 `yaml:"register_rate"`
	RegisterBurst int     `yaml:"register_burst"`

	PrometheusAddr string `yaml:"prometheus_addr"`
	SentryDSN      string `yaml:"sentry_dsn"`
	OTLPURL        string `yaml:"otlp_url"`
	OTLPUser       string `yaml:"otlp_user"`
	OTLPPass       string `yaml:"otlp_pass"`
	Debug          bool   `yaml:"debug"`

	// GeneratedSecret is true when no JWT secret was configured and a random one was made.
	// Tokens will not survive a restart.
	GeneratedSecret bool `yaml:"-"`
}

func Defaults() Config {
	return Config{
		DBDriver:        "sqlite",
		DBPath:          "lcyt-backend.db",
		SessionTTL:      2 * time.Hour,
		CleanupInterval: 5 * time.Minute,
		BindAddr:        ":3000",
		MaxBodyBytes:    64 * 1024,
		UpstreamTimeout: 30 * time.Second,
		YouTubeBaseURL:  "http://upload.youtube.com/closedcaption",
		SyncMode:        SyncModeNTP,
		RegisterBurst:   5,
	}
}

// Load builds the configuration. path is an optional YAML file, an empty path skips it. A
// .env file in the working directory is read if present.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &ConfigError{Err: fmt.Errorf("cannot read %s: %w", path, err)}
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, &ConfigError{Err: fmt.Errorf("invalid YAML in %s: %w", path, err)}
		}
	}
	env, err := readEnvFile(EnvFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := env[key]
		return v, ok
	}); err != nil {
		return nil, err
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readEnvFile(path string) (map[string]string, error) {
	env, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("cannot read %s: %w", path, err)}
	}
	return env, nil
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("JWT_SECRET", &c.JWTSecret)
	str("ADMIN_KEY", &c.AdminKey)
	str("DB_DRIVER", &c.DBDriver)
	str("DB_PATH", &c.DBPath)
	str("YOUTUBE_BASE_URL", &c.YouTubeBaseURL)
	str("SYNC_MODE", &c.SyncMode)
	str("PROMETHEUS_ADDR", &c.PrometheusAddr)
	str("SENTRY_DSN", &c.SentryDSN)
	str("OTLP_URL", &c.OTLPURL)
	str("OTLP_USER", &c.OTLPUser)
	str("OTLP_PASS", &c.OTLPPass)
	str("BIND_ADDR", &c.BindAddr)
	if v, ok := lookup("PORT"); ok && v != "" {
		if _, err := strconv.Atoi(v); err != nil {
			return &ConfigError{Key: "PORT", Err: err}
		}
		c.BindAddr = ":" + v
	}

	for key, dst := range map[string]*time.Duration{
		"SESSION_TTL":      &c.SessionTTL,
		"CLEANUP_INTERVAL": &c.CleanupInterval,
		"TOKEN_TTL":        &c.TokenTTL,
		"UPSTREAM_TIMEOUT": &c.UpstreamTimeout,
	} {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		d, err := ParseDuration(v)
		if err != nil {
			return &ConfigError{Key: key, Err: err}
		}
		*dst = d
	}
	if v, ok := lookup("MAX_BODY_BYTES"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return &ConfigError{Key: "MAX_BODY_BYTES", Err: err}
		}
		c.MaxBodyBytes = n
	}
	if v, ok := lookup("REGISTER_RATE"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return &ConfigError{Key: "REGISTER_RATE", Err: err}
		}
		c.RegisterRate = f
	}
	if v, ok := lookup("REGISTER_BURST"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &ConfigError{Key: "REGISTER_BURST", Err: err}
		}
		c.RegisterBurst = n
	}
	if v, ok := lookup("DEBUG"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return &ConfigError{Key: "DEBUG", Err: err}
		}
		c.Debug = b
	}
	return nil
}

// finish validates the merged values and fills in the generated secret.
func (c *Config) finish() error {
	c.SyncMode = strings.ToLower(c.SyncMode)
	if c.SyncMode != SyncModeNTP && c.SyncMode != SyncModeRTT {
		return &ConfigError{Key: "SYNC_MODE", Err: fmt.Errorf("must be %q or %q, got %q", SyncModeNTP, SyncModeRTT, c.SyncMode)}
	}
	if c.DBDriver != "sqlite" && c.DBDriver != "postgres" {
		return &ConfigError{Key: "DB_DRIVER", Err: fmt.Errorf("must be sqlite or postgres, got %q", c.DBDriver)}
	}
	if c.SessionTTL <= 0 {
		return &ConfigError{Key: "SESSION_TTL", Err: errors.New("must be positive")}
	}
	if c.CleanupInterval <= 0 {
		return &ConfigError{Key: "CLEANUP_INTERVAL", Err: errors.New("must be positive")}
	}
	if c.MaxBodyBytes <= 0 {
		return &ConfigError{Key: "MAX_BODY_BYTES", Err: errors.New("must be positive")}
	}
	if c.JWTSecret == "" {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return &ConfigError{Key: "JWT_SECRET", Err: err}
		}
		c.JWTSecret = hex.EncodeToString(secret)
		c.GeneratedSecret = true
		logger.Warn().Msg("JWT_SECRET is not set, using a random secret. Session tokens will not survive a restart.")
	}
	if c.AdminKey == "" {
		logger.Info().Msg("ADMIN_KEY is not set, the /keys API is disabled")
	}
	return nil
}

// ParseDuration accepts a Go duration ("90s", "2h") or a bare number of seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(n * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}

// UnmarshalYAML lets YAML files use the same duration forms as the environment.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type plain Config
	if err := node.Decode((*plain)(c)); err != nil {
		return err
	}
	var raw struct {
		SessionTTL      string `yaml:"session_ttl"`
		CleanupInterval string `yaml:"cleanup_interval"`
		TokenTTL        string `yaml:"token_ttl"`
		UpstreamTimeout string `yaml:"upstream_timeout"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	for _, d := range []struct {
		val string
		dst *time.Duration
	}{
		{raw.SessionTTL, &c.SessionTTL},
		{raw.CleanupInterval, &c.CleanupInterval},
		{raw.TokenTTL, &c.TokenTTL},
		{raw.UpstreamTimeout, &c.UpstreamTimeout},
	} {
		if d.val == "" {
			continue
		}
		parsed, err := ParseDuration(d.val)
		if err != nil {
			return err
		}
		*d.dst = parsed
	}
	return nil
}
