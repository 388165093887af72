package youtube

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"

	"github.com/tidwall/gjson"
	"github.com/tidwall/jsonc"
)

const DefaultConfigFilename = ".lcyt-config.json"

// Config is the client configuration file. Both snake_case and camelCase keys are read, so
// files written by the JavaScript client load too. Comments are allowed.
type Config struct {
	StreamKey string `json:"stream_key"`
	BaseURL   string `json:"base_url"`
	Region    string `json:"region"`
	Cue       string `json:"cue"`
	Sequence  int    `json:"sequence"`
}

func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Region:  DefaultRegion,
		Cue:     DefaultCue,
	}
}

// DefaultConfigPath is ~/.lcyt-config.json.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", &ConfigError{Err: err}
	}
	return filepath.Join(home, DefaultConfigFilename), nil
}

// LoadConfig reads the config at path. A missing file yields DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, &ConfigError{Path: path, Err: fmt.Errorf("cannot read config file: %w", err)}
	}
	data = jsonc.ToJSON(data)
	if !gjson.ValidBytes(data) {
		return cfg, &ConfigError{Path: path, Err: errors.New("invalid JSON in config file")}
	}
	parsed := gjson.ParseBytes(data)
	if !parsed.IsObject() {
		return cfg, &ConfigError{Path: path, Err: errors.New("config file must contain a JSON object")}
	}
	if v := firstOf(parsed, "stream_key", "streamKey"); v.Exists() {
		cfg.StreamKey = v.String()
	}
	if v := firstOf(parsed, "base_url", "baseUrl"); v.Exists() {
		cfg.BaseURL = v.String()
	}
	if v := parsed.Get("region"); v.Exists() {
		cfg.Region = v.String()
	}
	if v := parsed.Get("cue"); v.Exists() {
		cfg.Cue = v.String()
	}
	if v := parsed.Get("sequence"); v.Exists() {
		if v.Type != gjson.Number {
			return cfg, &ConfigError{Path: path, Err: errors.New("sequence must be a number")}
		}
		cfg.Sequence = int(v.Int())
	}
	return cfg, nil
}

func firstOf(res gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := res.Get(p); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}

// SaveConfig writes cfg to path as indented JSON.
func SaveConfig(cfg Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return &ConfigError{Path: path, Err: err}
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return &ConfigError{Path: path, Err: fmt.Errorf("cannot write config file: %w", err)}
	}
	return nil
}

// IngestionURL is the base URL with the stream key as the cid parameter.
func (c Config) IngestionURL() (string, error) {
	if c.StreamKey == "" {
		return "", &ConfigError{Err: errors.New("stream key is required")}
	}
	base := c.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	return base + "?cid=" + url.QueryEscape(c.StreamKey), nil
}
