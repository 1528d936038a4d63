package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/titanous/json5"
	"gopkg.in/yaml.v3"
)

// ConfigPathEnv overrides the --config flag when set
const ConfigPathEnv = "NEWSLETTER_STATS_CONFIG"

// Config holds all tunables of a pipeline run
type Config struct {
	StartOffset         int     `json:"start_offset" yaml:"start_offset"`
	PageSize            int     `json:"page_size" yaml:"page_size"`
	PageDelayMS         int     `json:"page_delay_ms" yaml:"page_delay_ms"`
	PostDelayMS         int     `json:"post_delay_ms" yaml:"post_delay_ms"`
	MaxPages            int     `json:"max_pages" yaml:"max_pages"`
	WordsPerMinute      float64 `json:"words_per_minute" yaml:"words_per_minute"`
	RequestTimeoutSec   int     `json:"request_timeout_sec" yaml:"request_timeout_sec"`
	Retries             int     `json:"retries" yaml:"retries"`
	UserAgent           string  `json:"user_agent" yaml:"user_agent"`
	ScriptMarker        string  `json:"script_marker" yaml:"script_marker"`
	DictionaryPath      string  `json:"dictionary_path" yaml:"dictionary_path"`
	ReadabilityFallback bool    `json:"readability_fallback" yaml:"readability_fallback"`
	DBPath              string  `json:"db_path" yaml:"db_path"`
	CacheTTLHours       int     `json:"cache_ttl_hours" yaml:"cache_ttl_hours"`
	FeedPath            string  `json:"feed_path" yaml:"feed_path"`
	CronSpec            string  `json:"cron" yaml:"cron"`
	LogLevel            string  `json:"log_level" yaml:"log_level"`
	OTLPEndpoint        string  `json:"otlp_endpoint" yaml:"otlp_endpoint"`
}

// Defaults returns a Config with all default values set
func Defaults() Config {
	return Config{
		StartOffset:       12,
		PageSize:          12,
		PageDelayMS:       5000,
		PostDelayMS:       1000,
		MaxPages:          500,
		WordsPerMinute:    200,
		RequestTimeoutSec: 30,
		Retries:           2,
		UserAgent:         "newsletter-stats/1.0 (archive analyzer)",
		ScriptMarker:      "subscribers",
		DictionaryPath:    "/usr/share/dict/words",
		CacheTTLHours:     24,
		CronSpec:          "0 6 * * *",
		LogLevel:          "warn",
	}
}

// Validate checks that values are usable
func (c *Config) Validate() error {
	if c.PageSize <= 0 {
		return fmt.Errorf("page_size must be positive, got %d", c.PageSize)
	}
	if c.StartOffset < 0 {
		return fmt.Errorf("start_offset must not be negative, got %d", c.StartOffset)
	}
	if c.MaxPages <= 0 {
		return fmt.Errorf("max_pages must be positive, got %d", c.MaxPages)
	}
	if c.WordsPerMinute <= 0 {
		return fmt.Errorf("words_per_minute must be positive, got %v", c.WordsPerMinute)
	}
	if c.PageDelayMS < 0 || c.PostDelayMS < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	if c.Retries < 0 {
		return fmt.Errorf("retries must not be negative, got %d", c.Retries)
	}
	if c.ScriptMarker == "" {
		return fmt.Errorf("script_marker is required")
	}
	return nil
}

func (c *Config) PageDelay() time.Duration {
	return time.Duration(c.PageDelayMS) * time.Millisecond
}

func (c *Config) PostDelay() time.Duration {
	return time.Duration(c.PostDelayMS) * time.Millisecond
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLHours) * time.Hour
}

// SlogLevel maps log_level to a slog level, defaulting to warn
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// decodeConfig unmarshals data on top of out, picking the format from the file extension
func decodeConfig(path string, data []byte, out *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, out)
	default:
		return json5.Unmarshal(data, out)
	}
}

// localOverridePath returns <name>.local.<ext> for <name>.<ext>
func localOverridePath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + ".local" + ext
}

// loadConfigFromURL loads configuration from a remote URL with timeout
func loadConfigFromURL(url string) (*Config, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch config: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	config := Defaults()
	if err := json.Unmarshal(body, &config); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	return &config, nil
}

// loadConfigFromFile loads configuration from a local file, merging
// <name>.local.<ext> on top of it when present
func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	config := Defaults()
	if err := decodeConfig(path, data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	localPath := localOverridePath(path)
	localData, err := os.ReadFile(localPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if len(localData) > 0 {
		var override Config
		if err := decodeConfig(localPath, localData, &override); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", localPath, err)
		}
		if err := mergo.Merge(&config, override, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge local overrides: %w", err)
		}
		slog.Info("Merged config with local overrides", "local", localPath)
	}

	return &config, nil
}

// LoadConfig loads configuration with fallback priority:
// 1. Local file (NEWSLETTER_STATS_CONFIG or configPath)
// 2. Remote URL (if specified)
// 3. Built-in defaults
func LoadConfig(configPath, configURL string) (Config, error) {
	if envPath := os.Getenv(ConfigPathEnv); envPath != "" {
		configPath = envPath
	}

	var config *Config
	var err error

	if configPath != "" {
		slog.Debug("Loading config from local file", "path", configPath)
		config, err = loadConfigFromFile(configPath)
		if err != nil {
			slog.Warn("Failed to load local config, trying remote", "error", err)
		} else {
			slog.Info("Successfully loaded config from local file", "path", configPath)
		}
	}

	if config == nil && configURL != "" {
		slog.Debug("Loading config from remote URL", "url", configURL)
		config, err = loadConfigFromURL(configURL)
		if err != nil {
			slog.Warn("Failed to load remote config, using defaults", "error", err)
		} else {
			slog.Info("Successfully loaded config from remote URL", "url", configURL)
		}
	}

	if config == nil {
		slog.Debug("No configuration loaded, using defaults")
		defaults := Defaults()
		config = &defaults
	}

	if err := config.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return *config, nil
}
