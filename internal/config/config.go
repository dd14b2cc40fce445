// Package config loads threadlens settings from a YAML file with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bryan-buckman/threadlens/internal/model"
	"gopkg.in/yaml.v3"
)

// Config holds all threadlens configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Source   SourceConfig   `yaml:"source"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Oracle   OracleConfig   `yaml:"oracle"`
	Classify ClassifyConfig `yaml:"classify"`
	Events   EventsConfig   `yaml:"events"`
	Logging  LoggingConfig  `yaml:"logging"`

	// Communities seeds the tracked community list.
	Communities []CommunitySeed `yaml:"communities"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	PollInterval time.Duration `yaml:"poll_interval"`
	AutoClassify bool          `yaml:"auto_classify"`
}

// StoreConfig selects the storage backend.
type StoreConfig struct {
	Driver  string        `yaml:"driver"` // sqlite, postgres, mongo
	DSN     string        `yaml:"dsn"`
	Timeout time.Duration `yaml:"timeout"`
}

// SourceConfig configures the Reddit client.
type SourceConfig struct {
	Kind         string        `yaml:"kind"` // json, rss
	BaseURL      string        `yaml:"base_url"`
	UserAgent    string        `yaml:"user_agent"`
	Delay        time.Duration `yaml:"delay"`
	MaxAttempts  int           `yaml:"max_attempts"`
	Timeout      time.Duration `yaml:"timeout"`
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
}

// IngestConfig configures freshness and ingestion.
type IngestConfig struct {
	FreshnessWindow time.Duration `yaml:"freshness_window"`
	RecencyWindow   time.Duration `yaml:"recency_window"`
	FetchLimit      int           `yaml:"fetch_limit"`
}

// OracleConfig configures the categorization oracle.
type OracleConfig struct {
	Provider    string        `yaml:"provider"` // openai, gemini
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	BaseURL     string        `yaml:"base_url"`
	Temperature *float32      `yaml:"temperature"` // nil uses the provider default
	Timeout     time.Duration `yaml:"timeout"`
}

// ClassifyConfig configures the classifier.
type ClassifyConfig struct {
	Workers        int    `yaml:"workers"`
	CategoriesFile string `yaml:"categories_file"`
}

// EventsConfig configures NATS publishing. An empty URL disables it.
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// CommunitySeed names a community to track.
type CommunitySeed struct {
	Name        string `yaml:"name"`
	DisplayName string `yaml:"display_name"`
}

// ValidDrivers lists the supported store drivers.
var ValidDrivers = []string{"sqlite", "postgres", "mongo"}

// ValidProviders lists the supported oracle providers.
var ValidProviders = []string{"openai", "gemini"}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			PollInterval: 30 * time.Minute,
		},
		Store: StoreConfig{
			Driver:  "sqlite",
			DSN:     "threadlens.db",
			Timeout: 10 * time.Second,
		},
		Source: SourceConfig{
			Kind:        "json",
			UserAgent:   "threadlens/1.0",
			Delay:       time.Second,
			MaxAttempts: 3,
			Timeout:     30 * time.Second,
		},
		Ingest: IngestConfig{
			FreshnessWindow: 24 * time.Hour,
			RecencyWindow:   24 * time.Hour,
			FetchLimit:      100,
		},
		Oracle: OracleConfig{
			Provider: "openai",
			Model:    "gpt-4o-mini",
			Timeout:  60 * time.Second,
		},
		Classify: ClassifyConfig{
			Workers: 4,
		},
		Events: EventsConfig{
			SubjectPrefix: "threadlens",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Communities: []CommunitySeed{
			{Name: "openai", DisplayName: "r/openai"},
			{Name: "ollama", DisplayName: "r/ollama"},
		},
	}
}

// Load reads configuration from path. A missing file yields the defaults.
// Environment variables override file values.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("THREADLENS_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("THREADLENS_DB"); v != "" {
		c.Store.Driver = "sqlite"
		c.Store.DSN = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Store.Driver = "postgres"
		c.Store.DSN = v
	}
	if v := os.Getenv("MONGO_URI"); v != "" {
		c.Store.Driver = "mongo"
		c.Store.DSN = v
	}

	if v := os.Getenv("REDDIT_USER_AGENT"); v != "" {
		c.Source.UserAgent = v
	}
	if v := os.Getenv("REDDIT_CLIENT_ID"); v != "" {
		c.Source.ClientID = v
	}
	if v := os.Getenv("REDDIT_CLIENT_SECRET"); v != "" {
		c.Source.ClientSecret = v
	}
	if v := os.Getenv("REDDIT_USERNAME"); v != "" {
		c.Source.Username = v
	}
	if v := os.Getenv("REDDIT_PASSWORD"); v != "" {
		c.Source.Password = v
	}

	switch {
	case os.Getenv("OPENAI_API_KEY") != "":
		c.Oracle.Provider = "openai"
		c.Oracle.APIKey = os.Getenv("OPENAI_API_KEY")
	case os.Getenv("GEMINI_API_KEY") != "":
		c.Oracle.Provider = "gemini"
		c.Oracle.APIKey = os.Getenv("GEMINI_API_KEY")
		if strings.HasPrefix(c.Oracle.Model, "gpt-") {
			c.Oracle.Model = "gemini-2.5-flash"
		}
	}
	if v := os.Getenv("OPENAI_MODEL"); v != "" && c.Oracle.Provider == "openai" {
		c.Oracle.Model = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" && c.Oracle.Provider == "openai" {
		c.Oracle.BaseURL = v
	}

	if v := os.Getenv("NATS_URL"); v != "" {
		c.Events.NATSURL = v
	}
	if v := os.Getenv("THREADLENS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks the configuration for values the services cannot run with.
func (c *Config) Validate() error {
	if !contains(ValidDrivers, c.Store.Driver) {
		return fmt.Errorf("invalid store driver: %s (valid: %v)", c.Store.Driver, ValidDrivers)
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store dsn is required")
	}
	if c.Source.Kind != "json" && c.Source.Kind != "rss" {
		return fmt.Errorf("invalid source kind: %s (valid: json, rss)", c.Source.Kind)
	}
	if !contains(ValidProviders, c.Oracle.Provider) {
		return fmt.Errorf("invalid oracle provider: %s (valid: %v)", c.Oracle.Provider, ValidProviders)
	}
	if c.Ingest.FreshnessWindow <= 0 {
		return fmt.Errorf("freshness_window must be positive")
	}
	if c.Ingest.RecencyWindow <= 0 {
		return fmt.Errorf("recency_window must be positive")
	}
	if c.Ingest.FetchLimit <= 0 {
		return fmt.Errorf("fetch_limit must be positive")
	}
	if c.Source.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive")
	}
	if t := c.Oracle.Temperature; t != nil && (*t < 0 || *t > 2) {
		return fmt.Errorf("oracle temperature must be between 0 and 2")
	}
	if c.Classify.Workers <= 0 {
		return fmt.Errorf("classify workers must be positive")
	}
	for _, s := range c.Communities {
		if model.NormalizeCommunity(s.Name) == "" {
			return fmt.Errorf("community seed with empty name")
		}
	}
	return nil
}

// RequireOracle reports a missing oracle API key.
func (c *Config) RequireOracle() error {
	if c.Oracle.APIKey == "" {
		return fmt.Errorf("oracle API key not configured (set OPENAI_API_KEY or GEMINI_API_KEY)")
	}
	return nil
}

// Seeds returns the configured communities with names normalized and
// display names defaulted.
func (c *Config) Seeds() []CommunitySeed {
	seeds := make([]CommunitySeed, 0, len(c.Communities))
	for _, s := range c.Communities {
		name := model.NormalizeCommunity(s.Name)
		if name == "" {
			continue
		}
		display := s.DisplayName
		if display == "" {
			display = model.DisplayNameFor(name)
		}
		seeds = append(seeds, CommunitySeed{Name: name, DisplayName: display})
	}
	return seeds
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
