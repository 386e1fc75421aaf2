// Package config provides configuration management for the Grok-to-OpenAI
// gateway. It handles loading and parsing the YAML configuration file and
// provides structured access to server, store, timeout, and per-request
// default settings.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Host is the network interface the API server binds to.
	Host string `yaml:"host" json:"host"`
	// Port is the network port on which the API server will listen.
	Port int `yaml:"port" json:"port"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug" json:"debug"`
	// LoggingToFile controls whether application logs are also written to a dated file under logs/, in addition to stdout.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// StorePath is the bbolt database file backing the conversation store.
	StorePath string `yaml:"store-path" json:"store-path"`

	// UpstreamBaseURL is the Grok host session operations (I) are issued against.
	UpstreamBaseURL string `yaml:"upstream-base-url" json:"upstream-base-url"`
	// AssetBaseURL is the public base URL used to build proxy image/video paths (§4.A).
	// When empty, handlers fall back to the incoming request's own origin.
	AssetBaseURL string `yaml:"asset-base-url" json:"asset-base-url"`

	// Timeouts holds the three-tier stream timeout applied to every request; request bodies do not override it.
	Timeouts TimeoutConfig `yaml:"timeouts" json:"timeouts"`

	// Defaults holds the per-request rendering defaults applied when a request omits them.
	Defaults RequestDefaults `yaml:"defaults" json:"defaults"`

	// StoreRetention controls expiry-cleanup and per-token row trimming.
	StoreRetention StoreRetentionConfig `yaml:"store-retention" json:"store-retention"`
}

// TimeoutConfig mirrors grok.Settings' three timeout tiers, in milliseconds.
type TimeoutConfig struct {
	FirstByteMs  int64 `yaml:"first-byte-ms" json:"first-byte-ms"`
	InterChunkMs int64 `yaml:"inter-chunk-ms" json:"inter-chunk-ms"`
	TotalMs      int64 `yaml:"total-ms" json:"total-ms"`
}

// RequestDefaults mirrors grok.Settings' rendering toggles.
type RequestDefaults struct {
	ShowThinking       bool     `yaml:"show-thinking" json:"show-thinking"`
	ShowSearch         bool     `yaml:"show-search" json:"show-search"`
	FilteredTags       []string `yaml:"filtered-tags" json:"filtered-tags"`
	VideoPosterPreview bool     `yaml:"video-poster-preview" json:"video-poster-preview"`
}

// StoreRetentionConfig controls the conversation store's expiry cleanup (the
// background janitor and the cleanup endpoint) and the per-token trim applied
// after each conversation upsert.
type StoreRetentionConfig struct {
	CleanupIntervalSeconds int `yaml:"cleanup-interval-seconds" json:"cleanup-interval-seconds"`
	CleanupBatchLimit      int `yaml:"cleanup-batch-limit" json:"cleanup-batch-limit"`
	KeepPerToken           int `yaml:"keep-per-token" json:"keep-per-token"`
}

// defaults applied before YAML unmarshal so that absent keys keep sane values.
func defaultConfig() Config {
	return Config{
		Host:      "0.0.0.0",
		Port:      8317,
		StorePath: "data/conversations.bolt",
		Timeouts: TimeoutConfig{
			FirstByteMs:  15000,
			InterChunkMs: 30000,
			TotalMs:      300000,
		},
		Defaults: RequestDefaults{
			ShowThinking: true,
			ShowSearch:   true,
		},
		StoreRetention: StoreRetentionConfig{
			CleanupIntervalSeconds: 3600,
			CleanupBatchLimit:      200,
			KeepPerToken:           20,
		},
	}
}

// LoadConfig reads a YAML configuration file from the given path, unmarshals
// it into a Config struct (pre-seeded with defaults), and returns it.
func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaultConfig()
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}
