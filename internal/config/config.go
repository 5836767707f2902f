// Package config loads process configuration from the environment. Runtime-
// mutable settings live in the settings package; everything here is fixed for
// the lifetime of the process.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Defaults applied when the corresponding environment variable is unset.
const (
	DefaultMemoryMaxStorageTokens = 200000
	DefaultMemoryMaxReturnTokens  = 200000
	DefaultRequestTimeout         = 30 * time.Second
	DefaultProviderTimeout        = 5 * time.Minute
	DefaultBrowserIdleTimeout     = 5 * time.Minute
)

// Config is the environment-derived process configuration.
type Config struct {
	// DatabaseURL is the Postgres connection string (required).
	DatabaseURL string

	// Provider API keys. At least one must be set.
	AnthropicAPIKey string
	OpenAIAPIKey    string

	// VisionModel is "provider:model_id" or empty; overridable at runtime
	// via the vision_model setting.
	VisionModel string

	// CoordinateBackend selects the VNC coordinate backend ("vision" or
	// "showui"); overridable at runtime.
	CoordinateBackend string

	// MemoryMaxStorageTokens caps the total token footprint of stored
	// memories; MemoryMaxReturnTokens caps what a single search returns.
	MemoryMaxStorageTokens int
	MemoryMaxReturnTokens  int

	// FilesDir is the root directory for per-session attachment storage.
	FilesDir string

	// WorkspaceDir is the root the filesystem tools are confined to.
	WorkspaceDir string

	// ListenAddr is the gateway bind address.
	ListenAddr string

	RequestTimeout     time.Duration
	ProviderTimeout    time.Duration
	BrowserIdleTimeout time.Duration
}

var errNoProviderKey = errors.New("config: at least one provider API key is required (ANTHROPIC_API_KEY or OPENAI_API_KEY)")

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		AnthropicAPIKey:        os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:           os.Getenv("OPENAI_API_KEY"),
		VisionModel:            os.Getenv("VISION_MODEL"),
		CoordinateBackend:      envOr("VNC_COORDINATE_BACKEND", "vision"),
		MemoryMaxStorageTokens: envInt("MEMORY_MAX_STORAGE_TOKENS", DefaultMemoryMaxStorageTokens),
		MemoryMaxReturnTokens:  envInt("MEMORY_MAX_RETURN_TOKENS", DefaultMemoryMaxReturnTokens),
		FilesDir:               envOr("FILES_DIR", "./data/files"),
		WorkspaceDir:           envOr("WORKSPACE_DIR", "."),
		ListenAddr:             envOr("LISTEN_ADDR", ":8790"),
		RequestTimeout:         envDuration("REQUEST_TIMEOUT", DefaultRequestTimeout),
		ProviderTimeout:        envDuration("PROVIDER_TIMEOUT", DefaultProviderTimeout),
		BrowserIdleTimeout:     envDuration("BROWSER_IDLE_TIMEOUT", DefaultBrowserIdleTimeout),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("config: DATABASE_URL is required")
	}
	if cfg.AnthropicAPIKey == "" && cfg.OpenAIAPIKey == "" {
		return nil, errNoProviderKey
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
