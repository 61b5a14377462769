// Package config loads and validates the engine configuration from
// pushpilot.yaml, with environment variables expanded via {{.VAR}} template
// syntax. Invalid configuration is a startup failure: the process exits
// non-zero rather than running with a broken setup.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully loaded and validated engine configuration.
type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	Store     StoreConfig     `yaml:"store"`
	Audience  AudienceConfig  `yaml:"audience"`
	Cadence   CadenceConfig   `yaml:"cadence"`
	Tokens    TokensConfig    `yaml:"tokens"`
	Transport TransportConfig `yaml:"transport"`
}

// EngineConfig groups scheduler and lifecycle settings.
type EngineConfig struct {
	// WorkerCount is the firing worker pool size. One firing occupies one
	// worker for its whole lifetime.
	WorkerCount int `yaml:"worker_count"`

	// ActiveFiringsWarn is the active-firing count above which health
	// reports degraded.
	ActiveFiringsWarn int `yaml:"active_firings_warn"`

	// GracefulShutdownTimeout bounds the drain of in-flight firings at
	// shutdown.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// StoreConfig locates the recipe store.
type StoreConfig struct {
	// RecipeDir is the directory holding one JSON file per recipe.
	RecipeDir string `yaml:"recipe_dir"`

	// DeepLinkRootHost is the whitelist root for step deep links: a link
	// host must equal it or be one of its sub-domains.
	DeepLinkRootHost string `yaml:"deep_link_root_host"`
}

// AudienceConfig controls audience script execution and artifact handling.
type AudienceConfig struct {
	ScriptDir     string        `yaml:"script_dir"`
	ArtifactDir   string        `yaml:"artifact_dir"`
	ScriptTimeout time.Duration `yaml:"script_timeout"`

	// ArtifactRetention is the maximum artifact age before the cleanup
	// loop removes it. CleanupInterval is how often the loop runs.
	ArtifactRetention time.Duration `yaml:"artifact_retention"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
}

// CadenceConfig locates the external cadence service.
type CadenceConfig struct {
	BaseURL       string        `yaml:"base_url"`
	FilterTimeout time.Duration `yaml:"filter_timeout"`
	TrackTimeout  time.Duration `yaml:"track_timeout"`
}

// TokensConfig locates the device token service.
type TokensConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// TransportConfig locates the push delivery backend.
type TransportConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// ConfigFileName is the expected file name inside the config directory.
const ConfigFileName = "pushpilot.yaml"

// Initialize loads, defaults, and validates the configuration from
// configDir. This is the primary entry point for configuration loading.
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	path := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewLoadError(ConfigFileName, err)
	}

	data = ExpandEnv(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, NewLoadError(ConfigFileName, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized successfully",
		"workers", cfg.Engine.WorkerCount,
		"recipe_dir", cfg.Store.RecipeDir,
		"artifact_dir", cfg.Audience.ArtifactDir)
	return &cfg, nil
}
