package config

import "time"

// Built-in defaults applied to zero-valued fields before validation.
const (
	DefaultWorkerCount             = 4
	DefaultActiveFiringsWarn       = 8
	DefaultGracefulShutdownTimeout = 30 * time.Second

	DefaultRecipeDir   = "./data/recipes"
	DefaultScriptDir   = "./scripts"
	DefaultArtifactDir = "./data/artifacts"

	DefaultScriptTimeout     = 10 * time.Minute
	DefaultArtifactRetention = 72 * time.Hour
	DefaultCleanupInterval   = 1 * time.Hour

	DefaultFilterTimeout    = 10 * time.Second
	DefaultTrackTimeout     = 5 * time.Second
	DefaultTokenTimeout     = 30 * time.Second
	DefaultTransportTimeout = 30 * time.Second
)

func (c *Config) applyDefaults() {
	if c.Engine.WorkerCount <= 0 {
		c.Engine.WorkerCount = DefaultWorkerCount
	}
	if c.Engine.ActiveFiringsWarn <= 0 {
		c.Engine.ActiveFiringsWarn = DefaultActiveFiringsWarn
	}
	if c.Engine.GracefulShutdownTimeout <= 0 {
		c.Engine.GracefulShutdownTimeout = DefaultGracefulShutdownTimeout
	}

	if c.Store.RecipeDir == "" {
		c.Store.RecipeDir = DefaultRecipeDir
	}

	if c.Audience.ScriptDir == "" {
		c.Audience.ScriptDir = DefaultScriptDir
	}
	if c.Audience.ArtifactDir == "" {
		c.Audience.ArtifactDir = DefaultArtifactDir
	}
	if c.Audience.ScriptTimeout <= 0 {
		c.Audience.ScriptTimeout = DefaultScriptTimeout
	}
	if c.Audience.ArtifactRetention <= 0 {
		c.Audience.ArtifactRetention = DefaultArtifactRetention
	}
	if c.Audience.CleanupInterval <= 0 {
		c.Audience.CleanupInterval = DefaultCleanupInterval
	}

	if c.Cadence.FilterTimeout <= 0 {
		c.Cadence.FilterTimeout = DefaultFilterTimeout
	}
	if c.Cadence.TrackTimeout <= 0 {
		c.Cadence.TrackTimeout = DefaultTrackTimeout
	}
	if c.Tokens.Timeout <= 0 {
		c.Tokens.Timeout = DefaultTokenTimeout
	}
	if c.Transport.Timeout <= 0 {
		c.Transport.Timeout = DefaultTransportTimeout
	}
}
