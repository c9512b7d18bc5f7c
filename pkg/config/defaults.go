package config

import (
	"strings"
	"time"
)

// ApplyDefaults fills unset fields with production defaults. Explicit
// values are preserved; only zero values are replaced.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Metadata.Type == "" {
		cfg.Metadata.Type = "sqlite"
	}
	if cfg.Metadata.SQLite == nil {
		cfg.Metadata.SQLite = make(map[string]any)
	}

	if cfg.Content.Type == "" {
		cfg.Content.Type = "filesystem"
	}
	if cfg.Content.Filesystem == nil {
		cfg.Content.Filesystem = make(map[string]any)
	}
	if cfg.Content.Memory == nil {
		cfg.Content.Memory = make(map[string]any)
	}
	if cfg.Content.S3 == nil {
		cfg.Content.S3 = make(map[string]any)
	}

	if !cfg.Adapters.HTTP.Enabled && cfg.Adapters.HTTP.ListenAddr == "" {
		cfg.Adapters.HTTP.Enabled = true
	}
	if cfg.Adapters.HTTP.ListenAddr == "" {
		cfg.Adapters.HTTP.ListenAddr = ":7530"
	}

	if cfg.GC.Interval == 0 {
		cfg.GC.Interval = time.Minute
	}
	if cfg.GC.BatchSize == 0 {
		cfg.GC.BatchSize = 256
	}

	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9100"
	}
}
