// Package config loads, defaults, and validates the TarnFS daemon
// configuration, and provides the factories that construct stores from
// their typed sections.
//
// Sources in order of precedence: environment variables (TARNFS_*),
// the configuration file (YAML), then built-in defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete daemon configuration.
//
// Store configuration pattern: the Type field of each store section
// selects the implementation, and only the matching type-specific
// sub-section is decoded. This keeps store options out of the shared
// schema; each backend owns its own knobs.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Server   ServerConfig   `mapstructure:"server"`
	Metadata MetadataConfig `mapstructure:"metadata"`
	Content  ContentConfig  `mapstructure:"content"`
	Adapters AdaptersConfig `mapstructure:"adapters"`
	GC       GCConfig       `mapstructure:"gc"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is the minimum level to emit: DEBUG, INFO, WARN, ERROR.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Output is "stdout", "stderr", or a file path.
	Output string `mapstructure:"output" validate:"required"`
}

// ServerConfig contains server-wide settings.
type ServerConfig struct {
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`
}

// MetadataConfig selects and configures the metadata store.
type MetadataConfig struct {
	// Type selects the implementation. Valid values: sqlite.
	Type string `mapstructure:"type" validate:"required,oneof=sqlite"`

	// SQLite holds sqlite-specific options; used when Type = "sqlite".
	SQLite map[string]any `mapstructure:"sqlite"`
}

// ContentConfig selects and configures the content store.
type ContentConfig struct {
	// Type selects the implementation: filesystem, memory, or s3.
	Type string `mapstructure:"type" validate:"required,oneof=filesystem memory s3"`

	Filesystem map[string]any `mapstructure:"filesystem"`
	Memory     map[string]any `mapstructure:"memory"`
	S3         map[string]any `mapstructure:"s3"`
}

// AdaptersConfig contains the protocol adapter configurations.
type AdaptersConfig struct {
	HTTP HTTPAdapterConfig `mapstructure:"http"`
}

// HTTPAdapterConfig configures the HTTP/2 protocol adapter.
type HTTPAdapterConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// ListenAddr is the TCP address to bind, e.g. ":7530".
	ListenAddr string `mapstructure:"listen_addr"`

	// RequestsPerSecond caps the sustained request rate across all
	// clients. Zero disables rate limiting.
	RequestsPerSecond uint `mapstructure:"requests_per_second"`

	// Burst is the token bucket capacity; zero defaults to the
	// sustained rate.
	Burst uint `mapstructure:"burst"`
}

// GCConfig configures the blob release collector.
type GCConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Interval  time.Duration `mapstructure:"interval" validate:"gte=0"`
	BatchSize int           `mapstructure:"batch_size" validate:"gte=0"`
}

// MetricsConfig enables the Prometheus registry.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// ListenAddr serves the /metrics endpoint when metrics are
	// enabled, e.g. ":9100".
	ListenAddr string `mapstructure:"listen_addr"`
}

// Load reads the configuration from configPath (required when
// non-empty; otherwise ./tarnfs.yaml is tried and missing files fall
// back to pure defaults), layers environment variables on top, applies
// defaults, and validates.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("TARNFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("tarnfs")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// No file anywhere on the search path: defaults only.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}
