package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks the configuration via struct tags plus the rules
// tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if !cfg.Adapters.HTTP.Enabled {
		return fmt.Errorf("adapters: the http adapter must be enabled")
	}

	switch cfg.Metadata.Type {
	case "sqlite":
		if _, ok := cfg.Metadata.SQLite["path"].(string); !ok || cfg.Metadata.SQLite["path"] == "" {
			return fmt.Errorf("metadata.sqlite: path is required")
		}
	}

	if cfg.Content.Type == "filesystem" {
		if _, ok := cfg.Content.Filesystem["path"].(string); !ok || cfg.Content.Filesystem["path"] == "" {
			return fmt.Errorf("content.filesystem: path is required")
		}
	}

	return nil
}

// formatValidationError reduces validator's error list to the first
// failure with enough context to fix it.
func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		e := verrs[0]
		return fmt.Errorf("%s: validation failed on %q (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
