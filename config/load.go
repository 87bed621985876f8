package config

import (
	"fmt"

	"nat2d/utils"
)

// Load reads and validates the configuration document at path.
func Load(path string) (*Config, error) {
	cfg, err := utils.ReadJSONFile[Config](path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
