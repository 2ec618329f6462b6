package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// YAMLProvider implements ConfigProvider for YAML file configuration
type YAMLProvider struct {
	path string
}

// NewYAMLProvider creates a new YAML configuration provider
func NewYAMLProvider(path string) *YAMLProvider {
	return &YAMLProvider{path: path}
}

// LoadConfig loads the complete configuration from the YAML file.
// Values absent from the file keep their defaults.
func (y *YAMLProvider) LoadConfig() (*ConfigData, error) {
	raw, err := os.ReadFile(y.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", y.path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", y.path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", y.path, err)
	}

	return cfg, nil
}

// IsReadOnly returns true; YAML configuration is never written back
func (y *YAMLProvider) IsReadOnly() bool {
	return true
}

// Close is a no-op for YAML configuration
func (y *YAMLProvider) Close() error {
	return nil
}
