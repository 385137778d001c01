package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// LoadFromTOML loads a layered-defaults config file. Unlike LoadFromEnv it
// does not apply defaults or validate — those happen once, after the
// environment has had a chance to override file values.
func LoadFromTOML(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse TOML config %s: %w", path, err)
	}
	return &cfg, nil
}

// DumpYAML renders the resolved configuration as YAML.
func DumpYAML(cfg *Config) (string, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to render config as YAML: %w", err)
	}
	return string(data), nil
}

// WriteYAML writes the resolved configuration as YAML to the given path.
func WriteYAML(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to render config as YAML: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
