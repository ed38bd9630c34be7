package plugin

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// RegistryConfig describes the function policies applied by a registry.
type RegistryConfig struct {
	Defaults Policy               `yaml:"defaults"`
	Sets     map[string]SetConfig `yaml:"sets"`
}

// SetConfig is the configuration block for a single function set.
type SetConfig struct {
	Policy *Policy `yaml:"policy"`
}

// LoadRegistryConfig reads a YAML file into a RegistryConfig.
func LoadRegistryConfig(path string) (RegistryConfig, error) {
	var cfg RegistryConfig
	if path == "" {
		return cfg, errors.New("config path cannot be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read plugin config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal plugin config: %w", err)
	}
	if cfg.Sets == nil {
		cfg.Sets = map[string]SetConfig{}
	}
	return cfg, cfg.Validate()
}

// Validate ensures the registry configuration is internally consistent.
func (c RegistryConfig) Validate() error {
	seen := make(map[string]string, len(c.Sets))
	for name := range c.Sets {
		if strings.TrimSpace(name) == "" {
			return errors.New("function set name cannot be empty")
		}
		key := normalize(name)
		if other, dup := seen[key]; dup {
			return fmt.Errorf("function sets %s and %s differ only by case", other, name)
		}
		seen[key] = name
	}
	return nil
}
