package cli

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ConfigFile is the on-disk shape of a mosaic configuration: component
// definitions plus the root instance to build from them. Dependency
// descriptors may appear anywhere inside defaults and config trees.
type ConfigFile struct {
	Components []ComponentSpec `yaml:"components"`
	Root       *RootSpec       `yaml:"root"`
}

// ComponentSpec declares one registrable component.
type ComponentSpec struct {
	Name     string         `yaml:"name"`
	Version  string         `yaml:"version,omitempty"`
	Defaults map[string]any `yaml:"defaults,omitempty"`
}

// RootSpec names the component to instantiate and its raw configuration.
type RootSpec struct {
	Component string         `yaml:"component"`
	Config    map[string]any `yaml:"config,omitempty"`
}

// LoadConfig reads and parses one configuration file.
func LoadConfig(path string) (*ConfigFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("read %s", path), err)
	}
	var cfg ConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("parse %s", path), err)
	}
	return &cfg, nil
}
