package router

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest describes one workflow package on disk.
type Manifest struct {
	Metadata     Metadata     `yaml:"metadata"`
	Runtime      RuntimeSpec  `yaml:"runtime"`
	Capabilities Capabilities `yaml:"capabilities"`
	Permissions  []string     `yaml:"permissions"`
}

type Metadata struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description"`
	Author      string   `yaml:"author"`
	Tags        []string `yaml:"tags,omitempty"`
}

type RuntimeSpec struct {
	Mode        string `yaml:"mode"`
	Module      string `yaml:"module"`
	Entrypoint  string `yaml:"entrypoint"`
	HostVersion string `yaml:"host_version"`
}

type Capabilities struct {
	Bus BusSpec `yaml:"bus"`
}

type BusSpec struct {
	Publish []string `yaml:"publish,omitempty"`
}

// LoadManifest reads a workflow manifest from disk.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// ValidateManifest ensures the manifest carries the required fields.
func ValidateManifest(m Manifest) error {
	if m.Metadata.Name == "" {
		return fmt.Errorf("metadata.name is required")
	}
	if m.Metadata.Version == "" {
		return fmt.Errorf("metadata.version is required")
	}
	switch m.Runtime.Mode {
	case "wasm":
		if m.Runtime.Module == "" {
			return fmt.Errorf("runtime.module is required for wasm")
		}
		if m.Runtime.Entrypoint == "" {
			return fmt.Errorf("runtime.entrypoint is required for wasm")
		}
	case "":
		return fmt.Errorf("runtime.mode is required")
	default:
		return fmt.Errorf("runtime.mode %q not supported", m.Runtime.Mode)
	}
	return nil
}
