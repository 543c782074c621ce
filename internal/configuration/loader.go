package configuration

import (
	"log/slog"

	"gossipmesh/internal/configuration/util"

	"gopkg.in/yaml.v3"
)

// Load returns the defaults overlaid with the YAML file at path. An empty
// path means run on defaults alone; a named file that is missing or
// malformed is an error.
func Load(path string) (*Properties, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := util.LoadAndExpandYaml(path)
	if err != nil {
		slog.Error("Error loading config", "Error", err.Error())
		return nil, err
	}

	if err := yaml.Unmarshal([]byte(raw), cfg); err != nil {
		slog.Error("Error parsing config", "Error", err.Error())
		return nil, err
	}

	return cfg, nil
}
