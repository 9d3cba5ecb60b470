// Package cmd holds the pieces shared by the service entry points: the
// embedded configuration and the local-mode dependency set.
package cmd

import (
	_ "embed"
	"fmt"

	"github.com/tinywideclouds/go-presence-service/presenceservice/config"
	"gopkg.in/yaml.v3"
)

//go:embed prod/config.yaml
var configFile []byte

// Load parses the embedded configuration file (Stage 1). Environment
// overrides are applied by the caller.
func Load() (*config.AppConfig, error) {
	return LoadFrom(configFile)
}

// LoadFrom parses raw YAML into a base configuration.
func LoadFrom(raw []byte) (*config.AppConfig, error) {
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(raw, &yamlCfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal embedded yaml config: %w", err)
	}
	return config.NewConfigFromYaml(&yamlCfg)
}
