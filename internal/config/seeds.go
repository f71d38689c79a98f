package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Seeds lists repositories tracked at startup.
type Seeds struct {
	Repositories []RepositorySeed `yaml:"repositories"`
}

type RepositorySeed struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// LoadSeeds reads a YAML seed file. Environment variables are expanded in the
// path and in every value.
func LoadSeeds(path string) (Seeds, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return Seeds{}, fmt.Errorf("read repositories file: %w", err)
	}

	var seeds Seeds
	if err := yaml.Unmarshal(data, &seeds); err != nil {
		return Seeds{}, fmt.Errorf("parse repositories file: %w", err)
	}

	seen := make(map[string]bool, len(seeds.Repositories))
	for i := range seeds.Repositories {
		seed := &seeds.Repositories[i]
		seed.Name = strings.TrimSpace(os.ExpandEnv(seed.Name))
		seed.URL = strings.TrimSpace(os.ExpandEnv(seed.URL))
		if seed.URL == "" {
			return Seeds{}, fmt.Errorf("repositories[%d].url is required", i)
		}
		if seen[seed.URL] {
			return Seeds{}, fmt.Errorf("repositories[%d]: duplicate url %s", i, seed.URL)
		}
		seen[seed.URL] = true
	}
	return seeds, nil
}
