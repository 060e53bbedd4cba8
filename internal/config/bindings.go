package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Binding maps a physical compute unit to the serving process bound to it.
type Binding struct {
	UnitID         string   `yaml:"unit_id"`
	Endpoint       string   `yaml:"endpoint"`
	Families       []string `yaml:"families"`
	MaxConcurrency int      `yaml:"max_concurrency"`
}

// LoadBindings reads the instance binding file. Units discovered by the
// detector but absent from the file are still tracked; bindings only add
// endpoint and workload-family information.
func LoadBindings(path string) ([]Binding, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Bindings []Binding `yaml:"bindings"`
	}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("bindings: %w", err)
	}
	seen := make(map[string]bool, len(doc.Bindings))
	for _, bd := range doc.Bindings {
		if bd.UnitID == "" {
			return nil, fmt.Errorf("bindings: entry missing unit_id")
		}
		if seen[bd.UnitID] {
			return nil, fmt.Errorf("bindings: duplicate unit_id %q", bd.UnitID)
		}
		seen[bd.UnitID] = true
	}
	return doc.Bindings, nil
}
