package domain

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadCascadeYAML decodes a cascade definition file into a validated
// Cascade. Per §6.6, cascade files are normally loaded and validated by the
// embedder before reaching the scheduler; this helper exists for embedders
// that want a ready-made entry point rather than hand-rolling YAML decoding.
func LoadCascadeYAML(path string) (*Cascade, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("domain: read cascade file: %w", err)
	}
	var c Cascade
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("domain: parse cascade file %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
