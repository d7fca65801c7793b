package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Manifest is the pipeline description, usually pipeline.yaml next to the
// build tree. Stages are listed in execution order.
type Manifest struct {
	Stages []StageEntry `yaml:"stages"`
}

// StageEntry describes one pipeline stage as written by the user.
type StageEntry struct {
	ID       string            `yaml:"id"`
	Kind     string            `yaml:"kind"`
	Output   string            `yaml:"output"`
	Requests []string          `yaml:"requests"`
	Inputs   []string          `yaml:"inputs"`
	Upstream []string          `yaml:"upstream"`
	Params   map[string]string `yaml:"params"`
	Required []string          `yaml:"required"`
	Overlay  []string          `yaml:"overlay"`
}

// pathParams are stage params holding host paths.
var pathParams = []string{"config", "init", "src"}

// LoadManifest parses a pipeline manifest. Relative input, overlay, output
// and path-valued param paths are resolved against the manifest's
// directory.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.resolvePaths(filepath.Dir(path))
	return m, nil
}

// ParseManifest decodes manifest YAML and checks the fields every stage needs.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if len(m.Stages) == 0 {
		return nil, fmt.Errorf("manifest declares no stages")
	}
	seen := make(map[string]bool)
	for i, s := range m.Stages {
		if s.ID == "" {
			return nil, fmt.Errorf("stage %d has no id", i)
		}
		if s.Kind == "" {
			return nil, fmt.Errorf("stage %q has no kind", s.ID)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("stage %q declared twice", s.ID)
		}
		seen[s.ID] = true
	}
	return &m, nil
}

func (m *Manifest) resolvePaths(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	for i := range m.Stages {
		s := &m.Stages[i]
		s.Output = abs(s.Output)
		for j := range s.Inputs {
			s.Inputs[j] = abs(s.Inputs[j])
		}
		for j := range s.Overlay {
			s.Overlay[j] = abs(s.Overlay[j])
		}
		for _, k := range pathParams {
			if v, ok := s.Params[k]; ok {
				s.Params[k] = abs(v)
			}
		}
	}
}

// Stage returns the entry with the given id.
func (m *Manifest) Stage(id string) (StageEntry, bool) {
	for _, s := range m.Stages {
		if s.ID == id {
			return s, true
		}
	}
	return StageEntry{}, false
}
