package data

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SpawnEntry describes a group of entities that share one state tree.
type SpawnEntry struct {
	Name         string             `yaml:"name"`
	Asset        string             `yaml:"asset"`
	AutoStart    *bool              `yaml:"auto_start"` // default true
	AutoRestart  bool               `yaml:"auto_restart"`
	TickInterval float64            `yaml:"tick_interval"` // seconds, 0 = fixed step
	Vars         map[string]float64 `yaml:"vars"`
	Count        int                `yaml:"count"` // default 1
}

// Starts reports whether entities of this entry start their tree on bind.
func (e *SpawnEntry) Starts() bool {
	return e.AutoStart == nil || *e.AutoStart
}

// Scene is the list of entities spawned at boot.
type Scene struct {
	Entities []SpawnEntry `yaml:"entities"`
}

// Count returns the total number of entities the scene spawns.
func (s *Scene) Count() int {
	n := 0
	for i := range s.Entities {
		n += s.Entities[i].Count
	}
	return n
}

// LoadScene loads scene.yaml.
func LoadScene(path string) (*Scene, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scene: %w", err)
	}
	return ParseScene(raw)
}

func ParseScene(raw []byte) (*Scene, error) {
	var s Scene
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse scene: %w", err)
	}
	var errs []error
	for i := range s.Entities {
		e := &s.Entities[i]
		if e.Asset == "" {
			errs = append(errs, fmt.Errorf("scene entry %d (%s): asset is required", i, e.Name))
		}
		if e.Count < 0 {
			errs = append(errs, fmt.Errorf("scene entry %d (%s): count must not be negative", i, e.Name))
		}
		if e.Count == 0 {
			e.Count = 1
		}
		if e.TickInterval < 0 {
			e.TickInterval = 0
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &s, nil
}
