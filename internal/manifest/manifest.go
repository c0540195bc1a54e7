// Package manifest loads a declarative experiment description: the runs,
// ensembles, data-exchange service, and connections to orchestrate. Working
// directories listed here are expected to be already generated; the
// orchestration core never creates or validates their contents.
package manifest

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/musterhq/muster/internal/model"
)

// RunSpec describes one launchable process.
type RunSpec struct {
	Name         string            `yaml:"name"`
	Exe          string            `yaml:"exe"`
	Args         []string          `yaml:"args"`
	Dir          string            `yaml:"dir"`
	Env          map[string]string `yaml:"env"`
	Nodes        int               `yaml:"nodes"`
	TasksPerNode int               `yaml:"tasks_per_node"`
	Allocation   string            `yaml:"allocation"`
}

// EnsembleSpec describes an ordered group of runs. Members inherit the
// ensemble allocation unless they set their own.
type EnsembleSpec struct {
	Name       string    `yaml:"name"`
	Allocation string    `yaml:"allocation"`
	Members    []RunSpec `yaml:"members"`
}

// ExchangeSpec describes the experiment's data-exchange service.
type ExchangeSpec struct {
	Clustered     bool              `yaml:"clustered"`
	Allocation    string            `yaml:"allocation"`
	Path          string            `yaml:"path"`
	Port          int               `yaml:"port"`
	Nodes         int               `yaml:"nodes"`
	ShardsPerNode int               `yaml:"shards_per_node"`
	Options       map[string]string `yaml:"options"`
}

// ConnectionSpec is one producer -> consumer routing intent.
type ConnectionSpec struct {
	Producer string `yaml:"producer"`
	Consumer string `yaml:"consumer"`
}

// Manifest is the top-level experiment description.
type Manifest struct {
	Name        string           `yaml:"name"`
	Runs        []RunSpec        `yaml:"runs"`
	Ensembles   []EnsembleSpec   `yaml:"ensembles"`
	Exchange    *ExchangeSpec    `yaml:"exchange"`
	Connections []ConnectionSpec `yaml:"connections"`
}

// Load reads and validates a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates manifest bytes.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("manifest: experiment name is required")
	}
	if err := m.validateNames(); err != nil {
		return nil, err
	}
	return &m, nil
}

// validateNames enforces unique entity names across runs and ensemble
// members. Connection endpoints are deliberately not checked: routing may
// be registered against entities that are created later.
func (m *Manifest) validateNames() error {
	seen := make(map[string]bool)
	claim := func(name, what string) error {
		if name == "" {
			return fmt.Errorf("manifest: %s with empty name", what)
		}
		if seen[name] {
			return fmt.Errorf("%w: manifest: duplicate entity name %q", model.ErrAlreadyExists, name)
		}
		seen[name] = true
		return nil
	}

	for _, r := range m.Runs {
		if err := claim(r.Name, "run"); err != nil {
			return err
		}
	}
	for _, e := range m.Ensembles {
		if err := claim(e.Name, "ensemble"); err != nil {
			return err
		}
		for _, r := range e.Members {
			if err := claim(r.Name, "ensemble member"); err != nil {
				return err
			}
		}
	}
	return nil
}

// Entities builds the run and ensemble entities described by the manifest.
// The exchange service is not included: it needs a launcher and is created
// through the exchange manager.
func (m *Manifest) Entities() ([]model.Entity, error) {
	var entities []model.Entity
	for _, r := range m.Runs {
		entities = append(entities, &model.Run{Name: r.Name, Settings: r.settings("")})
	}
	for _, e := range m.Ensembles {
		ens := model.NewEnsemble(e.Name)
		for _, r := range e.Members {
			if err := ens.AddMember(&model.Run{Name: r.Name, Settings: r.settings(e.Allocation)}); err != nil {
				return nil, fmt.Errorf("ensemble %q: %w", e.Name, err)
			}
		}
		entities = append(entities, ens)
	}
	return entities, nil
}

func (r RunSpec) settings(inheritedAlloc string) model.RunSettings {
	alloc := r.Allocation
	if alloc == "" {
		alloc = inheritedAlloc
	}
	return model.RunSettings{
		Exe:          r.Exe,
		Args:         r.Args,
		Dir:          r.Dir,
		Env:          r.Env,
		Nodes:        r.Nodes,
		TasksPerNode: r.TasksPerNode,
		AllocID:      alloc,
	}
}
