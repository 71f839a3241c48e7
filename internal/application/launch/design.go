package launch

import (
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Design is the subset of design.yaml the launch stage consumes
type Design struct {
	IterationID string `yaml:"iteration_id"`
	Entrypoint  struct {
		Module string   `yaml:"module"`
		Args   []string `yaml:"args"`
	} `yaml:"entrypoint"`
	Compute struct {
		Location string `yaml:"location"`
		CPUs     int    `yaml:"cpus"`
		Memory   string `yaml:"memory"`
		GPUs     int    `yaml:"gpus"`
	} `yaml:"compute"`
	Baselines []string `yaml:"baselines"`
}

// LoadDesign parses design.yaml and enforces the fields launch depends on
func LoadDesign(fs afero.Fs, path string) (*Design, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read design %s: %w", path, err)
	}

	var d Design
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse design %s: %w", path, err)
	}

	if strings.TrimSpace(d.Entrypoint.Module) == "" {
		return nil, fmt.Errorf("design %s: entrypoint.module must be set", path)
	}
	if strings.TrimSpace(d.Compute.Location) == "" {
		return nil, fmt.Errorf("design %s: compute.location must be set", path)
	}
	return &d, nil
}

// WantsScheduler reports whether the design targets the external
// scheduler rather than the local host
func (d *Design) WantsScheduler() bool {
	switch strings.ToLower(strings.TrimSpace(d.Compute.Location)) {
	case "slurm", "scheduler", "external", "external-scheduler":
		return true
	default:
		return false
	}
}
