// Package policy merges stage capabilities with operator-declared
// requirements. Resolution is pure and runs for every stage at load
// time, so a policy demanding an unsupported check fails before any
// stage executes.
package policy

import (
	"fmt"
	"sort"

	"github.com/YoshitsuguKoike/autolab/internal/app/config"
	"github.com/YoshitsuguKoike/autolab/internal/domain/model/stage"
)

// ConfigurationError reports a requirement not backed by a stage
// capability. Never retried; the operator must fix the policy.
type ConfigurationError struct {
	Stage    stage.Stage
	Category stage.Category
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("policy requires %q for stage %s but the stage does not support it", e.Category, e.Stage)
}

// Effective is the merged requirement set handed to the verification
// gate. Required categories block the stage, optional ones run their
// checks but only advise.
type Effective struct {
	stage    stage.Stage
	levels   map[stage.Category]config.Requirement
	commands []config.VerificationCommand
}

// Stage returns the stage this requirement set applies to
func (e *Effective) Stage() stage.Stage { return e.stage }

// Level returns the merged requirement for a category
func (e *Effective) Level(c stage.Category) config.Requirement {
	if lvl, ok := e.levels[c]; ok {
		return lvl
	}
	return config.RequirementSkip
}

// IsRequired reports whether a category must pass for the stage
func (e *Effective) IsRequired(c stage.Category) bool {
	return e.levels[c] == config.RequirementRequired
}

// RequiredCategories returns the blocking categories in stable order
func (e *Effective) RequiredCategories() []stage.Category {
	out := make([]stage.Category, 0, len(e.levels))
	for c, lvl := range e.levels {
		if lvl == config.RequirementRequired {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Commands returns the operator-configured check commands for the
// demanded categories, required and optional alike
func (e *Effective) Commands() []config.VerificationCommand {
	out := make([]config.VerificationCommand, len(e.commands))
	copy(out, e.commands)
	return out
}

// Resolve merges one stage's requirements with its declared
// capabilities. Any demanded category outside the capability set is a
// ConfigurationError, whether required or merely optional.
func Resolve(spec *stage.Spec, pol *config.Policy) (*Effective, error) {
	requested := pol.StageRequirements(spec)

	levels := make(map[stage.Category]config.Requirement, len(requested))
	for cat, lvl := range requested {
		if !lvl.Demanded() {
			continue
		}
		if !spec.HasCapability(cat) {
			return nil, &ConfigurationError{Stage: spec.Name(), Category: cat}
		}
		levels[cat] = lvl
	}

	var commands []config.VerificationCommand
	for _, cmd := range pol.VerificationCommands {
		cat := stage.Category(cmd.Category)
		if !cat.IsValid() {
			return nil, fmt.Errorf("verification command references unknown category %q", cmd.Category)
		}
		if levels[cat].Demanded() {
			if cmd.Command == "" {
				return nil, fmt.Errorf("verification command for category %q has no command configured", cat)
			}
			commands = append(commands, cmd)
		}
	}

	return &Effective{
		stage:    spec.Name(),
		levels:   levels,
		commands: commands,
	}, nil
}

// ResolveAll resolves every stage in the registry, failing fast on the
// first misconfiguration
func ResolveAll(reg *stage.Registry, pol *config.Policy) (map[stage.Stage]*Effective, error) {
	out := make(map[stage.Stage]*Effective)
	for name, spec := range reg.All() {
		eff, err := Resolve(spec, pol)
		if err != nil {
			return nil, err
		}
		out[name] = eff
	}
	return out, nil
}
