package stage

import (
	"fmt"
)

// Category represents one verification capability a stage may declare
type Category string

const (
	CategoryTests           Category = "tests"
	CategoryDryRun          Category = "dry_run"
	CategorySchema          Category = "schema"
	CategoryPromptLint      Category = "prompt_lint"
	CategoryConsistency     Category = "consistency"
	CategoryEnvSmoke        Category = "env_smoke"
	CategoryDocsTargetCheck Category = "docs_target_update"
)

// Categories lists every known verification category
var Categories = []Category{
	CategoryTests,
	CategoryDryRun,
	CategorySchema,
	CategoryPromptLint,
	CategoryConsistency,
	CategoryEnvSmoke,
	CategoryDocsTargetCheck,
}

// IsValid validates the category name
func (c Category) IsValid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// DecisionKind is the outcome recorded by the decide_repeat stage
type DecisionKind string

const (
	DecisionRestartHypothesis DecisionKind = "restart-hypothesis"
	DecisionIterateDesign     DecisionKind = "iterate-design"
	DecisionStop              DecisionKind = "stop"
	DecisionEscalateHuman     DecisionKind = "escalate-human"
)

// String returns the string representation
func (d DecisionKind) String() string {
	return string(d)
}

// IsValid validates the decision kind
func (d DecisionKind) IsValid() bool {
	switch d {
	case DecisionRestartHypothesis, DecisionIterateDesign, DecisionStop, DecisionEscalateHuman:
		return true
	default:
		return false
	}
}

// Spec is the static descriptor for a single stage. Instances are
// immutable and shared read-only by every component.
type Spec struct {
	name            Stage
	successor       Stage
	capabilities    map[Category]bool
	requiredOutputs []string
	decisionMap     map[DecisionKind]Stage
	runnerEligible  bool
}

// Name returns the stage this spec describes
func (s *Spec) Name() Stage { return s.name }

// Successor returns the fixed next stage, or empty for decision and
// terminal stages
func (s *Spec) Successor() Stage { return s.successor }

// HasCapability reports whether the stage declares the verification category
func (s *Spec) HasCapability(c Category) bool { return s.capabilities[c] }

// Capabilities returns a copy of the declared capability set
func (s *Spec) Capabilities() map[Category]bool {
	out := make(map[Category]bool, len(s.capabilities))
	for k, v := range s.capabilities {
		out[k] = v
	}
	return out
}

// RequiredOutputs returns the artifact identifiers the stage must produce.
// Paths are relative to the iteration directory; "<run_id>" is substituted
// with the active run identifier by the verification gate.
func (s *Spec) RequiredOutputs() []string {
	out := make([]string, len(s.requiredOutputs))
	copy(out, s.requiredOutputs)
	return out
}

// IsDecision reports whether the stage's successor is decision-selected
func (s *Spec) IsDecision() bool { return len(s.decisionMap) > 0 }

// IsRunnerEligible reports whether an agent runner may execute this stage
func (s *Spec) IsRunnerEligible() bool { return s.runnerEligible }

// DecisionTarget maps a recorded decision to the successor stage
func (s *Spec) DecisionTarget(d DecisionKind) (Stage, error) {
	next, ok := s.decisionMap[d]
	if !ok {
		return "", fmt.Errorf("stage %s does not accept decision %q", s.name, d)
	}
	return next, nil
}

// Registry holds the closed set of stage specs
type Registry struct {
	specs map[Stage]*Spec
}

// NewRegistry builds the built-in stage graph
func NewRegistry() *Registry {
	specs := map[Stage]*Spec{
		StageHypothesis: {
			name:            StageHypothesis,
			successor:       StageDesign,
			capabilities:    caps(CategorySchema, CategoryPromptLint, CategoryConsistency),
			requiredOutputs: []string{"hypothesis.md"},
			runnerEligible:  true,
		},
		StageDesign: {
			name:            StageDesign,
			successor:       StageImplementation,
			capabilities:    caps(CategorySchema, CategoryConsistency, CategoryEnvSmoke),
			requiredOutputs: []string{"design.yaml"},
			runnerEligible:  true,
		},
		StageImplementation: {
			name:            StageImplementation,
			successor:       StageImplementationReview,
			capabilities:    caps(CategoryTests, CategoryDryRun, CategorySchema, CategoryConsistency, CategoryEnvSmoke),
			requiredOutputs: []string{"implementation_plan.md"},
			runnerEligible:  true,
		},
		StageImplementationReview: {
			name:            StageImplementationReview,
			successor:       StageLaunch,
			capabilities:    caps(CategoryTests, CategoryDryRun, CategorySchema, CategoryConsistency),
			requiredOutputs: []string{"review_result.json"},
			runnerEligible:  true,
		},
		StageLaunch: {
			name:            StageLaunch,
			successor:       StageExtractResults,
			capabilities:    caps(CategorySchema, CategoryEnvSmoke),
			requiredOutputs: []string{"runs/<run_id>/run_manifest.json"},
		},
		StageExtractResults: {
			name:            StageExtractResults,
			successor:       StageUpdateDocs,
			capabilities:    caps(CategorySchema, CategoryConsistency),
			requiredOutputs: []string{"runs/<run_id>/run_manifest.json", "runs/<run_id>/metrics.json"},
			runnerEligible:  true,
		},
		StageUpdateDocs: {
			name:            StageUpdateDocs,
			successor:       StageDecideRepeat,
			capabilities:    caps(CategorySchema, CategoryConsistency, CategoryDocsTargetCheck),
			requiredOutputs: []string{"docs_update.md", "analysis/summary.md"},
			runnerEligible:  true,
		},
		StageDecideRepeat: {
			name:            StageDecideRepeat,
			capabilities:    caps(CategorySchema, CategoryConsistency),
			requiredOutputs: []string{"decision.json"},
			decisionMap: map[DecisionKind]Stage{
				DecisionRestartHypothesis: StageHypothesis,
				DecisionIterateDesign:     StageDesign,
				DecisionStop:              StageStop,
				DecisionEscalateHuman:     StageHumanReview,
			},
			runnerEligible: true,
		},
		StageHumanReview: {
			name:         StageHumanReview,
			capabilities: caps(),
		},
		StageStop: {
			name:         StageStop,
			capabilities: caps(),
		},
	}
	return &Registry{specs: specs}
}

func caps(categories ...Category) map[Category]bool {
	m := make(map[Category]bool, len(categories))
	for _, c := range categories {
		m[c] = true
	}
	return m
}

// Spec returns the descriptor for the given stage
func (r *Registry) Spec(s Stage) (*Spec, error) {
	spec, ok := r.specs[s]
	if !ok {
		return nil, fmt.Errorf("unknown stage %q", s)
	}
	return spec, nil
}

// All returns every spec keyed by stage
func (r *Registry) All() map[Stage]*Spec {
	out := make(map[Stage]*Spec, len(r.specs))
	for k, v := range r.specs {
		out[k] = v
	}
	return out
}
