package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/YoshitsuguKoike/autolab/internal/domain/model/stage"
)

// Requirement is the tri-state value a policy assigns to a verification
// category for a stage. Required checks block the stage, optional
// checks run but only advise, skipped checks never run.
type Requirement string

const (
	RequirementRequired Requirement = "required"
	RequirementOptional Requirement = "optional"
	RequirementSkip     Requirement = "skip"
)

// Demanded reports whether the check runs at all
func (r Requirement) Demanded() bool {
	return r == RequirementRequired || r == RequirementOptional
}

// UnmarshalYAML accepts the tri-state keywords and, for configs written
// against the legacy boolean switches, plain booleans.
func (r *Requirement) UnmarshalYAML(value *yaml.Node) error {
	var b bool
	if err := value.Decode(&b); err == nil {
		if b {
			*r = RequirementRequired
		} else {
			*r = RequirementSkip
		}
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch Requirement(s) {
	case RequirementRequired, RequirementOptional, RequirementSkip:
		*r = Requirement(s)
		return nil
	}
	return fmt.Errorf("unknown requirement %q (want required, optional or skip)", s)
}

// Guardrails holds the decision-history thresholds. A zero value
// disables that guardrail.
type Guardrails struct {
	MaxSameDecisionStreak  int    `yaml:"max_same_decision_streak"`
	MaxNoProgressDecisions int    `yaml:"max_no_progress_decisions"`
	MaxUpdateDocsCycles    int    `yaml:"max_update_docs_cycles"`
	MaxGeneratedTasks      int    `yaml:"max_generated_tasks"`
	OnBreach               string `yaml:"on_breach"`
}

// Scope holds the agent edit-scope policy
type Scope struct {
	AllowedPaths    []string `yaml:"allowed_paths"`
	ProtectedFiles  []string `yaml:"protected_files"`
	ViolationAction string   `yaml:"violation_action"` // "warn" or "escalate"
}

// StageRetry is the per-stage override section of retry_policy_by_stage
type StageRetry struct {
	MaxRetries *int `yaml:"max_retries"`
}

// VerificationCommand is one operator-configured check invoked by the
// verification gate
type VerificationCommand struct {
	Category string `yaml:"category"`
	Command  string `yaml:"command"`
}

// Policy is the operator-facing configuration loaded from
// .autolab/etc/policy.yaml
type Policy struct {
	MaxStageAttempts   int `yaml:"max_stage_attempts"`
	MaxTotalIterations int `yaml:"max_total_iterations"`

	// Legacy top-level requirement switches, overridden per stage below
	RequireTests           *bool `yaml:"require_tests"`
	RequireDryRun          *bool `yaml:"require_dry_run"`
	RequireSchema          *bool `yaml:"require_schema"`
	RequirePromptLint      *bool `yaml:"require_prompt_lint"`
	RequireConsistency     *bool `yaml:"require_consistency"`
	RequireEnvSmoke        *bool `yaml:"require_env_smoke"`
	RequireDocsTargetCheck *bool `yaml:"require_docs_target_update"`

	RequirementsByStage map[string]map[string]Requirement `yaml:"requirements_by_stage"`
	RetryPolicyByStage  map[string]StageRetry             `yaml:"retry_policy_by_stage"`

	VerificationCommands []VerificationCommand `yaml:"verification_commands"`

	Guardrails Guardrails `yaml:"guardrails"`
	Scope      Scope      `yaml:"scope"`

	// AgentCommand, when set, is the full agent invocation as one
	// string. It is split into argv without a shell, so shell syntax
	// in it is a configuration error. Overrides agent_bin/agent_args.
	AgentCommand         string   `yaml:"agent_command"`
	AgentBin             string   `yaml:"agent_bin"`
	AgentArgs            []string `yaml:"agent_args"`
	AgentTimeoutSec      int      `yaml:"agent_timeout_sec"`
	VerifyTimeoutSec     int      `yaml:"verify_timeout_sec"`
	SchedulerPollMinSec  int      `yaml:"scheduler_poll_min_sec"`
	SchedulerPollMaxSec  int      `yaml:"scheduler_poll_max_sec"`
	SchedulerCeilingMin  int      `yaml:"scheduler_ceiling_min"`
	SchedulerSubmitBin   string   `yaml:"scheduler_submit_bin"`
	SchedulerStatusBin   string   `yaml:"scheduler_status_bin"`
	SchedulerArchiveBin  string   `yaml:"scheduler_archive_bin"`
}

// Default returns the policy used when no policy.yaml exists
func Default() *Policy {
	return &Policy{
		MaxStageAttempts:   5,
		MaxTotalIterations: 50,
		Guardrails: Guardrails{
			MaxSameDecisionStreak:  3,
			MaxNoProgressDecisions: 2,
			MaxUpdateDocsCycles:    3,
			MaxGeneratedTasks:      5,
			OnBreach:               string(stage.StageHumanReview),
		},
		Scope: Scope{
			ViolationAction: "escalate",
		},
		AgentBin:            "claude",
		AgentTimeoutSec:     1800,
		VerifyTimeoutSec:    300,
		SchedulerPollMinSec: 10,
		SchedulerPollMaxSec: 300,
		SchedulerCeilingMin: 45,
		SchedulerSubmitBin:  "sbatch",
		SchedulerStatusBin:  "squeue",
		SchedulerArchiveBin: "sacct",
	}
}

// Load reads policy.yaml and applies environment overrides. A missing
// file yields the defaults; a malformed file is a configuration error.
func Load(fs afero.Fs, path string) (*Policy, error) {
	p := Default()

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(p)
			return p, nil
		}
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse policy %s: %w", path, err)
	}
	normalize(p)
	applyEnvOverrides(p)
	return p, nil
}

func normalize(p *Policy) {
	d := Default()
	if p.MaxStageAttempts <= 0 {
		p.MaxStageAttempts = d.MaxStageAttempts
	}
	if p.MaxTotalIterations <= 0 {
		p.MaxTotalIterations = d.MaxTotalIterations
	}
	if p.AgentBin == "" {
		p.AgentBin = d.AgentBin
	}
	if p.AgentTimeoutSec <= 0 {
		p.AgentTimeoutSec = d.AgentTimeoutSec
	}
	if p.VerifyTimeoutSec <= 0 {
		p.VerifyTimeoutSec = d.VerifyTimeoutSec
	}
	if p.SchedulerPollMinSec <= 0 {
		p.SchedulerPollMinSec = d.SchedulerPollMinSec
	}
	if p.SchedulerPollMaxSec < p.SchedulerPollMinSec {
		p.SchedulerPollMaxSec = d.SchedulerPollMaxSec
	}
	if p.SchedulerCeilingMin <= 0 {
		p.SchedulerCeilingMin = d.SchedulerCeilingMin
	}
	if p.SchedulerSubmitBin == "" {
		p.SchedulerSubmitBin = d.SchedulerSubmitBin
	}
	if p.SchedulerStatusBin == "" {
		p.SchedulerStatusBin = d.SchedulerStatusBin
	}
	if p.SchedulerArchiveBin == "" {
		p.SchedulerArchiveBin = d.SchedulerArchiveBin
	}
	if p.Scope.ViolationAction != "warn" && p.Scope.ViolationAction != "escalate" {
		p.Scope.ViolationAction = d.Scope.ViolationAction
	}
	if p.Guardrails.OnBreach == "" {
		p.Guardrails.OnBreach = d.Guardrails.OnBreach
	}
}

func applyEnvOverrides(p *Policy) {
	if v := os.Getenv("AUTOLAB_AGENT_BIN"); v != "" {
		p.AgentBin = v
	}
	if v := envInt("AUTOLAB_AGENT_TIMEOUT_SEC"); v > 0 {
		p.AgentTimeoutSec = v
	}
	if v := envInt("AUTOLAB_VERIFY_TIMEOUT_SEC"); v > 0 {
		p.VerifyTimeoutSec = v
	}
}

func envInt(key string) int {
	raw := os.Getenv(key)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

// AgentTimeout returns the agent runner budget as a Duration
func (p *Policy) AgentTimeout() time.Duration {
	return time.Duration(p.AgentTimeoutSec) * time.Second
}

// VerifyTimeout returns the per-check verification budget as a Duration
func (p *Policy) VerifyTimeout() time.Duration {
	return time.Duration(p.VerifyTimeoutSec) * time.Second
}

// SchedulerPollMin returns the minimum scheduler poll interval
func (p *Policy) SchedulerPollMin() time.Duration {
	return time.Duration(p.SchedulerPollMinSec) * time.Second
}

// SchedulerPollMax returns the maximum scheduler poll interval
func (p *Policy) SchedulerPollMax() time.Duration {
	return time.Duration(p.SchedulerPollMaxSec) * time.Second
}

// SchedulerCeiling returns the total polling elapsed-time ceiling
func (p *Policy) SchedulerCeiling() time.Duration {
	return time.Duration(p.SchedulerCeilingMin) * time.Minute
}

// MaxRetriesFor returns the per-stage retry budget, falling back to the
// global max_stage_attempts
func (p *Policy) MaxRetriesFor(s stage.Stage) int {
	if section, ok := p.RetryPolicyByStage[s.String()]; ok && section.MaxRetries != nil {
		return *section.MaxRetries
	}
	return p.MaxStageAttempts
}

// StageRequirements resolves the effective requirement map for a stage
// in three layers: registry capability defaults, then legacy top-level
// switches, then requirements_by_stage overrides.
func (p *Policy) StageRequirements(spec *stage.Spec) map[stage.Category]Requirement {
	// Layer 1: every known category starts skipped; the stage registry
	// only bounds what may be demanded, it demands nothing itself
	requirements := make(map[stage.Category]Requirement, len(stage.Categories))
	for _, cat := range stage.Categories {
		requirements[cat] = RequirementSkip
	}

	// Layer 2: legacy top-level switches know only required and skip
	legacy := map[stage.Category]*bool{
		stage.CategoryTests:           p.RequireTests,
		stage.CategoryDryRun:          p.RequireDryRun,
		stage.CategorySchema:          p.RequireSchema,
		stage.CategoryPromptLint:      p.RequirePromptLint,
		stage.CategoryConsistency:     p.RequireConsistency,
		stage.CategoryEnvSmoke:        p.RequireEnvSmoke,
		stage.CategoryDocsTargetCheck: p.RequireDocsTargetCheck,
	}
	for cat, v := range legacy {
		if v == nil {
			continue
		}
		if *v {
			requirements[cat] = RequirementRequired
		} else {
			requirements[cat] = RequirementSkip
		}
	}

	// Layer 3: per-stage overrides win
	if section, ok := p.RequirementsByStage[spec.Name().String()]; ok {
		for key, v := range section {
			cat := stage.Category(key)
			if cat.IsValid() {
				requirements[cat] = v
			}
		}
	}

	return requirements
}
