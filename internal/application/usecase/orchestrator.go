// Package usecase drives one stage execution end to end: agent
// invocation, stage side effects, verification and the transition
// verdict.
package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/YoshitsuguKoike/autolab/internal/app"
	"github.com/YoshitsuguKoike/autolab/internal/app/config"
	"github.com/YoshitsuguKoike/autolab/internal/application/agent"
	"github.com/YoshitsuguKoike/autolab/internal/application/engine"
	"github.com/YoshitsuguKoike/autolab/internal/application/extract"
	"github.com/YoshitsuguKoike/autolab/internal/application/launch"
	"github.com/YoshitsuguKoike/autolab/internal/application/policy"
	"github.com/YoshitsuguKoike/autolab/internal/application/scheduler"
	"github.com/YoshitsuguKoike/autolab/internal/application/verify"
	"github.com/YoshitsuguKoike/autolab/internal/domain/model/decision"
	"github.com/YoshitsuguKoike/autolab/internal/domain/model/stage"
	"github.com/YoshitsuguKoike/autolab/internal/domain/model/workflowstate"
	"github.com/YoshitsuguKoike/autolab/internal/interface/external/agentcli"
)

// StateRepository loads and saves the durable workflow state
type StateRepository interface {
	Load() (*workflowstate.State, error)
	Save(state *workflowstate.State) error
}

// StepOptions tune a single step execution
type StepOptions struct {
	// RunAgent controls agent invocation: "policy", "force_on", "force_off"
	RunAgent string
	// GeneratedTask marks this step as having created an
	// auto-generated fallback task, feeding the guardrail counter
	GeneratedTask bool
}

// StepReport summarizes one executed step for the caller
type StepReport struct {
	Stage        stage.Stage
	Transition   engine.Transition
	Verification verify.Outcome
	Violations   []agent.ScopeViolation
	Notes        []string
}

// Orchestrator owns the full step pipeline. All pieces are injected so
// tests can run it entirely against an in-memory filesystem.
type Orchestrator struct {
	fs         afero.Fs
	paths      app.Paths
	pol        *config.Policy
	registry   *stage.Registry
	effective  map[stage.Stage]*policy.Effective
	states     StateRepository
	gate       *verify.Gate
	core       *engine.Core
	supervisor *agent.Supervisor
	agentBin   string
	agentArgs  []string
	launcher   *launch.Service
	tracker    *scheduler.Tracker
	extractor  *extract.Service
	runs       extract.RunStore
	jobLedger  LedgerFinder
}

// NewOrchestrator wires a step pipeline. Policy resolution happens
// here, before anything executes, so misconfiguration fails fast.
func NewOrchestrator(
	fs afero.Fs,
	paths app.Paths,
	pol *config.Policy,
	registry *stage.Registry,
	states StateRepository,
	gate *verify.Gate,
	core *engine.Core,
	supervisor *agent.Supervisor,
	launcher *launch.Service,
	tracker *scheduler.Tracker,
	extractor *extract.Service,
	runs extract.RunStore,
	jobLedger LedgerFinder,
) (*Orchestrator, error) {
	effective, err := policy.ResolveAll(registry, pol)
	if err != nil {
		return nil, err
	}
	agentBin, agentArgs, err := agentcli.ResolveInvocation(pol.AgentBin, pol.AgentArgs, pol.AgentCommand)
	if err != nil {
		return nil, fmt.Errorf("resolve agent invocation: %w", err)
	}
	return &Orchestrator{
		fs:         fs,
		paths:      paths,
		pol:        pol,
		registry:   registry,
		effective:  effective,
		states:     states,
		gate:       gate,
		core:       core,
		supervisor: supervisor,
		agentBin:   agentBin,
		agentArgs:  agentArgs,
		launcher:   launcher,
		tracker:    tracker,
		extractor:  extractor,
		runs:       runs,
		jobLedger:  jobLedger,
	}, nil
}

// Step executes one stage cycle and applies the resulting transition
func (o *Orchestrator) Step(ctx context.Context, opts StepOptions) (*StepReport, error) {
	state, err := o.states.Load()
	if err != nil {
		return nil, err
	}

	current := state.Stage()
	if current.IsTerminal() {
		return nil, fmt.Errorf("step %s: %w", current, engine.ErrInvalidState)
	}

	spec, err := o.registry.Spec(current)
	if err != nil {
		return nil, err
	}

	report := &StepReport{Stage: current}
	outcome := engine.StageOutcome{GeneratedTask: opts.GeneratedTask}
	iterDir := o.paths.IterationDir(state.IterationID())

	if hardFail := o.runAgent(ctx, spec, state, iterDir, opts, report, &outcome); !hardFail {
		o.runSideEffects(ctx, spec, state, iterDir, report, &outcome)
	}

	// Hard failures and external waits skip verification: there is
	// nothing a check could add to the verdict.
	if outcome.Verification.Status == "" && !outcome.AwaitExternal {
		eff := o.effective[current]
		verification, err := o.gate.Run(ctx, spec, eff, iterDir, state.LastRunID())
		if err != nil {
			return nil, err
		}
		outcome.Verification = verification

		if current == stage.StageExtractResults {
			o.absorbPartialExtraction(state, report, &outcome)
		}
		if current == stage.StageDecideRepeat && outcome.Verification.Pass() {
			if err := o.attachDecision(iterDir, &outcome); err != nil {
				return nil, err
			}
		}
	}

	transition, err := o.core.Evaluate(state, outcome)
	if err != nil {
		return nil, err
	}
	report.Transition = transition
	report.Verification = outcome.Verification
	return report, nil
}

// runAgent invokes the supervised agent when the stage is eligible.
// Returns true when the step already carries a hard failure.
func (o *Orchestrator) runAgent(ctx context.Context, spec *stage.Spec, state *workflowstate.State, iterDir string, opts StepOptions, report *StepReport, outcome *engine.StageOutcome) bool {
	if !spec.IsRunnerEligible() || opts.RunAgent == "force_off" || o.supervisor == nil {
		return false
	}
	if opts.RunAgent != "force_on" && o.agentBin == "" {
		return false
	}

	inv := agent.Invocation{
		Stage:        spec.Name(),
		Args:         o.agentArgs,
		PromptPath:   filepath.Join(o.paths.Home, "prompts", "stage_"+spec.Name().String()+".md"),
		IterationID:  state.IterationID(),
		WorkspaceDir: iterDir,
		StateFile:    o.paths.State,
	}
	result, violations, err := o.supervisor.Invoke(ctx, inv)
	if err != nil {
		outcome.Verification = verify.Outcome{
			Status:  verify.StatusNeedsRetry,
			Reasons: []string{err.Error()},
			Summary: fmt.Sprintf("agent invocation failed: %v", err),
		}
		return false
	}

	report.Violations = violations
	if len(violations) > 0 && o.pol.Scope.ViolationAction == "escalate" {
		reasons := make([]string, len(violations))
		for i, v := range violations {
			reasons[i] = v.Error()
		}
		outcome.Verification = verify.Outcome{
			Status:  verify.StatusHardFail,
			Reasons: reasons,
			Summary: fmt.Sprintf("agent edited %d path(s) outside authorized scope", len(violations)),
		}
		return true
	}
	for _, v := range violations {
		report.Notes = append(report.Notes, "scope warning: "+v.Error())
	}

	if !result.Succeeded() {
		outcome.Verification = verify.Outcome{
			Status:  verify.StatusNeedsRetry,
			Summary: result.Summary,
		}
	}
	return false
}

// runSideEffects performs the stage's non-verification work: launching
// runs and extracting metrics
func (o *Orchestrator) runSideEffects(ctx context.Context, spec *stage.Spec, state *workflowstate.State, iterDir string, report *StepReport, outcome *engine.StageOutcome) {
	if outcome.Verification.Status == verify.StatusNeedsRetry {
		return
	}

	switch spec.Name() {
	case stage.StageLaunch:
		o.runLaunch(ctx, state, iterDir, report, outcome)
	case stage.StageExtractResults:
		o.runExtract(state, report, outcome)
	}
}

func (o *Orchestrator) runLaunch(ctx context.Context, state *workflowstate.State, iterDir string, report *StepReport, outcome *engine.StageOutcome) {
	design, err := launch.LoadDesign(o.fs, filepath.Join(iterDir, "design.yaml"))
	if err != nil {
		outcome.Verification = verify.Outcome{
			Status:  verify.StatusNeedsRetry,
			Reasons: []string{err.Error()},
			Summary: fmt.Sprintf("launch blocked: %v", err),
		}
		return
	}

	result, err := o.launcher.Launch(ctx, state.IterationID(), design)
	if err != nil {
		var mismatch *launch.ModeMismatchError
		if errors.As(err, &mismatch) {
			outcome.Verification = verify.Outcome{
				Status:  verify.StatusHardFail,
				Reasons: []string{mismatch.Error()},
				Summary: mismatch.Error(),
			}
			return
		}
		// Submission failures, including a missing job handle, cannot
		// be retried into existence.
		outcome.Verification = verify.Outcome{
			Status:  verify.StatusHardFail,
			Reasons: []string{err.Error()},
			Summary: fmt.Sprintf("launch failed: %v", err),
		}
		return
	}

	manifest := result.Manifest
	state.SetLastRun(manifest.RunID(), manifest.Sync().Status)

	if result.AwaitExternal {
		if err := o.tracker.Await(ctx, manifest, result.Ledger); err != nil {
			var divergence *scheduler.DivergenceError
			if errors.As(err, &divergence) {
				// Absorbed downstream: extraction will account the
				// missing evidence as a partial result.
				report.Notes = append(report.Notes, divergence.Error())
			} else {
				outcome.Verification = verify.Outcome{
					Status:  verify.StatusNeedsRetry,
					Reasons: []string{err.Error()},
					Summary: fmt.Sprintf("tracking failed: %v", err),
				}
				return
			}
		}
	}
	state.SetSyncStatus(manifest.Sync().Status)
}

func (o *Orchestrator) runExtract(state *workflowstate.State, report *StepReport, outcome *engine.StageOutcome) {
	result, err := o.extractor.Extract(state.IterationID(), state.LastRunID())
	if err != nil {
		outcome.Verification = verify.Outcome{
			Status:  verify.StatusNeedsRetry,
			Reasons: []string{err.Error()},
			Summary: fmt.Sprintf("extraction failed: %v", err),
		}
		return
	}
	outcome.Progress = result.Status == extract.StatusCompleted
	if result.Status != extract.StatusCompleted {
		report.Notes = append(report.Notes,
			fmt.Sprintf("extraction for run %s is %s", result.RunID, result.Status))
	}
}

// absorbPartialExtraction lets a partial or failed extraction pass the
// gate: the missing metrics are accounted in extraction_result.json,
// and forcing a retry could never conjure them.
func (o *Orchestrator) absorbPartialExtraction(state *workflowstate.State, report *StepReport, outcome *engine.StageOutcome) {
	if outcome.Verification.Pass() {
		return
	}
	runDir := filepath.Join(o.paths.IterationDir(state.IterationID()), "runs", state.LastRunID())
	raw, err := afero.ReadFile(o.fs, filepath.Join(runDir, "extraction_result.json"))
	if err != nil {
		return
	}
	var result extract.Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return
	}
	if result.Status == extract.StatusPartial || result.Status == extract.StatusFailed {
		outcome.Verification = verify.Outcome{
			Status:  verify.StatusPass,
			Summary: fmt.Sprintf("extraction recorded %s result for run %s", result.Status, result.RunID),
		}
	}
}

func (o *Orchestrator) attachDecision(iterDir string, outcome *engine.StageOutcome) error {
	raw, err := afero.ReadFile(o.fs, filepath.Join(iterDir, "decision.json"))
	if err != nil {
		outcome.Verification = verify.Outcome{
			Status:  verify.StatusNeedsRetry,
			Reasons: []string{"decision.json is missing"},
			Summary: "decide_repeat produced no decision record",
		}
		return nil
	}
	rec, err := decision.Parse(raw)
	if err != nil {
		outcome.Verification = verify.Outcome{
			Status:  verify.StatusNeedsRetry,
			Reasons: []string{err.Error()},
			Summary: fmt.Sprintf("decision record invalid: %v", err),
		}
		return nil
	}
	outcome.Decision = rec
	return nil
}

// Status returns the loaded state for introspection commands. The
// caller can match statefile.ErrNotInitialized for a friendly message.
func (o *Orchestrator) Status() (*workflowstate.State, error) {
	return o.states.Load()
}

// Verify re-runs the verification gate for the current stage without
// applying any transition
func (o *Orchestrator) Verify(ctx context.Context) (verify.Outcome, error) {
	state, err := o.states.Load()
	if err != nil {
		return verify.Outcome{}, err
	}
	spec, err := o.registry.Spec(state.Stage())
	if err != nil {
		return verify.Outcome{}, err
	}
	return o.gate.Run(ctx, spec, o.effective[state.Stage()], o.paths.IterationDir(state.IterationID()), state.LastRunID())
}

// Decide force-applies a decision record to the decide_repeat stage
func (o *Orchestrator) Decide(rec *decision.Record) (*StepReport, error) {
	state, err := o.states.Load()
	if err != nil {
		return nil, err
	}
	if state.Stage() != stage.StageDecideRepeat {
		return nil, fmt.Errorf("decisions apply to %s, current stage is %s", stage.StageDecideRepeat, state.Stage())
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	outcome := engine.StageOutcome{
		Verification: verify.Outcome{Status: verify.StatusPass, Summary: "decision applied by operator"},
		Decision:     rec,
	}
	transition, err := o.core.Evaluate(state, outcome)
	if err != nil {
		return nil, err
	}
	return &StepReport{Stage: stage.StageDecideRepeat, Transition: transition, Verification: outcome.Verification}, nil
}
