// Package engine contains the stage transition core, the single
// permitted mutator of the durable workflow state.
package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/YoshitsuguKoike/autolab/internal/app"
	"github.com/YoshitsuguKoike/autolab/internal/app/config"
	"github.com/YoshitsuguKoike/autolab/internal/application/guardrail"
	"github.com/YoshitsuguKoike/autolab/internal/application/verify"
	"github.com/YoshitsuguKoike/autolab/internal/domain/model/decision"
	"github.com/YoshitsuguKoike/autolab/internal/domain/model/stage"
	"github.com/YoshitsuguKoike/autolab/internal/domain/model/workflowstate"
)

// ErrInvalidState is returned when a transition is requested against a
// terminal stage
var ErrInvalidState = errors.New("stage accepts no further transitions")

// TransitionKind classifies the core's verdict
type TransitionKind string

const (
	TransitionAdvance       TransitionKind = "advance"
	TransitionRetry         TransitionKind = "retry"
	TransitionEscalate      TransitionKind = "escalate"
	TransitionAwaitExternal TransitionKind = "await_external"
)

// Transition is the core's decision for one evaluation
type Transition struct {
	Kind   TransitionKind
	Next   stage.Stage
	Reason string
}

// StageOutcome carries everything the core needs to judge one stage
// execution
type StageOutcome struct {
	Verification  verify.Outcome
	AwaitExternal bool
	Decision      *decision.Record
	Progress      bool
	GeneratedTask bool
}

// StateStore persists the workflow state after an accepted transition
type StateStore interface {
	Save(state *workflowstate.State) error
}

// Core drives stage transitions. Callers mutating state concurrently
// must hold the run lock; the core itself assumes serialized access.
type Core struct {
	registry    *stage.Registry
	pol         *config.Policy
	guardrails  config.Guardrails
	states      StateStore
	journalPath string
	now         func() time.Time
}

// NewCore builds the transition core
func NewCore(registry *stage.Registry, pol *config.Policy, states StateStore, journalPath string) *Core {
	return &Core{
		registry:    registry,
		pol:         pol,
		guardrails:  pol.Guardrails,
		states:      states,
		journalPath: journalPath,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Evaluate decides whether the workflow stays, advances, retries or
// escalates, applies the change to the state and persists it. It is
// the only place workflow state mutates.
func (c *Core) Evaluate(state *workflowstate.State, outcome StageOutcome) (Transition, error) {
	current := state.Stage()
	if current.IsTerminal() {
		return Transition{}, fmt.Errorf("evaluate %s: %w", current, ErrInvalidState)
	}

	spec, err := c.registry.Spec(current)
	if err != nil {
		return Transition{}, err
	}

	// Guardrails outrank the verification outcome: a breach escalates
	// even a passing stage.
	if breach := guardrail.Check(state.History(), c.guardrails); breach != nil {
		return c.escalate(state, outcome, breach.Error())
	}

	// A decision already routing to a terminal stage is allowed through
	// at the budget boundary: escalating a clean stop helps nobody.
	if state.IterationBudgetExhausted() && !terminalDecision(spec, outcome) {
		return c.escalate(state, outcome,
			fmt.Sprintf("total iteration budget exhausted (%d)", state.MaxTotalIterations()))
	}

	if outcome.AwaitExternal {
		transition := Transition{Kind: TransitionAwaitExternal, Next: current, Reason: "waiting on external scheduler"}
		return transition, c.commit(state, outcome, transition)
	}

	switch outcome.Verification.Status {
	case verify.StatusHardFail:
		reason := outcome.Verification.Summary
		if reason == "" {
			reason = "unrecoverable stage failure"
		}
		return c.escalate(state, outcome, reason)

	case verify.StatusNeedsRetry:
		return c.retry(state, spec, outcome)

	case verify.StatusPass:
		return c.advance(state, spec, outcome)

	default:
		return Transition{}, fmt.Errorf("unknown verification status %q", outcome.Verification.Status)
	}
}

// terminalDecision reports whether the outcome is a passing decision
// whose target is already terminal
func terminalDecision(spec *stage.Spec, outcome StageOutcome) bool {
	if !spec.IsDecision() || outcome.Decision == nil || outcome.Verification.Status != verify.StatusPass {
		return false
	}
	target, err := spec.DecisionTarget(outcome.Decision.Decision)
	return err == nil && target.IsTerminal()
}

func (c *Core) advance(state *workflowstate.State, spec *stage.Spec, outcome StageOutcome) (Transition, error) {
	var next stage.Stage
	if spec.IsDecision() {
		if outcome.Decision == nil {
			return c.escalate(state, outcome, fmt.Sprintf("stage %s passed without a recorded decision", spec.Name()))
		}
		target, err := spec.DecisionTarget(outcome.Decision.Decision)
		if err != nil {
			return c.escalate(state, outcome, err.Error())
		}
		next = target
	} else {
		next = spec.Successor()
		if next == "" {
			return Transition{}, fmt.Errorf("stage %s declares no successor", spec.Name())
		}
	}

	if err := state.AdvanceTo(next); err != nil {
		return Transition{}, err
	}

	transition := Transition{Kind: TransitionAdvance, Next: next}
	return transition, c.commit(state, outcome, transition)
}

func (c *Core) retry(state *workflowstate.State, spec *stage.Spec, outcome StageOutcome) (Transition, error) {
	// The stricter of the state's global budget and the policy's
	// per-stage retry cap wins
	if state.AttemptsExhausted() || state.StageAttempt() >= c.pol.MaxRetriesFor(state.Stage()) {
		return c.escalate(state, outcome, "stage attempt budget exhausted")
	}
	state.RecordRetry()

	// A failed review re-enters implementation carrying the attempt
	// count, so the pair shares one budget instead of looping freely.
	target := state.Stage()
	if state.Stage() == stage.StageImplementationReview {
		carried := state.StageAttempt()
		if err := state.AdvanceTo(stage.StageImplementation); err != nil {
			return Transition{}, err
		}
		state.SetStageAttempt(carried)
		target = stage.StageImplementation
	}

	reason := outcome.Verification.Summary
	transition := Transition{Kind: TransitionRetry, Next: target, Reason: reason}
	return transition, c.commit(state, outcome, transition)
}

func (c *Core) escalate(state *workflowstate.State, outcome StageOutcome, reason string) (Transition, error) {
	if reason == "" {
		return Transition{}, errors.New("escalation requires a reason")
	}

	target, ok := stage.Parse(c.guardrails.OnBreach)
	if !ok || !target.IsTerminal() {
		target = stage.StageHumanReview
	}
	if err := state.AdvanceTo(target); err != nil {
		return Transition{}, err
	}

	transition := Transition{Kind: TransitionEscalate, Next: target, Reason: reason}
	return transition, c.commit(state, outcome, transition)
}

// commit appends the history entry, persists the state and journals
// the transition
func (c *Core) commit(state *workflowstate.State, outcome StageOutcome, transition Transition) error {
	entry := workflowstate.HistoryEntry{
		Stage:           transition.Next,
		Timestamp:       c.now(),
		VerifierSummary: outcome.Verification.Summary,
		Progress:        outcome.Progress,
		GeneratedTask:   outcome.GeneratedTask,
	}
	if outcome.Decision != nil {
		entry.Decision = outcome.Decision.Decision
	}
	state.AppendHistory(entry)

	if err := c.states.Save(state); err != nil {
		return fmt.Errorf("persist workflow state: %w", err)
	}

	if c.journalPath != "" {
		journalEntry := map[string]interface{}{
			"iteration": state.IterationID(),
			"stage":     transition.Next.String(),
			"outcome":   string(transition.Kind),
			"reason":    transition.Reason,
			"attempt":   state.StageAttempt(),
		}
		if err := app.AppendNormalizedJournal(c.journalPath, journalEntry); err != nil {
			return fmt.Errorf("append journal: %w", err)
		}
	}
	return nil
}
