package engine

import (
	"errors"
	"strings"
	"testing"

	"github.com/YoshitsuguKoike/autolab/internal/app/config"
	"github.com/YoshitsuguKoike/autolab/internal/application/verify"
	"github.com/YoshitsuguKoike/autolab/internal/domain/model/decision"
	"github.com/YoshitsuguKoike/autolab/internal/domain/model/stage"
	"github.com/YoshitsuguKoike/autolab/internal/domain/model/workflowstate"
)

type memStateStore struct {
	saves int
}

func (m *memStateStore) Save(*workflowstate.State) error {
	m.saves++
	return nil
}

func newTestCore(store StateStore) *Core {
	return NewCore(stage.NewRegistry(), config.Default(), store, "")
}

func passOutcome() StageOutcome {
	return StageOutcome{Verification: verify.Outcome{Status: verify.StatusPass, Summary: "checks passed"}}
}

func failOutcome() StageOutcome {
	return StageOutcome{Verification: verify.Outcome{Status: verify.StatusNeedsRetry, Summary: "tests failed"}}
}

func stateAt(t *testing.T, s stage.Stage, attempt, maxAttempts int) *workflowstate.State {
	t.Helper()
	st, err := workflowstate.Reconstruct("exp-001", s, attempt, 0, "", "", maxAttempts, 50, nil)
	if err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}
	return st
}

func TestEvaluate_PassAdvances(t *testing.T) {
	store := &memStateStore{}
	core := newTestCore(store)
	state := stateAt(t, stage.StageHypothesis, 0, 5)

	tr, err := core.Evaluate(state, passOutcome())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if tr.Kind != TransitionAdvance || tr.Next != stage.StageDesign {
		t.Errorf("transition = %+v, want advance to design", tr)
	}
	if state.Stage() != stage.StageDesign {
		t.Errorf("state stage = %s", state.Stage())
	}
	if store.saves != 1 {
		t.Errorf("state must be persisted exactly once, got %d", store.saves)
	}
	if len(state.History()) != 1 {
		t.Errorf("accepted transition must append one history entry")
	}
}

func TestEvaluate_TerminalStateRejected(t *testing.T) {
	core := newTestCore(&memStateStore{})
	state := stateAt(t, stage.StageHumanReview, 0, 5)

	_, err := core.Evaluate(state, passOutcome())
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("want ErrInvalidState, got %v", err)
	}
}

func TestEvaluate_RetryBudget(t *testing.T) {
	// With max_stage_attempts = 3, three failures retry and the fourth
	// evaluation escalates.
	store := &memStateStore{}
	core := newTestCore(store)
	state := stateAt(t, stage.StageImplementation, 0, 3)

	for i := 1; i <= 3; i++ {
		tr, err := core.Evaluate(state, failOutcome())
		if err != nil {
			t.Fatalf("evaluation %d: %v", i, err)
		}
		if tr.Kind != TransitionRetry {
			t.Fatalf("evaluation %d kind = %s, want retry", i, tr.Kind)
		}
		if state.StageAttempt() != i {
			t.Fatalf("evaluation %d attempt = %d, want %d", i, state.StageAttempt(), i)
		}
	}

	tr, err := core.Evaluate(state, failOutcome())
	if err != nil {
		t.Fatalf("fourth evaluation: %v", err)
	}
	if tr.Kind != TransitionEscalate || tr.Next != stage.StageHumanReview {
		t.Errorf("fourth evaluation = %+v, want escalate to human_review", tr)
	}
	if tr.Reason == "" {
		t.Error("escalation must carry a reason")
	}
}

func TestEvaluate_PerStageRetryCapOverridesGlobal(t *testing.T) {
	// retry_policy_by_stage caps design at one retry even though the
	// global budget allows five
	one := 1
	pol := config.Default()
	pol.RetryPolicyByStage = map[string]config.StageRetry{
		"design": {MaxRetries: &one},
	}
	store := &memStateStore{}
	core := NewCore(stage.NewRegistry(), pol, store, "")
	state := stateAt(t, stage.StageDesign, 0, 5)

	tr, err := core.Evaluate(state, failOutcome())
	if err != nil {
		t.Fatalf("first evaluation: %v", err)
	}
	if tr.Kind != TransitionRetry {
		t.Fatalf("first evaluation kind = %s, want retry", tr.Kind)
	}

	tr, err = core.Evaluate(state, failOutcome())
	if err != nil {
		t.Fatalf("second evaluation: %v", err)
	}
	if tr.Kind != TransitionEscalate {
		t.Errorf("second evaluation = %+v, want escalate once the per-stage cap is hit", tr)
	}

	// Stages without an override keep the global budget
	state = stateAt(t, stage.StageImplementation, 1, 5)
	tr, err = core.Evaluate(state, failOutcome())
	if err != nil {
		t.Fatalf("implementation evaluation: %v", err)
	}
	if tr.Kind != TransitionRetry {
		t.Errorf("implementation kind = %s, want retry under the global budget", tr.Kind)
	}
}

func TestEvaluate_ReviewFailureReentersImplementation(t *testing.T) {
	core := newTestCore(&memStateStore{})
	state := stateAt(t, stage.StageImplementationReview, 1, 5)

	tr, err := core.Evaluate(state, failOutcome())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if tr.Kind != TransitionRetry || tr.Next != stage.StageImplementation {
		t.Errorf("transition = %+v, want retry into implementation", tr)
	}
	// The attempt count carries across the review/implementation pair
	if state.StageAttempt() != 2 {
		t.Errorf("carried attempt = %d, want 2", state.StageAttempt())
	}
}

func TestEvaluate_HardFailEscalates(t *testing.T) {
	core := newTestCore(&memStateStore{})
	state := stateAt(t, stage.StageLaunch, 0, 5)

	outcome := StageOutcome{Verification: verify.Outcome{
		Status:  verify.StatusHardFail,
		Summary: "design requires external-scheduler execution but this host provides local",
	}}
	tr, err := core.Evaluate(state, outcome)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if tr.Kind != TransitionEscalate {
		t.Errorf("kind = %s, want escalate", tr.Kind)
	}
	if !strings.Contains(tr.Reason, "external-scheduler") {
		t.Errorf("reason should carry the failure summary, got %q", tr.Reason)
	}
}

func TestEvaluate_DecisionRouting(t *testing.T) {
	tests := []struct {
		kind stage.DecisionKind
		want stage.Stage
	}{
		{stage.DecisionRestartHypothesis, stage.StageHypothesis},
		{stage.DecisionIterateDesign, stage.StageDesign},
		{stage.DecisionStop, stage.StageStop},
		{stage.DecisionEscalateHuman, stage.StageHumanReview},
	}
	for _, tt := range tests {
		core := newTestCore(&memStateStore{})
		state := stateAt(t, stage.StageDecideRepeat, 0, 5)

		outcome := passOutcome()
		outcome.Decision = &decision.Record{Decision: tt.kind, Rationale: "r"}
		tr, err := core.Evaluate(state, outcome)
		if err != nil {
			t.Fatalf("Evaluate(%s): %v", tt.kind, err)
		}
		if tr.Kind != TransitionAdvance || tr.Next != tt.want {
			t.Errorf("decision %s routed to %+v, want advance to %s", tt.kind, tr, tt.want)
		}
	}
}

func TestEvaluate_DecisionStagePassWithoutRecordEscalates(t *testing.T) {
	core := newTestCore(&memStateStore{})
	state := stateAt(t, stage.StageDecideRepeat, 0, 5)

	tr, err := core.Evaluate(state, passOutcome())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if tr.Kind != TransitionEscalate {
		t.Errorf("missing decision must escalate, got %+v", tr)
	}
}

func TestEvaluate_GuardrailBreachOutranksPass(t *testing.T) {
	// Streak threshold 2, three identical prior decisions: even a
	// passing stage escalates.
	var history []workflowstate.HistoryEntry
	for i := 0; i < 3; i++ {
		history = append(history, workflowstate.HistoryEntry{
			Stage:    stage.StageDecideRepeat,
			Decision: stage.DecisionIterateDesign,
			Progress: true,
		})
	}
	state, err := workflowstate.Reconstruct("exp-001", stage.StageDesign, 0, 0, "", "", 5, 50, history)
	if err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}

	pol := config.Default()
	pol.Guardrails.MaxSameDecisionStreak = 2
	core := NewCore(stage.NewRegistry(), pol, &memStateStore{}, "")

	tr, err := core.Evaluate(state, passOutcome())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if tr.Kind != TransitionEscalate || tr.Next != stage.StageHumanReview {
		t.Errorf("transition = %+v, want escalate to human_review", tr)
	}
	if !strings.Contains(tr.Reason, "same_decision_streak") {
		t.Errorf("reason should name the tripped guardrail, got %q", tr.Reason)
	}
}

func TestEvaluate_IterationBudgetEscalates(t *testing.T) {
	state, err := workflowstate.Reconstruct("exp-001", stage.StageDesign, 0, 50, "", "", 5, 50, nil)
	if err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}
	core := newTestCore(&memStateStore{})

	tr, err := core.Evaluate(state, passOutcome())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if tr.Kind != TransitionEscalate {
		t.Errorf("kind = %s, want escalate", tr.Kind)
	}
	if !strings.Contains(tr.Reason, "budget") {
		t.Errorf("reason = %q", tr.Reason)
	}
}

func TestEvaluate_StopDecisionAtIterationBudgetStopsCleanly(t *testing.T) {
	// A stop decision landing exactly at the iteration budget must
	// still route to stop instead of escalating
	state, err := workflowstate.Reconstruct("exp-001", stage.StageDecideRepeat, 0, 50, "", "", 5, 50, nil)
	if err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}
	core := newTestCore(&memStateStore{})

	outcome := passOutcome()
	outcome.Decision = &decision.Record{Decision: stage.DecisionStop, Rationale: "objective met"}
	tr, err := core.Evaluate(state, outcome)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if tr.Kind != TransitionAdvance || tr.Next != stage.StageStop {
		t.Errorf("transition = %+v, want advance to stop", tr)
	}

	// A non-terminal decision at the same boundary still escalates
	state, err = workflowstate.Reconstruct("exp-001", stage.StageDecideRepeat, 0, 50, "", "", 5, 50, nil)
	if err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}
	outcome = passOutcome()
	outcome.Decision = &decision.Record{Decision: stage.DecisionIterateDesign, Rationale: "r"}
	tr, err = core.Evaluate(state, outcome)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if tr.Kind != TransitionEscalate {
		t.Errorf("transition = %+v, want escalate at the exhausted budget", tr)
	}
}

func TestEvaluate_AwaitExternalStays(t *testing.T) {
	core := newTestCore(&memStateStore{})
	state := stateAt(t, stage.StageLaunch, 0, 5)

	tr, err := core.Evaluate(state, StageOutcome{AwaitExternal: true})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if tr.Kind != TransitionAwaitExternal || tr.Next != stage.StageLaunch {
		t.Errorf("transition = %+v, want await_external staying at launch", tr)
	}
	if state.Stage() != stage.StageLaunch {
		t.Errorf("state must stay at launch, got %s", state.Stage())
	}
}
