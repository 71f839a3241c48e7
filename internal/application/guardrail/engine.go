// Package guardrail watches recent decision history and forces
// escalation before an unattended loop can oscillate or stall on
// auto-generated busywork.
package guardrail

import (
	"fmt"

	"github.com/YoshitsuguKoike/autolab/internal/app/config"
	"github.com/YoshitsuguKoike/autolab/internal/domain/model/stage"
	"github.com/YoshitsuguKoike/autolab/internal/domain/model/workflowstate"
)

// Kind identifies which guardrail tripped
type Kind string

const (
	KindSameDecisionStreak Kind = "same_decision_streak"
	KindNoProgress         Kind = "no_progress_decisions"
	KindUpdateDocsCycles   Kind = "update_docs_cycles"
	KindGeneratedTasks     Kind = "generated_tasks"
)

// Breach reports a tripped guardrail with the metric and threshold, so
// the escalation message never reads as a bare "escalated"
type Breach struct {
	Kind      Kind
	Observed  int
	Threshold int
}

func (b *Breach) Error() string {
	return fmt.Sprintf("guardrail %s tripped: observed %d, threshold %d", b.Kind, b.Observed, b.Threshold)
}

// Counters are the decision-history-derived metrics. They are
// recomputed from the history ring on every evaluation and never
// persisted on their own.
type Counters struct {
	SameDecisionStreak  int
	NoProgressDecisions int
	UpdateDocsCycles    int
	GeneratedTasks      int
}

// Compute derives the counters from the bounded history ring
func Compute(history []workflowstate.HistoryEntry) Counters {
	var c Counters

	// Longest suffix of identical decisions
	var lastDecision stage.DecisionKind
	for i := len(history) - 1; i >= 0; i-- {
		entry := history[i]
		if entry.Decision == "" {
			continue
		}
		if lastDecision == "" {
			lastDecision = entry.Decision
		}
		if entry.Decision != lastDecision {
			break
		}
		c.SameDecisionStreak++
	}

	// Consecutive trailing decisions with no measurable progress.
	// Progress lands on non-decision entries (a completed extraction),
	// so any progressing entry resets the count, not just decisions.
	for i := len(history) - 1; i >= 0; i-- {
		entry := history[i]
		if entry.Progress {
			break
		}
		if entry.Decision == "" {
			continue
		}
		c.NoProgressDecisions++
	}

	// Documentation passes count only since the most recent decision:
	// each decision closes a loop and resets the cycle counter, so
	// only extract/update_docs churn inside one loop trips it
	for i := len(history) - 1; i >= 0; i-- {
		entry := history[i]
		if entry.Decision != "" {
			break
		}
		if entry.Stage == stage.StageUpdateDocs {
			c.UpdateDocsCycles++
		}
	}

	// Auto-generated fallback tasks count over the whole ring
	for _, entry := range history {
		if entry.GeneratedTask {
			c.GeneratedTasks++
		}
	}

	return c
}

// Check compares the derived counters against policy thresholds. A zero
// threshold disables that guardrail. The first breach wins.
func Check(history []workflowstate.HistoryEntry, cfg config.Guardrails) *Breach {
	c := Compute(history)

	checks := []struct {
		kind      Kind
		observed  int
		threshold int
	}{
		{KindSameDecisionStreak, c.SameDecisionStreak, cfg.MaxSameDecisionStreak},
		{KindNoProgress, c.NoProgressDecisions, cfg.MaxNoProgressDecisions},
		{KindUpdateDocsCycles, c.UpdateDocsCycles, cfg.MaxUpdateDocsCycles},
		{KindGeneratedTasks, c.GeneratedTasks, cfg.MaxGeneratedTasks},
	}

	for _, check := range checks {
		if check.threshold <= 0 {
			continue
		}
		if check.observed > check.threshold {
			return &Breach{Kind: check.kind, Observed: check.observed, Threshold: check.threshold}
		}
	}
	return nil
}
