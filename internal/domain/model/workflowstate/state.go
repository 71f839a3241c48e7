package workflowstate

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/YoshitsuguKoike/autolab/internal/domain/model/stage"
)

const (
	// DefaultMaxStageAttempts bounds verification retries at one stage
	DefaultMaxStageAttempts = 5
	// DefaultMaxTotalIterations bounds full lifecycle loops
	DefaultMaxTotalIterations = 50
	// HistoryCapacity bounds the decision-history ring
	HistoryCapacity = 200
)

// HistoryEntry is one recorded stage outcome. Guardrail counters are
// recomputed from these entries and never persisted on their own.
type HistoryEntry struct {
	Stage           stage.Stage        `json:"stage"`
	Decision        stage.DecisionKind `json:"decision,omitempty"`
	Timestamp       time.Time          `json:"timestamp"`
	VerifierSummary string             `json:"verifier_summary,omitempty"`
	Progress        bool               `json:"progress"`
	GeneratedTask   bool               `json:"generated_task,omitempty"`
}

// State is the single durable workflow record. All mutation flows through
// the transition core; other components hold it read-only.
type State struct {
	iterationID        string
	stage              stage.Stage
	stageAttempt       int
	totalIterations    int
	lastRunID          string
	syncStatus         string
	maxStageAttempts   int
	maxTotalIterations int
	history            []HistoryEntry
}

// NormalizeIterationID canonicalizes an operator-supplied iteration ID.
// Operators paste these from editors and shell history, so Unicode
// composition differences must not fork the iteration directory.
func NormalizeIterationID(raw string) string {
	return norm.NFC.String(strings.TrimSpace(raw))
}

// New creates the initial state for a fresh iteration
func New(iterationID string) (*State, error) {
	id := NormalizeIterationID(iterationID)
	if id == "" {
		return nil, errors.New("iteration ID cannot be empty")
	}
	return &State{
		iterationID:        id,
		stage:              stage.StageHypothesis,
		maxStageAttempts:   DefaultMaxStageAttempts,
		maxTotalIterations: DefaultMaxTotalIterations,
	}, nil
}

// Reconstruct rebuilds a State from persisted values. Out-of-range numeric
// fields are clamped to defaults rather than rejected so that hand-edited
// state files load predictably.
func Reconstruct(
	iterationID string,
	current stage.Stage,
	stageAttempt int,
	totalIterations int,
	lastRunID string,
	syncStatus string,
	maxStageAttempts int,
	maxTotalIterations int,
	history []HistoryEntry,
) (*State, error) {
	if !current.IsValid() {
		return nil, fmt.Errorf("unknown stage %q in persisted state", current)
	}
	if maxStageAttempts <= 0 {
		maxStageAttempts = DefaultMaxStageAttempts
	}
	if maxTotalIterations <= 0 {
		maxTotalIterations = DefaultMaxTotalIterations
	}
	if stageAttempt < 0 {
		stageAttempt = 0
	}
	if totalIterations < 0 {
		totalIterations = 0
	}
	if len(history) > HistoryCapacity {
		history = history[len(history)-HistoryCapacity:]
	}
	st := &State{
		iterationID:        NormalizeIterationID(iterationID),
		stage:              current,
		stageAttempt:       stageAttempt,
		totalIterations:    totalIterations,
		lastRunID:          lastRunID,
		syncStatus:         syncStatus,
		maxStageAttempts:   maxStageAttempts,
		maxTotalIterations: maxTotalIterations,
		history:            append([]HistoryEntry(nil), history...),
	}
	return st, nil
}

// IterationID returns the active iteration identifier
func (s *State) IterationID() string { return s.iterationID }

// Stage returns the current stage
func (s *State) Stage() stage.Stage { return s.stage }

// StageAttempt returns the attempt counter for the current stage
func (s *State) StageAttempt() int { return s.stageAttempt }

// TotalIterations returns the number of completed lifecycle loops
func (s *State) TotalIterations() int { return s.totalIterations }

// LastRunID returns the identifier of the most recent experiment run
func (s *State) LastRunID() string { return s.lastRunID }

// SyncStatus returns the last observed artifact sync status
func (s *State) SyncStatus() string { return s.syncStatus }

// MaxStageAttempts returns the per-stage retry budget
func (s *State) MaxStageAttempts() int { return s.maxStageAttempts }

// MaxTotalIterations returns the lifecycle loop budget
func (s *State) MaxTotalIterations() int { return s.maxTotalIterations }

// History returns a copy of the decision-history ring, oldest first
func (s *State) History() []HistoryEntry {
	return append([]HistoryEntry(nil), s.history...)
}

// AttemptsExhausted reports whether the retry budget for the current
// stage has been consumed
func (s *State) AttemptsExhausted() bool {
	return s.stageAttempt >= s.maxStageAttempts
}

// IterationBudgetExhausted reports whether the lifecycle loop budget has
// been consumed
func (s *State) IterationBudgetExhausted() bool {
	return s.totalIterations >= s.maxTotalIterations
}

// AdvanceTo moves the state to next and resets the attempt counter.
// Only the transition core calls this.
func (s *State) AdvanceTo(next stage.Stage) error {
	if s.stage.IsTerminal() {
		return fmt.Errorf("stage %s is terminal and accepts no transitions", s.stage)
	}
	if !next.IsValid() {
		return fmt.Errorf("unknown stage %q", next)
	}
	if next == stage.StageHypothesis || next == stage.StageDesign {
		// Returning to the head of the pipeline starts a new loop.
		s.totalIterations++
	}
	s.stage = next
	s.stageAttempt = 0
	return nil
}

// RecordRetry increments the attempt counter for the current stage
func (s *State) RecordRetry() {
	s.stageAttempt++
}

// SetStageAttempt overrides the attempt counter. Used when a review
// failure re-enters implementation carrying the accumulated attempt.
func (s *State) SetStageAttempt(n int) {
	if n < 0 {
		n = 0
	}
	s.stageAttempt = n
}

// SetLastRun records the active run identifier and resets sync status
func (s *State) SetLastRun(runID, syncStatus string) {
	s.lastRunID = runID
	s.syncStatus = syncStatus
}

// SetSyncStatus updates the observed artifact sync status
func (s *State) SetSyncStatus(status string) {
	s.syncStatus = status
}

// AppendHistory pushes an entry onto the bounded ring
func (s *State) AppendHistory(entry HistoryEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	s.history = append(s.history, entry)
	if len(s.history) > HistoryCapacity {
		s.history = s.history[len(s.history)-HistoryCapacity:]
	}
}

// Reset returns the state to the head of the pipeline for the same
// iteration, keeping history for guardrail context
func (s *State) Reset() {
	s.stage = stage.StageHypothesis
	s.stageAttempt = 0
	s.lastRunID = ""
	s.syncStatus = ""
}
