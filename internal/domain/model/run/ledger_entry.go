package run

import (
	"errors"
	"time"
)

// LedgerEntry is one durable row in the external-job ledger. The job
// handle is write-once; only the observed scheduler state may change.
type LedgerEntry struct {
	runID         string
	jobHandle     string
	observedState string
	submittedAt   time.Time
	updatedAt     time.Time
}

// NewLedgerEntry records an accepted submission
func NewLedgerEntry(runID, jobHandle, observedState string) (*LedgerEntry, error) {
	if runID == "" {
		return nil, errors.New("ledger entry requires a run ID")
	}
	if jobHandle == "" {
		return nil, errors.New("ledger entry requires the scheduler job handle")
	}
	now := time.Now().UTC()
	return &LedgerEntry{
		runID:         runID,
		jobHandle:     jobHandle,
		observedState: observedState,
		submittedAt:   now,
		updatedAt:     now,
	}, nil
}

// ReconstructLedgerEntry rebuilds an entry from persisted data
func ReconstructLedgerEntry(runID, jobHandle, observedState string, submittedAt, updatedAt time.Time) *LedgerEntry {
	return &LedgerEntry{
		runID:         runID,
		jobHandle:     jobHandle,
		observedState: observedState,
		submittedAt:   submittedAt,
		updatedAt:     updatedAt,
	}
}

// ObserveState updates the last observed scheduler state
func (e *LedgerEntry) ObserveState(state string) {
	e.observedState = state
	e.updatedAt = time.Now().UTC()
}

// Getters
func (e *LedgerEntry) RunID() string         { return e.runID }
func (e *LedgerEntry) JobHandle() string     { return e.jobHandle }
func (e *LedgerEntry) ObservedState() string { return e.observedState }
func (e *LedgerEntry) SubmittedAt() time.Time { return e.submittedAt }
func (e *LedgerEntry) UpdatedAt() time.Time   { return e.updatedAt }
