// Package scheduler reconciles locally observed run state with an
// external scheduler's asynchronous, polling-only status.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/YoshitsuguKoike/autolab/internal/domain/model/run"
)

// DivergenceError reports a job whose state could not be reconciled
// before the polling ceiling. The downstream extraction stage absorbs
// it as a partial result; the workflow itself does not error out.
type DivergenceError struct {
	RunID     string
	JobHandle string
	Elapsed   time.Duration
	LastState JobState
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("scheduler state for run %s (job %s) unresolved after %s, last observed %q",
		e.RunID, e.JobHandle, e.Elapsed.Round(time.Second), e.LastState)
}

// RunStore persists run manifests
type RunStore interface {
	Save(m *run.Manifest) error
}

// LedgerStore records external-job submissions and observed states
type LedgerStore interface {
	Append(entry *run.LedgerEntry) error
	UpdateState(runID, state string) error
}

// ArtifactSyncer copies produced artifacts into local control and
// returns the resulting sync status
type ArtifactSyncer interface {
	Sync(ctx context.Context, runID string) (string, error)
}

// Tracker owns polling and async-state mutation for submitted runs.
// Exactly one tracker drives a given run; extraction only reads the
// terminal state it leaves behind.
type Tracker struct {
	probe   Probe
	runs    RunStore
	ledger  LedgerStore
	syncer  ArtifactSyncer
	pollMin time.Duration
	pollMax time.Duration
	ceiling time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewTracker wires the tracker over its probe, stores and syncer
func NewTracker(probe Probe, runs RunStore, ledger LedgerStore, syncer ArtifactSyncer, pollMin, pollMax, ceiling time.Duration) *Tracker {
	return &Tracker{
		probe:   probe,
		runs:    runs,
		ledger:  ledger,
		syncer:  syncer,
		pollMin: pollMin,
		pollMax: pollMax,
		ceiling: ceiling,
		sleep:   sleepContext,
	}
}

// SetSleep overrides waiting so tests drive the schedule synchronously
func (t *Tracker) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	t.sleep = fn
}

// Submit hands the run to the scheduler and appends the ledger row. A
// missing job handle is a hard launch failure: a job cannot be tracked
// without one.
func (t *Tracker) Submit(ctx context.Context, manifest *run.Manifest, command []string) (*run.LedgerEntry, error) {
	if !t.probe.Available() {
		return nil, fmt.Errorf("scheduler client tools are not available on this host")
	}

	handle, err := t.probe.Submit(ctx, command)
	if err != nil {
		return nil, err
	}

	entry, err := run.NewLedgerEntry(manifest.RunID(), handle, string(JobStatePending))
	if err != nil {
		return nil, err
	}
	if err := t.ledger.Append(entry); err != nil {
		return nil, fmt.Errorf("append ledger entry for run %s: %w", manifest.RunID(), err)
	}

	if err := manifest.Transition(run.StatusSubmitted); err != nil {
		return nil, err
	}
	if err := t.runs.Save(manifest); err != nil {
		return nil, fmt.Errorf("persist manifest for run %s: %w", manifest.RunID(), err)
	}
	return entry, nil
}

// Await polls the scheduler on the backoff schedule until the job is
// reconciled. On terminal success it syncs artifacts and moves the run
// to synced; the tracker never claims completed. On ceiling breach it
// falls back to one terminal-status query and then reports divergence.
func (t *Tracker) Await(ctx context.Context, manifest *run.Manifest, entry *run.LedgerEntry) error {
	backoff := NewBackoff(t.pollMin, t.pollMax, t.ceiling)
	// The ceiling is measured from submission, so resuming a run after
	// a process restart continues the same budget
	if started := manifest.StartedAt(); !started.IsZero() {
		backoff.SeedElapsed(time.Since(started))
	}
	lastState := JobState(entry.ObservedState())

	for {
		if backoff.CeilingReached() {
			state, _, err := t.probe.TerminalState(ctx, entry.JobHandle())
			if err == nil && state.IsTerminal() {
				return t.finish(ctx, manifest, entry, state)
			}
			return &DivergenceError{
				RunID:     manifest.RunID(),
				JobHandle: entry.JobHandle(),
				Elapsed:   backoff.Elapsed(),
				LastState: lastState,
			}
		}

		state, err := t.probe.Poll(ctx, entry.JobHandle())
		if err == nil && state != JobStateUnknown {
			lastState = state
			t.observe(entry, state)

			if state.IsTerminal() {
				return t.finish(ctx, manifest, entry, state)
			}
			if state == JobStateRunning && manifest.Status() == run.StatusSubmitted {
				if terr := manifest.Transition(run.StatusRunning); terr == nil {
					if serr := t.runs.Save(manifest); serr != nil {
						return fmt.Errorf("persist manifest for run %s: %w", manifest.RunID(), serr)
					}
				}
			}
		}

		if err := t.sleep(ctx, backoff.Next()); err != nil {
			return err
		}
	}
}

func (t *Tracker) observe(entry *run.LedgerEntry, state JobState) {
	entry.ObserveState(string(state))
	// Ledger update failures must not abort tracking; the entry is
	// advisory once the handle is recorded.
	_ = t.ledger.UpdateState(entry.RunID(), string(state))
}

func (t *Tracker) finish(ctx context.Context, manifest *run.Manifest, entry *run.LedgerEntry, state JobState) error {
	t.observe(entry, state)

	if !state.Succeeded() {
		manifest.SetSyncStatus("failed")
		if err := manifest.Transition(run.StatusFailed); err != nil {
			return err
		}
		if err := t.runs.Save(manifest); err != nil {
			return fmt.Errorf("persist manifest for run %s: %w", manifest.RunID(), err)
		}
		return nil
	}

	syncStatus, err := t.syncer.Sync(ctx, manifest.RunID())
	if err != nil {
		manifest.SetSyncStatus("failed")
		if terr := manifest.Transition(run.StatusFailed); terr != nil {
			return terr
		}
		if serr := t.runs.Save(manifest); serr != nil {
			return fmt.Errorf("persist manifest for run %s: %w", manifest.RunID(), serr)
		}
		return nil
	}

	manifest.SetSyncStatus(syncStatus)
	next := run.StatusSynced
	if !run.SyncSuccessLike(syncStatus) {
		next = run.StatusFailed
	}
	if err := manifest.Transition(next); err != nil {
		return err
	}
	if err := t.runs.Save(manifest); err != nil {
		return fmt.Errorf("persist manifest for run %s: %w", manifest.RunID(), err)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
