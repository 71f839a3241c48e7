package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/YoshitsuguKoike/autolab/internal/application/scheduler"
	"github.com/YoshitsuguKoike/autolab/internal/domain/model/run"
)

// LedgerFinder looks up the ledger entry for a submitted run
type LedgerFinder interface {
	Find(runID string) (*run.LedgerEntry, error)
}

// Recover resumes tracking of an external run left in flight by a
// previous process. Called before the loop takes its first step so a
// crash between submission and reconciliation never strands a run.
// The poll ceiling is charged from the manifest's started_at, so
// restarts resume the original budget instead of extending it.
func (o *Orchestrator) Recover(ctx context.Context) error {
	state, err := o.states.Load()
	if err != nil {
		return err
	}
	if state.LastRunID() == "" {
		return nil
	}

	manifest, err := o.runs.Load(state.IterationID(), state.LastRunID())
	if err != nil {
		// A recorded run ID without a manifest is an inconsistency the
		// next extract step will surface; recovery has nothing to do.
		return nil
	}
	if manifest.HostMode() != run.HostModeScheduler || manifest.Status().IsTerminal() {
		return nil
	}
	if manifest.Status() == run.StatusSynced {
		return nil
	}

	entry, err := o.jobLedger.Find(manifest.RunID())
	if err != nil {
		return fmt.Errorf("recover run %s: %w", manifest.RunID(), err)
	}
	if entry == nil {
		// Submitted manifest without a ledger row: the job handle is
		// gone, so the run cannot be tracked. Extraction will account
		// the missing evidence.
		return nil
	}

	if err := o.tracker.Await(ctx, manifest, entry); err != nil {
		var divergence *scheduler.DivergenceError
		if errors.As(err, &divergence) {
			// Absorbed: extraction will report the missing evidence.
			return nil
		}
		return err
	}
	state.SetSyncStatus(manifest.Sync().Status)
	return o.states.Save(state)
}
