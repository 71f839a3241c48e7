// Package extract computes the metrics outcome for a finished run. It
// owns the synced-to-completed promotion: the async tracker never
// claims completed, and a failed run can never become completed here.
package extract

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/YoshitsuguKoike/autolab/internal/domain/model/run"
	infrafile "github.com/YoshitsuguKoike/autolab/internal/infra/persistence/file"
)

// Status classifies the extraction result
type Status string

const (
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
)

// Result is the persisted extraction outcome
type Result struct {
	RunID           string   `json:"run_id"`
	Status          Status   `json:"status"`
	MissingEvidence []string `json:"missing_evidence,omitempty"`
	Note            string   `json:"note,omitempty"`
}

// RunStore loads and saves manifests
type RunStore interface {
	Save(m *run.Manifest) error
	Load(iterationID, runID string) (*run.Manifest, error)
	Path(iterationID, runID string) string
}

// Service extracts metrics from synced run artifacts
type Service struct {
	fs   afero.Fs
	runs RunStore
}

// NewService wires the extraction service
func NewService(fs afero.Fs, runs RunStore) *Service {
	return &Service{fs: fs, runs: runs}
}

// Extract reads the run's terminal state and reduces it to an
// extraction result. Only a synced run with non-empty metrics may be
// promoted to completed.
func (s *Service) Extract(iterationID, runID string) (*Result, error) {
	if runID == "" {
		return nil, fmt.Errorf("extraction requires a recorded run id")
	}

	manifest, err := s.runs.Load(iterationID, runID)
	if err != nil {
		return nil, err
	}

	runDir := filepath.Dir(s.runs.Path(iterationID, runID))
	metricsPath := filepath.Join(runDir, "metrics.json")

	switch manifest.Status() {
	case run.StatusSynced:
		if !manifest.SyncSucceeded() {
			return s.persist(runDir, &Result{
				RunID:           runID,
				Status:          StatusPartial,
				MissingEvidence: []string{fmt.Sprintf("artifact sync for run %s reported %q", runID, manifest.Sync().Status)},
			})
		}
		info, err := s.fs.Stat(metricsPath)
		if err != nil || info.Size() == 0 {
			return s.persist(runDir, &Result{
				RunID:           runID,
				Status:          StatusPartial,
				MissingEvidence: []string{fmt.Sprintf("metrics.json missing or empty for run %s", runID)},
			})
		}
		if err := manifest.Transition(run.StatusCompleted); err != nil {
			return nil, err
		}
		if err := s.runs.Save(manifest); err != nil {
			return nil, err
		}
		return s.persist(runDir, &Result{RunID: runID, Status: StatusCompleted})

	case run.StatusFailed:
		return s.persist(runDir, &Result{
			RunID:  runID,
			Status: StatusFailed,
			Note:   fmt.Sprintf("run %s failed before artifacts were usable", runID),
		})

	case run.StatusCompleted:
		// Already promoted by a previous extraction pass.
		return s.persist(runDir, &Result{RunID: runID, Status: StatusCompleted})

	default:
		// Submitted or running: the scheduler state was never
		// reconciled, so the evidence is explicitly accounted missing.
		return s.persist(runDir, &Result{
			RunID:           runID,
			Status:          StatusPartial,
			MissingEvidence: []string{fmt.Sprintf("run %s never reached a terminal state (last %s)", runID, manifest.Status())},
		})
	}
}

func (s *Service) persist(runDir string, result *Result) (*Result, error) {
	path := filepath.Join(runDir, "extraction_result.json")
	if err := infrafile.WriteJSONAtomic(s.fs, path, result); err != nil {
		return nil, err
	}
	return result, nil
}
