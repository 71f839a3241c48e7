// Package statefile persists the durable WorkflowState JSON document.
package statefile

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/afero"

	"github.com/YoshitsuguKoike/autolab/internal/domain/model/stage"
	"github.com/YoshitsuguKoike/autolab/internal/domain/model/workflowstate"
	infrafile "github.com/YoshitsuguKoike/autolab/internal/infra/persistence/file"
)

// ErrNotInitialized is returned when no state file exists yet
var ErrNotInitialized = fmt.Errorf("workflow state is not initialized")

type historyDoc struct {
	Stage           string `json:"stage"`
	Decision        string `json:"decision,omitempty"`
	Timestamp       string `json:"timestamp"`
	VerifierSummary string `json:"verifier_summary,omitempty"`
	Progress        bool   `json:"progress"`
	GeneratedTask   bool   `json:"generated_task,omitempty"`
}

type stateDoc struct {
	IterationID        string       `json:"iteration_id"`
	Stage              string       `json:"stage"`
	StageAttempt       int          `json:"stage_attempt"`
	TotalIterations    int          `json:"total_iterations"`
	LastRunID          string       `json:"last_run_id"`
	SyncStatus         string       `json:"sync_status"`
	MaxStageAttempts   int          `json:"max_stage_attempts"`
	MaxTotalIterations int          `json:"max_total_iterations"`
	History            []historyDoc `json:"history,omitempty"`
}

// Repository loads and saves the state document
type Repository struct {
	fs   afero.Fs
	path string
}

// NewRepository creates a repository bound to the state file path
func NewRepository(fs afero.Fs, path string) *Repository {
	return &Repository{fs: fs, path: path}
}

// Exists reports whether a state file is present
func (r *Repository) Exists() bool {
	_, err := r.fs.Stat(r.path)
	return err == nil
}

// Load reads and normalizes the state document. Unknown stages are
// rejected; malformed numeric fields fall back to defaults inside the
// domain reconstruction.
func (r *Repository) Load() (*workflowstate.State, error) {
	data, err := afero.ReadFile(r.fs, r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotInitialized
		}
		return nil, fmt.Errorf("read state %s: %w", r.path, err)
	}

	var doc stateDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse state %s: %w", r.path, err)
	}

	current, ok := stage.Parse(doc.Stage)
	if !ok {
		return nil, fmt.Errorf("state %s holds unknown stage %q", r.path, doc.Stage)
	}

	history := make([]workflowstate.HistoryEntry, 0, len(doc.History))
	for _, h := range doc.History {
		entryStage, ok := stage.Parse(h.Stage)
		if !ok {
			continue
		}
		ts, terr := time.Parse(time.RFC3339Nano, h.Timestamp)
		if terr != nil {
			ts = time.Time{}
		}
		history = append(history, workflowstate.HistoryEntry{
			Stage:           entryStage,
			Decision:        stage.DecisionKind(h.Decision),
			Timestamp:       ts,
			VerifierSummary: h.VerifierSummary,
			Progress:        h.Progress,
			GeneratedTask:   h.GeneratedTask,
		})
	}

	return workflowstate.Reconstruct(
		doc.IterationID,
		current,
		doc.StageAttempt,
		doc.TotalIterations,
		doc.LastRunID,
		doc.SyncStatus,
		doc.MaxStageAttempts,
		doc.MaxTotalIterations,
		history,
	)
}

// Save writes the state document atomically
func (r *Repository) Save(state *workflowstate.State) error {
	history := state.History()
	docs := make([]historyDoc, 0, len(history))
	for _, h := range history {
		docs = append(docs, historyDoc{
			Stage:           h.Stage.String(),
			Decision:        string(h.Decision),
			Timestamp:       h.Timestamp.UTC().Format(time.RFC3339Nano),
			VerifierSummary: h.VerifierSummary,
			Progress:        h.Progress,
			GeneratedTask:   h.GeneratedTask,
		})
	}

	doc := stateDoc{
		IterationID:        state.IterationID(),
		Stage:              state.Stage().String(),
		StageAttempt:       state.StageAttempt(),
		TotalIterations:    state.TotalIterations(),
		LastRunID:          state.LastRunID(),
		SyncStatus:         state.SyncStatus(),
		MaxStageAttempts:   state.MaxStageAttempts(),
		MaxTotalIterations: state.MaxTotalIterations(),
		History:            docs,
	}
	return infrafile.WriteJSONAtomic(r.fs, r.path, doc)
}
