package statefile_test

import (
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YoshitsuguKoike/autolab/internal/domain/model/stage"
	"github.com/YoshitsuguKoike/autolab/internal/domain/model/workflowstate"
	"github.com/YoshitsuguKoike/autolab/internal/infrastructure/repository/statefile"
)

const statePath = "/work/.autolab/var/state.json"

func TestRepository_RoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	repo := statefile.NewRepository(fs, statePath)

	history := []workflowstate.HistoryEntry{
		{
			Stage:           stage.StageDesign,
			Timestamp:       time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
			VerifierSummary: "design checks passed",
			Progress:        true,
		},
		{
			Stage:         stage.StageDecideRepeat,
			Decision:      stage.DecisionIterateDesign,
			Timestamp:     time.Date(2026, 3, 1, 14, 30, 0, 0, time.UTC),
			Progress:      true,
			GeneratedTask: true,
		},
	}
	state, err := workflowstate.Reconstruct(
		"exp-001", stage.StageDesign, 2, 3, "run-9", "ok", 5, 50, history,
	)
	require.NoError(t, err)
	require.NoError(t, repo.Save(state))

	loaded, err := repo.Load()
	require.NoError(t, err)
	assert.Equal(t, "exp-001", loaded.IterationID())
	assert.Equal(t, stage.StageDesign, loaded.Stage())
	assert.Equal(t, 2, loaded.StageAttempt())
	assert.Equal(t, 3, loaded.TotalIterations())
	assert.Equal(t, "run-9", loaded.LastRunID())
	assert.Equal(t, "ok", loaded.SyncStatus())
	assert.Equal(t, 5, loaded.MaxStageAttempts())
	assert.Equal(t, 50, loaded.MaxTotalIterations())

	reloaded := loaded.History()
	require.Len(t, reloaded, 2)
	assert.Equal(t, stage.StageDesign, reloaded[0].Stage)
	assert.Equal(t, "design checks passed", reloaded[0].VerifierSummary)
	assert.Equal(t, stage.DecisionIterateDesign, reloaded[1].Decision)
	assert.True(t, reloaded[1].GeneratedTask)
	assert.True(t, reloaded[1].Timestamp.Equal(history[1].Timestamp))
}

func TestRepository_LoadMissingFile(t *testing.T) {
	repo := statefile.NewRepository(afero.NewMemMapFs(), statePath)
	_, err := repo.Load()
	assert.True(t, errors.Is(err, statefile.ErrNotInitialized))
	assert.False(t, repo.Exists())
}

func TestRepository_LoadRejectsUnknownStage(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, statePath,
		[]byte(`{"iteration_id":"exp-001","stage":"warp_drive"}`), 0o644))

	_, err := statefile.NewRepository(fs, statePath).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown stage")
}

func TestRepository_LoadRejectsMalformedJSON(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, statePath, []byte("{not json"), 0o644))

	_, err := statefile.NewRepository(fs, statePath).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse state")
}

func TestRepository_LoadSkipsUnparsableHistoryEntries(t *testing.T) {
	fs := afero.NewMemMapFs()
	doc := `{
		"iteration_id": "exp-001",
		"stage": "design",
		"max_stage_attempts": 5,
		"max_total_iterations": 50,
		"history": [
			{"stage": "obsolete_stage", "timestamp": "2026-03-01T10:00:00Z"},
			{"stage": "hypothesis", "timestamp": "not a timestamp", "progress": true}
		]
	}`
	require.NoError(t, afero.WriteFile(fs, statePath, []byte(doc), 0o644))

	loaded, err := statefile.NewRepository(fs, statePath).Load()
	require.NoError(t, err)
	history := loaded.History()
	require.Len(t, history, 1, "unknown stages are dropped, bad timestamps zeroed")
	assert.Equal(t, stage.StageHypothesis, history[0].Stage)
	assert.True(t, history[0].Timestamp.IsZero())
}

func TestRepository_SaveOverwritesAtomically(t *testing.T) {
	fs := afero.NewMemMapFs()
	repo := statefile.NewRepository(fs, statePath)

	state, err := workflowstate.New("exp-001")
	require.NoError(t, err)
	require.NoError(t, repo.Save(state))
	assert.True(t, repo.Exists())

	require.NoError(t, state.AdvanceTo(stage.StageDesign))
	require.NoError(t, repo.Save(state))

	loaded, err := repo.Load()
	require.NoError(t, err)
	assert.Equal(t, stage.StageDesign, loaded.Stage())
}
