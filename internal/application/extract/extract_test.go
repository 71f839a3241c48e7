package extract_test

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YoshitsuguKoike/autolab/internal/application/extract"
	"github.com/YoshitsuguKoike/autolab/internal/domain/model/run"
)

type fakeRunStore struct {
	manifest *run.Manifest
	saved    []run.Status
}

func (s *fakeRunStore) Save(m *run.Manifest) error {
	s.saved = append(s.saved, m.Status())
	return nil
}

func (s *fakeRunStore) Load(iterationID, runID string) (*run.Manifest, error) {
	return s.manifest, nil
}

func (s *fakeRunStore) Path(iterationID, runID string) string {
	return filepath.Join("/work/experiments", iterationID, "runs", runID, "run_manifest.json")
}

func manifestWithStatus(t *testing.T, status run.Status, syncStatus string) *run.Manifest {
	t.Helper()
	var completedAt *time.Time
	if status.IsTerminal() {
		now := time.Now().UTC()
		completedAt = &now
	}
	m, err := run.ReconstructManifest(
		"run-1", "exp-001", run.HostModeScheduler, "sbatch train.sbatch",
		run.ResourceRequest{}, status, run.ArtifactSync{Status: syncStatus},
		time.Now().UTC(), completedAt,
	)
	require.NoError(t, err)
	return m
}

func readResult(t *testing.T, fs afero.Fs) extract.Result {
	t.Helper()
	raw, err := afero.ReadFile(fs, "/work/experiments/exp-001/runs/run-1/extraction_result.json")
	require.NoError(t, err)
	var result extract.Result
	require.NoError(t, json.Unmarshal(raw, &result))
	return result
}

func TestExtract_SyncedWithMetricsCompletes(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := &fakeRunStore{manifest: manifestWithStatus(t, run.StatusSynced, "ok")}
	require.NoError(t, afero.WriteFile(fs,
		"/work/experiments/exp-001/runs/run-1/metrics.json",
		[]byte(`{"accuracy": 0.91}`), 0o644))

	result, err := extract.NewService(fs, store).Extract("exp-001", "run-1")
	require.NoError(t, err)
	assert.Equal(t, extract.StatusCompleted, result.Status)
	assert.Empty(t, result.MissingEvidence)
	assert.Equal(t, run.StatusCompleted, store.manifest.Status())
	assert.Equal(t, []run.Status{run.StatusCompleted}, store.saved)

	persisted := readResult(t, fs)
	assert.Equal(t, extract.StatusCompleted, persisted.Status)
	assert.Equal(t, "run-1", persisted.RunID)
}

func TestExtract_MissingMetricsIsPartial(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := &fakeRunStore{manifest: manifestWithStatus(t, run.StatusSynced, "ok")}

	result, err := extract.NewService(fs, store).Extract("exp-001", "run-1")
	require.NoError(t, err)
	assert.Equal(t, extract.StatusPartial, result.Status)
	require.Len(t, result.MissingEvidence, 1)
	assert.Contains(t, result.MissingEvidence[0], "metrics.json")
	assert.Equal(t, run.StatusSynced, store.manifest.Status(), "partial runs are not promoted")
	assert.Empty(t, store.saved)
}

func TestExtract_EmptyMetricsIsPartial(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := &fakeRunStore{manifest: manifestWithStatus(t, run.StatusSynced, "ok")}
	require.NoError(t, afero.WriteFile(fs,
		"/work/experiments/exp-001/runs/run-1/metrics.json", nil, 0o644))

	result, err := extract.NewService(fs, store).Extract("exp-001", "run-1")
	require.NoError(t, err)
	assert.Equal(t, extract.StatusPartial, result.Status)
}

func TestExtract_DegradedSyncIsPartial(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := &fakeRunStore{manifest: manifestWithStatus(t, run.StatusSynced, "failed")}
	require.NoError(t, afero.WriteFile(fs,
		"/work/experiments/exp-001/runs/run-1/metrics.json",
		[]byte(`{"accuracy": 0.91}`), 0o644))

	result, err := extract.NewService(fs, store).Extract("exp-001", "run-1")
	require.NoError(t, err)
	assert.Equal(t, extract.StatusPartial, result.Status)
	require.Len(t, result.MissingEvidence, 1)
	assert.Contains(t, result.MissingEvidence[0], `reported "failed"`)
}

func TestExtract_FailedRunNeverCompletes(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := &fakeRunStore{manifest: manifestWithStatus(t, run.StatusFailed, "failed")}
	// Even with metrics present a failed run stays failed.
	require.NoError(t, afero.WriteFile(fs,
		"/work/experiments/exp-001/runs/run-1/metrics.json",
		[]byte(`{"accuracy": 0.91}`), 0o644))

	result, err := extract.NewService(fs, store).Extract("exp-001", "run-1")
	require.NoError(t, err)
	assert.Equal(t, extract.StatusFailed, result.Status)
	assert.Contains(t, result.Note, "failed before artifacts were usable")
	assert.Equal(t, run.StatusFailed, store.manifest.Status())
}

func TestExtract_AlreadyCompletedIsIdempotent(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := &fakeRunStore{manifest: manifestWithStatus(t, run.StatusCompleted, "ok")}

	result, err := extract.NewService(fs, store).Extract("exp-001", "run-1")
	require.NoError(t, err)
	assert.Equal(t, extract.StatusCompleted, result.Status)
	assert.Empty(t, store.saved)
}

func TestExtract_UnreconciledRunIsPartial(t *testing.T) {
	for _, status := range []run.Status{run.StatusSubmitted, run.StatusRunning} {
		t.Run(string(status), func(t *testing.T) {
			fs := afero.NewMemMapFs()
			store := &fakeRunStore{manifest: manifestWithStatus(t, status, "pending")}

			result, err := extract.NewService(fs, store).Extract("exp-001", "run-1")
			require.NoError(t, err)
			assert.Equal(t, extract.StatusPartial, result.Status)
			require.Len(t, result.MissingEvidence, 1)
			assert.Contains(t, result.MissingEvidence[0], "never reached a terminal state")
		})
	}
}

func TestExtract_RequiresRunID(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, err := extract.NewService(fs, &fakeRunStore{}).Extract("exp-001", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recorded run id")
}
