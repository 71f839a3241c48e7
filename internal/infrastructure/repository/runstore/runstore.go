// Package runstore persists run manifests under each iteration's runs
// directory.
package runstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/YoshitsuguKoike/autolab/internal/domain/model/run"
	infrafile "github.com/YoshitsuguKoike/autolab/internal/infra/persistence/file"
)

// ErrManifestNotFound is returned when no manifest exists for a run
var ErrManifestNotFound = fmt.Errorf("run manifest not found")

type manifestDoc struct {
	RunID           string              `json:"run_id"`
	IterationID     string              `json:"iteration_id"`
	HostMode        string              `json:"host_mode"`
	Command         string              `json:"command"`
	ResourceRequest run.ResourceRequest `json:"resource_request"`
	Status          string              `json:"status"`
	ArtifactSync    run.ArtifactSync    `json:"artifact_sync_to_local"`
	Timestamps      struct {
		StartedAt   string `json:"started_at"`
		CompletedAt string `json:"completed_at,omitempty"`
	} `json:"timestamps"`
}

// Repository stores manifests under <root>/<iteration>/runs/<run_id>/
type Repository struct {
	fs   afero.Fs
	root string
}

// NewRepository creates a manifest repository over the experiments root
func NewRepository(fs afero.Fs, experimentsRoot string) *Repository {
	return &Repository{fs: fs, root: experimentsRoot}
}

// Path returns the manifest location for a run
func (r *Repository) Path(iterationID, runID string) string {
	return filepath.Join(r.root, iterationID, "runs", runID, "run_manifest.json")
}

// Save writes the manifest atomically
func (r *Repository) Save(m *run.Manifest) error {
	var doc manifestDoc
	doc.RunID = m.RunID()
	doc.IterationID = m.IterationID()
	doc.HostMode = m.HostMode().String()
	doc.Command = m.Command()
	doc.ResourceRequest = m.Resources()
	doc.Status = m.Status().String()
	doc.ArtifactSync = m.Sync()
	doc.Timestamps.StartedAt = m.StartedAt().UTC().Format(time.RFC3339)
	if completed := m.CompletedAt(); completed != nil {
		doc.Timestamps.CompletedAt = completed.UTC().Format(time.RFC3339)
	}
	return infrafile.WriteJSONAtomic(r.fs, r.Path(m.IterationID(), m.RunID()), doc)
}

// Load reads and reconstructs a manifest
func (r *Repository) Load(iterationID, runID string) (*run.Manifest, error) {
	path := r.Path(iterationID, runID)
	data, err := afero.ReadFile(r.fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrManifestNotFound
		}
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}

	var doc manifestDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}

	startedAt, err := time.Parse(time.RFC3339, doc.Timestamps.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("manifest %s has invalid started_at %q", path, doc.Timestamps.StartedAt)
	}
	var completedAt *time.Time
	if doc.Timestamps.CompletedAt != "" {
		t, err := time.Parse(time.RFC3339, doc.Timestamps.CompletedAt)
		if err != nil {
			return nil, fmt.Errorf("manifest %s has invalid completed_at %q", path, doc.Timestamps.CompletedAt)
		}
		completedAt = &t
	}

	return run.ReconstructManifest(
		doc.RunID,
		doc.IterationID,
		run.HostMode(doc.HostMode),
		doc.Command,
		doc.ResourceRequest,
		run.Status(doc.Status),
		doc.ArtifactSync,
		startedAt,
		completedAt,
	)
}
