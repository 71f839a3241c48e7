package runstore

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
)

// SharedFSSyncer reconciles artifacts for runs that execute on a
// scheduler sharing the experiments filesystem with the orchestrator.
// Nothing is copied; a sync succeeds when the job left its metrics
// behind where the manifest expects them.
type SharedFSSyncer struct {
	fs   afero.Fs
	root string
}

// NewSharedFSSyncer creates a syncer over the experiments root
func NewSharedFSSyncer(fs afero.Fs, experimentsRoot string) *SharedFSSyncer {
	return &SharedFSSyncer{fs: fs, root: experimentsRoot}
}

// Sync locates the run directory and reports "ok" when metrics.json is
// present and non-empty, "failed" otherwise
func (s *SharedFSSyncer) Sync(_ context.Context, runID string) (string, error) {
	runDir, err := s.findRunDir(runID)
	if err != nil {
		return "failed", err
	}

	info, err := s.fs.Stat(filepath.Join(runDir, "metrics.json"))
	if err != nil || info.Size() == 0 {
		return "failed", nil
	}
	return "ok", nil
}

// findRunDir scans iteration directories for runs/<runID>
func (s *SharedFSSyncer) findRunDir(runID string) (string, error) {
	entries, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		return "", fmt.Errorf("scan experiments root %s: %w", s.root, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		candidate := filepath.Join(s.root, entry.Name(), "runs", runID)
		if ok, _ := afero.DirExists(s.fs, candidate); ok {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no run directory found for %s", runID)
}
