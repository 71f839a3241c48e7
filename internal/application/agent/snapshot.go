package agent

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// Signature identifies one file's state in a walk snapshot
type Signature struct {
	MTime int64
	Size  int64
}

// Snapshot is a point-in-time inventory of repository paths
type Snapshot map[string]Signature

// SnapshotStrategy captures before/after inventories and computes the
// edited-path set. Two implementations exist: a VCS diff and a
// directory-walk signature fallback used where no VCS is present.
type SnapshotStrategy interface {
	Name() string
	Capture(ctx context.Context) (Snapshot, error)
	ChangedPaths(before, after Snapshot) []string
}

// DetectStrategy probes the environment and picks the highest-fidelity
// strategy available
func DetectStrategy(fs afero.Fs, repoRoot string) SnapshotStrategy {
	if info, err := fs.Stat(filepath.Join(repoRoot, ".git")); err == nil && info.IsDir() {
		return &GitStrategy{RepoRoot: repoRoot}
	}
	return &WalkStrategy{Fs: fs, RepoRoot: repoRoot}
}

// GitStrategy derives edits from the git worktree status
type GitStrategy struct {
	RepoRoot string
}

// Name returns the strategy identifier
func (s *GitStrategy) Name() string { return "git" }

// Capture records every dirty path reported by git
func (s *GitStrategy) Capture(ctx context.Context) (Snapshot, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", s.RepoRoot, "status", "--porcelain")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git status failed: %w", err)
	}

	snapshot := make(Snapshot)
	for _, line := range strings.Split(out.String(), "\n") {
		if len(line) < 4 {
			continue
		}
		path := strings.TrimSpace(line[3:])
		// Renames report "old -> new"; the new path is the edit.
		if idx := strings.Index(path, " -> "); idx >= 0 {
			path = path[idx+4:]
		}
		path = strings.Trim(path, `"`)
		if path != "" {
			snapshot[path] = Signature{}
		}
	}
	return snapshot, nil
}

// ChangedPaths returns paths dirty after the run that were clean before
func (s *GitStrategy) ChangedPaths(before, after Snapshot) []string {
	var changed []string
	for path := range after {
		if _, known := before[path]; !known {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed
}

// WalkStrategy compares full-tree (mtime, size) signatures. Lower
// fidelity than the VCS diff: a rewrite that preserves both fields is
// invisible.
type WalkStrategy struct {
	Fs       afero.Fs
	RepoRoot string
}

// Name returns the strategy identifier
func (s *WalkStrategy) Name() string { return "walk" }

// Capture walks the tree recording a signature per file. Hidden
// directories and well-known caches are skipped.
func (s *WalkStrategy) Capture(ctx context.Context) (Snapshot, error) {
	snapshot := make(Snapshot)
	err := afero.Walk(s.Fs, s.RepoRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		name := info.Name()
		if info.IsDir() {
			if path != s.RepoRoot && (strings.HasPrefix(name, ".") || name == "__pycache__" || name == "node_modules") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(s.RepoRoot, path)
		if relErr != nil {
			return nil
		}
		snapshot[filepath.ToSlash(rel)] = Signature{
			MTime: info.ModTime().UnixNano(),
			Size:  info.Size(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// ChangedPaths returns created, modified and deleted paths
func (s *WalkStrategy) ChangedPaths(before, after Snapshot) []string {
	changedSet := make(map[string]struct{})
	for path, sig := range after {
		if prev, ok := before[path]; !ok || prev != sig {
			changedSet[path] = struct{}{}
		}
	}
	for path := range before {
		if _, ok := after[path]; !ok {
			changedSet[path] = struct{}{}
		}
	}
	changed := make([]string, 0, len(changedSet))
	for path := range changedSet {
		changed = append(changed, path)
	}
	sort.Strings(changed)
	return changed
}
