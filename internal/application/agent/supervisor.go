// Package agent supervises external agent subprocesses under a bounded
// edit-scope contract and detects scope violations.
package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"

	"github.com/YoshitsuguKoike/autolab/internal/app/config"
	"github.com/YoshitsuguKoike/autolab/internal/domain/model/stage"
	infrafile "github.com/YoshitsuguKoike/autolab/internal/infra/persistence/file"
	"github.com/YoshitsuguKoike/autolab/internal/interface/external/agentcli"
)

// ScopeViolation reports one path edited outside the agent's
// authorization
type ScopeViolation struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

func (v ScopeViolation) Error() string {
	return fmt.Sprintf("scope violation: %s (%s)", v.Path, v.Reason)
}

// RunnerResult is the persisted audit record of one supervised
// invocation
type RunnerResult struct {
	Stage        string   `json:"stage"`
	Command      []string `json:"command"`
	ExitCode     int      `json:"exit_code"`
	TimedOut     bool     `json:"timed_out"`
	DurationMs   int64    `json:"duration_ms"`
	Strategy     string   `json:"scope_strategy"`
	ChangedFiles []string `json:"changed_files"`
	Summary      string   `json:"summary"`
	StartedAt    string   `json:"started_at"`
}

// Succeeded reports whether the agent exited cleanly within budget
func (r *RunnerResult) Succeeded() bool {
	return !r.TimedOut && r.ExitCode == 0
}

// CommandRunner abstracts the agent subprocess so tests inject a fake
type CommandRunner interface {
	Run(ctx context.Context, args []string, extraEnv map[string]string, dir string) (*agentcli.Result, error)
}

// Invocation describes one supervised agent run
type Invocation struct {
	Stage        stage.Stage
	Args         []string
	PromptPath   string
	IterationID  string
	WorkspaceDir string
	StateFile    string
}

// Supervisor wraps agent execution with scope snapshots
type Supervisor struct {
	fs         afero.Fs
	runner     CommandRunner
	strategy   SnapshotStrategy
	scope      config.Scope
	repoRoot   string
	reportPath string
}

// NewSupervisor builds a supervisor for the given repository root. The
// snapshot strategy is detected from the environment unless overridden
// with SetStrategy.
func NewSupervisor(fs afero.Fs, runner CommandRunner, scope config.Scope, repoRoot, reportPath string) *Supervisor {
	return &Supervisor{
		fs:         fs,
		runner:     runner,
		strategy:   DetectStrategy(fs, repoRoot),
		scope:      scope,
		repoRoot:   repoRoot,
		reportPath: reportPath,
	}
}

// SetStrategy overrides snapshot strategy selection
func (s *Supervisor) SetStrategy(strategy SnapshotStrategy) {
	s.strategy = strategy
}

// Invoke runs the agent between two scope snapshots and reports any
// edit outside the allowed roots. The audit record is persisted before
// returning, whatever the outcome.
func (s *Supervisor) Invoke(ctx context.Context, inv Invocation) (*RunnerResult, []ScopeViolation, error) {
	before, err := s.strategy.Capture(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("capture baseline snapshot: %w", err)
	}

	env := map[string]string{
		"AUTOLAB_STAGE":         inv.Stage.String(),
		"AUTOLAB_ITERATION_ID":  inv.IterationID,
		"AUTOLAB_PROMPT_PATH":   inv.PromptPath,
		"AUTOLAB_STATE_FILE":    inv.StateFile,
		"AUTOLAB_REPO_ROOT":     s.repoRoot,
		"AUTOLAB_WORKSPACE_DIR": inv.WorkspaceDir,
	}

	started := time.Now().UTC()
	runResult, err := s.runner.Run(ctx, inv.Args, env, s.repoRoot)
	if err != nil {
		return nil, nil, err
	}

	after, err := s.strategy.Capture(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("capture post-run snapshot: %w", err)
	}
	changed := s.strategy.ChangedPaths(before, after)

	allowed := append([]string{}, s.scope.AllowedPaths...)
	if inv.WorkspaceDir != "" {
		if rel, relErr := filepath.Rel(s.repoRoot, inv.WorkspaceDir); relErr == nil && !strings.HasPrefix(rel, "..") {
			allowed = append(allowed, filepath.ToSlash(rel))
		}
	}
	violations := CheckScope(changed, allowed, s.scope.ProtectedFiles)

	result := &RunnerResult{
		Stage:        inv.Stage.String(),
		Command:      redactAll(runResult.Args),
		ExitCode:     runResult.ExitCode,
		TimedOut:     runResult.TimedOut,
		DurationMs:   runResult.Duration.Milliseconds(),
		Strategy:     s.strategy.Name(),
		ChangedFiles: changed,
		Summary:      summarize(inv.Stage, runResult),
		StartedAt:    started.Format(time.RFC3339),
	}

	if err := infrafile.WriteJSONAtomic(s.fs, s.reportPath, result); err != nil {
		return result, violations, fmt.Errorf("persist runner report: %w", err)
	}
	return result, violations, nil
}

// CheckScope reports edits outside the allowed roots. Denylist patterns
// override scope even when the path sits inside an allowed directory.
func CheckScope(changed, allowedRoots, denylist []string) []ScopeViolation {
	var violations []ScopeViolation
	for _, path := range changed {
		normalized := filepath.ToSlash(strings.TrimSpace(path))
		if normalized == "" {
			continue
		}
		if pattern, denied := matchDenylist(normalized, denylist); denied {
			violations = append(violations, ScopeViolation{
				Path:   normalized,
				Reason: fmt.Sprintf("matches protected pattern %q", pattern),
			})
			continue
		}
		if !withinScope(normalized, allowedRoots) {
			violations = append(violations, ScopeViolation{
				Path:   normalized,
				Reason: "outside allowed scope",
			})
		}
	}
	return violations
}

func matchDenylist(path string, denylist []string) (string, bool) {
	for _, pattern := range denylist {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if ok, err := doublestar.Match(pattern, path); err == nil && ok {
			return pattern, true
		}
	}
	return "", false
}

func withinScope(path string, allowedRoots []string) bool {
	for _, root := range allowedRoots {
		candidate := strings.Trim(strings.TrimSpace(root), "/")
		if candidate == "" {
			continue
		}
		if path == candidate || strings.HasPrefix(path, candidate+"/") {
			return true
		}
	}
	return false
}

func redactAll(args []string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		out[i] = agentcli.Redact(arg)
	}
	return out
}

func summarize(s stage.Stage, res *agentcli.Result) string {
	switch {
	case res.TimedOut:
		return fmt.Sprintf("agent for %s timed out after %s", s, res.Duration.Round(time.Second))
	case res.ExitCode != 0:
		return fmt.Sprintf("agent for %s exited with code %d", s, res.ExitCode)
	default:
		return fmt.Sprintf("agent for %s completed in %s", s, res.Duration.Round(time.Second))
	}
}
