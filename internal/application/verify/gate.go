// Package verify aggregates the required checks for a stage into a
// single pass/fail-with-reasons outcome. Individual checks are
// delegated to artifact presence rules and operator-configured
// commands; the gate owns only the aggregation and the
// required/optional distinction.
package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/YoshitsuguKoike/autolab/internal/application/policy"
	"github.com/YoshitsuguKoike/autolab/internal/domain/model/decision"
	"github.com/YoshitsuguKoike/autolab/internal/domain/model/stage"
	infrafile "github.com/YoshitsuguKoike/autolab/internal/infra/persistence/file"
)

// Status classifies a gate outcome for the transition core
type Status string

const (
	StatusPass       Status = "pass"
	StatusNeedsRetry Status = "needs_retry"
	StatusHardFail   Status = "hard_fail"
)

// Outcome is the reduced result of all checks for one stage.
// Advisories come from optional checks: recorded for the operator,
// never blocking.
type Outcome struct {
	Status     Status   `json:"status"`
	Reasons    []string `json:"reasons,omitempty"`
	Advisories []string `json:"advisories,omitempty"`
	Summary    string   `json:"summary"`
}

// Pass reports whether the stage may advance
func (o Outcome) Pass() bool { return o.Status == StatusPass }

// Gate runs artifact and command checks for a stage
type Gate struct {
	fs            afero.Fs
	timeout       time.Duration
	resultName    string
	commandRunner func(ctx context.Context, command string) ([]byte, error)
}

// NewGate creates a gate running checks against the given filesystem
func NewGate(fs afero.Fs, timeout time.Duration) *Gate {
	g := &Gate{
		fs:         fs,
		timeout:    timeout,
		resultName: "verification_result.json",
	}
	g.commandRunner = g.runShell
	return g
}

// Run executes every check demanded for the stage and reduces them to
// one outcome. The outcome is persisted to verification_result.json in
// the iteration directory before returning, for audit.
func (g *Gate) Run(ctx context.Context, spec *stage.Spec, eff *policy.Effective, iterationDir, runID string) (Outcome, error) {
	var reasons, advisories []string

	for _, artifact := range spec.RequiredOutputs() {
		if strings.Contains(artifact, "<run_id>") && runID == "" {
			reasons = append(reasons, fmt.Sprintf("%s cannot be checked: no active run recorded", artifact))
			continue
		}
		relPath := strings.ReplaceAll(artifact, "<run_id>", runID)
		if reason := g.checkArtifact(iterationDir, relPath); reason != "" {
			reasons = append(reasons, reason)
		}
	}

	for _, cmd := range eff.Commands() {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		cmdCtx, cancel := context.WithTimeout(ctx, g.timeout)
		output, err := g.commandRunner(cmdCtx, cmd.Command)
		cancel()
		if err != nil {
			tail := outputTail(output)
			reason := fmt.Sprintf("%s check failed: %v", cmd.Category, err)
			if tail != "" {
				reason += " (" + tail + ")"
			}
			// Optional checks advise; only required ones block
			if eff.IsRequired(stage.Category(cmd.Category)) {
				reasons = append(reasons, reason)
			} else {
				advisories = append(advisories, reason)
			}
		}
	}

	outcome := Outcome{
		Status:     StatusPass,
		Advisories: advisories,
		Summary:    fmt.Sprintf("%s checks passed", spec.Name()),
	}
	if len(reasons) > 0 {
		outcome = Outcome{
			Status:     StatusNeedsRetry,
			Reasons:    reasons,
			Advisories: advisories,
			Summary:    fmt.Sprintf("%s verification failed: %s", spec.Name(), reasons[0]),
		}
	}

	if err := g.persist(iterationDir, spec.Name(), outcome); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// checkArtifact validates one required output. Presence and
// non-emptiness apply to everything; a few artifacts carry extra
// structural rules.
func (g *Gate) checkArtifact(iterationDir, relPath string) string {
	path := filepath.Join(iterationDir, relPath)
	info, err := g.fs.Stat(path)
	if err != nil {
		return fmt.Sprintf("%s is missing", relPath)
	}
	if info.Size() == 0 {
		return fmt.Sprintf("%s is empty", relPath)
	}

	switch filepath.Base(relPath) {
	case "decision.json":
		raw, err := afero.ReadFile(g.fs, path)
		if err != nil {
			return fmt.Sprintf("%s could not be read: %v", relPath, err)
		}
		if _, err := decision.Parse(raw); err != nil {
			return fmt.Sprintf("%s: %v", relPath, err)
		}
	case "review_result.json":
		if reason := g.checkReviewResult(path, relPath); reason != "" {
			return reason
		}
	}
	return ""
}

func (g *Gate) checkReviewResult(path, relPath string) string {
	raw, err := afero.ReadFile(g.fs, path)
	if err != nil {
		return fmt.Sprintf("%s could not be read: %v", relPath, err)
	}
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Sprintf("%s is not valid JSON: %v", relPath, err)
	}
	switch payload.Status {
	case "pass":
		return ""
	case "fail", "needs_changes":
		return fmt.Sprintf("%s reports status %q", relPath, payload.Status)
	default:
		return fmt.Sprintf("%s has invalid status %q", relPath, payload.Status)
	}
}

func (g *Gate) persist(iterationDir string, s stage.Stage, outcome Outcome) error {
	doc := struct {
		Stage string `json:"stage"`
		Outcome
		CheckedAt string `json:"checked_at"`
	}{
		Stage:     s.String(),
		Outcome:   outcome,
		CheckedAt: time.Now().UTC().Format(time.RFC3339),
	}
	path := filepath.Join(iterationDir, g.resultName)
	return infrafile.WriteJSONAtomic(g.fs, path, doc)
}

func (g *Gate) runShell(ctx context.Context, command string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return buf.Bytes(), fmt.Errorf("check timed out")
	}
	return buf.Bytes(), err
}

// SetCommandRunner overrides command execution. Tests inject a fake so
// no real shell is spawned.
func (g *Gate) SetCommandRunner(fn func(ctx context.Context, command string) ([]byte, error)) {
	g.commandRunner = fn
}

func outputTail(output []byte) string {
	text := strings.TrimSpace(string(output))
	if text == "" {
		return ""
	}
	lines := strings.Split(text, "\n")
	if len(lines) > 3 {
		lines = lines[len(lines)-3:]
	}
	return strings.Join(lines, "; ")
}
