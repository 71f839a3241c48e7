package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// JobState is the scheduler-reported state of a submitted job
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
	JobStateTimeout   JobState = "timeout"
	JobStateUnknown   JobState = "unknown"
)

// IsTerminal reports whether the scheduler will report no further change
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateCancelled, JobStateTimeout:
		return true
	default:
		return false
	}
}

// Succeeded reports a terminal success
func (s JobState) Succeeded() bool { return s == JobStateCompleted }

// Probe is the three-verb scheduler interface: submit, poll status,
// fetch terminal result
type Probe interface {
	Available() bool
	Submit(ctx context.Context, command []string) (string, error)
	Poll(ctx context.Context, jobHandle string) (JobState, error)
	TerminalState(ctx context.Context, jobHandle string) (JobState, string, error)
}

var jobHandlePattern = regexp.MustCompile(`(?i)submitted\s+batch\s+job\s+(\d+)`)

// fatalMarkerPatterns flag submission stderr that means the job never
// really started, regardless of exit code
var fatalMarkerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`RuntimeError:`),
	regexp.MustCompile(`Failed to initialize`),
	regexp.MustCompile(`Failed to open`),
	regexp.MustCompile(`\bFATAL\b`),
	regexp.MustCompile(`Segmentation fault`),
	regexp.MustCompile(`core dumped`),
	regexp.MustCompile(`Traceback \(most recent call last\)`),
	regexp.MustCompile(`CUDA error:`),
	regexp.MustCompile(`OutOfMemoryError`),
	regexp.MustCompile(`\bkilled\b`),
}

// FatalMarker returns the first fatal marker found in stderr, or ""
func FatalMarker(stderr string) string {
	for _, pattern := range fatalMarkerPatterns {
		if pattern.MatchString(stderr) {
			return pattern.String()
		}
	}
	return ""
}

// ParseJobHandle extracts the job handle from a submission acceptance
// line. An empty result means the scheduler did not accept the job.
func ParseJobHandle(output string) string {
	match := jobHandlePattern.FindStringSubmatch(output)
	if match == nil {
		return ""
	}
	return match[1]
}

// SlurmProbe talks to a SLURM-style scheduler through its client tools
type SlurmProbe struct {
	SubmitBin  string
	StatusBin  string
	ArchiveBin string

	lookPath func(string) (string, error)
	run      func(ctx context.Context, name string, args ...string) (stdout, stderr string, err error)
}

// NewSlurmProbe builds a probe over the configured client binaries
func NewSlurmProbe(submitBin, statusBin, archiveBin string) *SlurmProbe {
	p := &SlurmProbe{
		SubmitBin:  submitBin,
		StatusBin:  statusBin,
		ArchiveBin: archiveBin,
		lookPath:   exec.LookPath,
	}
	p.run = p.runCommand
	return p
}

// Available reports whether the scheduler client tools are on PATH.
// Presence is an environment-derived fact, never assumed.
func (p *SlurmProbe) Available() bool {
	_, err := p.lookPath(p.SubmitBin)
	return err == nil
}

// Submit hands the command to the scheduler and returns the job handle.
// Fatal stderr markers abort submission even on a zero exit code.
func (p *SlurmProbe) Submit(ctx context.Context, command []string) (string, error) {
	args := append([]string{}, command...)
	stdout, stderr, err := p.run(ctx, p.SubmitBin, args...)
	if err != nil {
		return "", fmt.Errorf("scheduler submit failed: %w (%s)", err, strings.TrimSpace(stderr))
	}
	if marker := FatalMarker(stderr); marker != "" {
		return "", fmt.Errorf("scheduler submit stderr contains fatal marker %q", marker)
	}
	handle := ParseJobHandle(stdout)
	if handle == "" {
		return "", fmt.Errorf("scheduler accepted no job: no handle in output %q", strings.TrimSpace(stdout))
	}
	return handle, nil
}

// Poll queries the live queue for the job's current state
func (p *SlurmProbe) Poll(ctx context.Context, jobHandle string) (JobState, error) {
	stdout, _, err := p.run(ctx, p.StatusBin, "-h", "-j", jobHandle, "-o", "%T")
	if err != nil {
		// The queue forgets finished jobs; fall through to the archive.
		return p.archivedState(ctx, jobHandle)
	}
	state := mapSchedulerState(strings.TrimSpace(stdout))
	if state == JobStateUnknown {
		return p.archivedState(ctx, jobHandle)
	}
	return state, nil
}

// TerminalState performs the one-shot archive query used after the
// polling ceiling is reached
func (p *SlurmProbe) TerminalState(ctx context.Context, jobHandle string) (JobState, string, error) {
	state, err := p.archivedState(ctx, jobHandle)
	if err != nil {
		return JobStateUnknown, "", err
	}
	return state, string(state), nil
}

func (p *SlurmProbe) archivedState(ctx context.Context, jobHandle string) (JobState, error) {
	stdout, stderr, err := p.run(ctx, p.ArchiveBin, "-n", "-X", "-j", jobHandle, "-o", "State")
	if err != nil {
		return JobStateUnknown, fmt.Errorf("scheduler archive query failed: %w (%s)", err, strings.TrimSpace(stderr))
	}
	return mapSchedulerState(strings.TrimSpace(stdout)), nil
}

func (p *SlurmProbe) runCommand(ctx context.Context, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// mapSchedulerState folds raw scheduler vocabulary onto the canonical
// job states
func mapSchedulerState(raw string) JobState {
	if raw == "" {
		return JobStateUnknown
	}
	// Multi-line output reports array members; the first line rules.
	raw = strings.Fields(raw)[0]
	raw = strings.ToUpper(strings.TrimSpace(raw))

	switch {
	case raw == "PENDING" || raw == "CONFIGURING" || raw == "REQUEUED":
		return JobStatePending
	case raw == "RUNNING" || raw == "COMPLETING" || raw == "SUSPENDED":
		return JobStateRunning
	case raw == "COMPLETED":
		return JobStateCompleted
	case strings.HasPrefix(raw, "CANCELLED"):
		return JobStateCancelled
	case raw == "TIMEOUT" || raw == "DEADLINE":
		return JobStateTimeout
	case raw == "FAILED" || raw == "NODE_FAIL" || raw == "OUT_OF_MEMORY" || raw == "BOOT_FAIL" || raw == "PREEMPTED":
		return JobStateFailed
	default:
		return JobStateUnknown
	}
}
