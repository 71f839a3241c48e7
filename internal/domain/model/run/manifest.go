package run

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// HostMode identifies where a run executes
type HostMode string

const (
	HostModeLocal     HostMode = "local"
	HostModeScheduler HostMode = "external-scheduler"
)

// String returns the string representation
func (m HostMode) String() string {
	return string(m)
}

// IsValid validates the host mode
func (m HostMode) IsValid() bool {
	return m == HostModeLocal || m == HostModeScheduler
}

// Status is the canonical run status, moving only forward:
// pending → submitted → running → synced → completed, with failed
// absorbing from any non-terminal state and partial as the degraded
// terminal produced by extraction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusRunning   Status = "running"
	StatusSynced    Status = "synced"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPartial   Status = "partial"
)

// String returns the string representation
func (s Status) String() string {
	return string(s)
}

// IsValid validates the status
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusSubmitted, StatusRunning, StatusSynced,
		StatusCompleted, StatusFailed, StatusPartial:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status accepts no further moves
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusPartial
}

// CanTransitionTo checks whether a status move is forward-only legal
func (s Status) CanTransitionTo(next Status) bool {
	validTransitions := map[Status][]Status{
		StatusPending:   {StatusSubmitted, StatusRunning, StatusFailed},
		StatusSubmitted: {StatusRunning, StatusSynced, StatusFailed},
		StatusRunning:   {StatusSynced, StatusFailed},
		StatusSynced:    {StatusCompleted, StatusPartial, StatusFailed},
		StatusCompleted: {},
		StatusFailed:    {},
		StatusPartial:   {},
	}
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// SyncSuccessLike reports whether an artifact sync status counts as a
// successful copy to local control
func SyncSuccessLike(status string) bool {
	switch status {
	case "ok", "completed", "success", "passed":
		return true
	default:
		return false
	}
}

// ResourceRequest captures the compute resources requested at launch
type ResourceRequest struct {
	CPUs     int    `json:"cpus"`
	Memory   string `json:"memory"`
	GPUCount int    `json:"gpu_count"`
}

// ArtifactSync is the nested sync sub-record of a manifest
type ArtifactSync struct {
	Status string `json:"status"`
}

// Manifest is the durable record of one experiment run. Created at
// launch, mutated only by the launch stage and the async tracker.
type Manifest struct {
	runID       string
	iterationID string
	hostMode    HostMode
	command     string
	resources   ResourceRequest
	status      Status
	sync        ArtifactSync
	startedAt   time.Time
	completedAt *time.Time
}

// NewRunID generates a fresh run identifier
func NewRunID() string {
	now := time.Now().UTC()
	return ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
}

// NewManifest creates a manifest for a run being launched
func NewManifest(runID, iterationID string, mode HostMode, command string, resources ResourceRequest) (*Manifest, error) {
	if runID == "" {
		return nil, errors.New("run ID cannot be empty")
	}
	if iterationID == "" {
		return nil, errors.New("iteration ID cannot be empty")
	}
	if !mode.IsValid() {
		return nil, fmt.Errorf("invalid host mode %q", mode)
	}
	return &Manifest{
		runID:       runID,
		iterationID: iterationID,
		hostMode:    mode,
		command:     command,
		resources:   resources,
		status:      StatusPending,
		sync:        ArtifactSync{Status: "pending"},
		startedAt:   time.Now().UTC(),
	}, nil
}

// ReconstructManifest rebuilds a Manifest from persisted data
func ReconstructManifest(
	runID, iterationID string,
	mode HostMode,
	command string,
	resources ResourceRequest,
	status Status,
	sync ArtifactSync,
	startedAt time.Time,
	completedAt *time.Time,
) (*Manifest, error) {
	if !status.IsValid() {
		return nil, fmt.Errorf("invalid run status %q", status)
	}
	if !mode.IsValid() {
		return nil, fmt.Errorf("invalid host mode %q", mode)
	}
	if status.IsTerminal() && completedAt == nil {
		return nil, fmt.Errorf("run %s is %s but has no completed_at", runID, status)
	}
	if !status.IsTerminal() && completedAt != nil {
		return nil, fmt.Errorf("run %s is %s but carries completed_at", runID, status)
	}
	return &Manifest{
		runID:       runID,
		iterationID: iterationID,
		hostMode:    mode,
		command:     command,
		resources:   resources,
		status:      status,
		sync:        sync,
		startedAt:   startedAt,
		completedAt: completedAt,
	}, nil
}

// Transition moves the run status forward. Backward or unknown moves
// are rejected; terminal moves stamp completed_at.
func (m *Manifest) Transition(next Status) error {
	if !next.IsValid() {
		return fmt.Errorf("invalid run status %q", next)
	}
	if !m.status.CanTransitionTo(next) {
		return fmt.Errorf("run %s cannot move %s -> %s", m.runID, m.status, next)
	}
	m.status = next
	if next.IsTerminal() {
		now := time.Now().UTC()
		m.completedAt = &now
	}
	return nil
}

// SetSyncStatus records the artifact-sync outcome
func (m *Manifest) SetSyncStatus(status string) {
	m.sync.Status = status
}

// SyncSucceeded reports whether artifacts reached local control
func (m *Manifest) SyncSucceeded() bool {
	return SyncSuccessLike(m.sync.Status)
}

// Getters
func (m *Manifest) RunID() string              { return m.runID }
func (m *Manifest) IterationID() string        { return m.iterationID }
func (m *Manifest) HostMode() HostMode         { return m.hostMode }
func (m *Manifest) Command() string            { return m.command }
func (m *Manifest) Resources() ResourceRequest { return m.resources }
func (m *Manifest) Status() Status             { return m.status }
func (m *Manifest) Sync() ArtifactSync         { return m.sync }
func (m *Manifest) StartedAt() time.Time       { return m.startedAt }

// CompletedAt returns the completion time, nil while non-terminal
func (m *Manifest) CompletedAt() *time.Time {
	if m.completedAt == nil {
		return nil
	}
	t := *m.completedAt
	return &t
}
