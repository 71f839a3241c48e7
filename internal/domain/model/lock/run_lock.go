package lock

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Common lock errors
var (
	ErrLockNotFound = errors.New("lock not found")
)

// DefaultStaleness is how long a lock may go without a heartbeat before
// a competing acquirer may treat it as abandoned.
const DefaultStaleness = 30 * time.Minute

// RunLock is the single-writer token protecting unattended workflow
// execution. At most one live owner exists at any time; staleness is
// judged by heartbeat age and by owner-process liveness, never by file
// existence alone.
type RunLock struct {
	ownerID     string
	pid         int
	hostname    string
	command     string
	stateFile   string
	acquiredAt  time.Time
	heartbeatAt time.Time
}

// NewRunLock creates a lock owned by the current process
func NewRunLock(command, stateFile string) (*RunLock, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("get hostname: %w", err)
	}

	now := time.Now().UTC()
	ownerID := ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()

	return &RunLock{
		ownerID:     ownerID,
		pid:         os.Getpid(),
		hostname:    hostname,
		command:     strings.TrimSpace(command),
		stateFile:   stateFile,
		acquiredAt:  now,
		heartbeatAt: now,
	}, nil
}

// ReconstructRunLock rebuilds a RunLock from persisted data
func ReconstructRunLock(
	ownerID string,
	pid int,
	hostname string,
	command string,
	stateFile string,
	acquiredAt, heartbeatAt time.Time,
) *RunLock {
	return &RunLock{
		ownerID:     ownerID,
		pid:         pid,
		hostname:    hostname,
		command:     command,
		stateFile:   stateFile,
		acquiredAt:  acquiredAt,
		heartbeatAt: heartbeatAt,
	}
}

// IsHeartbeatStale checks if the heartbeat has not been refreshed within
// maxStaleness
func (l *RunLock) IsHeartbeatStale(maxStaleness time.Duration) bool {
	return time.Now().UTC().Sub(l.heartbeatAt) > maxStaleness
}

// UpdateHeartbeat refreshes the heartbeat timestamp
func (l *RunLock) UpdateHeartbeat() {
	l.heartbeatAt = time.Now().UTC()
}

// OwnedByProcess reports whether the lock belongs to the given pid on
// the current host
func (l *RunLock) OwnedByProcess(pid int) bool {
	if l.pid != pid {
		return false
	}
	hostname, err := os.Hostname()
	if err != nil {
		return false
	}
	return l.hostname == hostname
}

// Age returns how long the lock has been held
func (l *RunLock) Age() time.Duration {
	return time.Now().UTC().Sub(l.acquiredAt)
}

// Getters
func (l *RunLock) OwnerID() string        { return l.ownerID }
func (l *RunLock) PID() int               { return l.pid }
func (l *RunLock) Hostname() string       { return l.hostname }
func (l *RunLock) Command() string        { return l.command }
func (l *RunLock) StateFile() string      { return l.stateFile }
func (l *RunLock) AcquiredAt() time.Time  { return l.acquiredAt }
func (l *RunLock) HeartbeatAt() time.Time { return l.heartbeatAt }
