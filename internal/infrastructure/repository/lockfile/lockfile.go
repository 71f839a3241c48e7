// Package lockfile provides the on-disk mutual-exclusion token for
// unattended workflow execution. Staleness is judged by owner-process
// liveness and heartbeat age, never by file existence alone.
package lockfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"github.com/YoshitsuguKoike/autolab/internal/domain/model/lock"
	infrafile "github.com/YoshitsuguKoike/autolab/internal/infra/persistence/file"
)

// ConflictError reports an acquisition attempt against a live holder.
// Never auto-recovered; the caller surfaces it immediately.
type ConflictError struct {
	Holder *lock.RunLock
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("lock already held by pid %d on %s since %s",
		e.Holder.PID(), e.Holder.Hostname(), e.Holder.AcquiredAt().Format(time.RFC3339))
}

type lockDoc struct {
	OwnerUUID       string `json:"owner_uuid"`
	PID             int    `json:"pid"`
	Host            string `json:"host"`
	Command         string `json:"command"`
	StateFile       string `json:"state_file"`
	StartedAt       string `json:"started_at"`
	LastHeartbeatAt string `json:"last_heartbeat_at"`
}

// Manager acquires, refreshes and releases the run lock
type Manager struct {
	fs        afero.Fs
	path      string
	staleness time.Duration
	alive     func(pid int) bool
}

// NewManager creates a lock manager over the given lock file path
func NewManager(fs afero.Fs, path string) *Manager {
	return &Manager{
		fs:        fs,
		path:      path,
		staleness: lock.DefaultStaleness,
		alive:     processAlive,
	}
}

// SetLivenessProbe overrides the process-liveness check. Tests use this
// to simulate dead owners.
func (m *Manager) SetLivenessProbe(fn func(pid int) bool) {
	m.alive = fn
}

// SetStaleness overrides the heartbeat staleness window
func (m *Manager) SetStaleness(d time.Duration) {
	m.staleness = d
}

// Acquire takes the lock for the current process. An existing lock is
// replaced only when its owner is provably dead or its heartbeat has
// gone stale; a live holder yields ConflictError.
func (m *Manager) Acquire(command, stateFile string) (*lock.RunLock, error) {
	newLock, err := lock.NewRunLock(command, stateFile)
	if err != nil {
		return nil, err
	}

	if err := m.writeExclusive(newLock); err == nil {
		return newLock, nil
	}

	holder, err := m.Inspect()
	if err != nil {
		if err == lock.ErrLockNotFound {
			// Raced with a release; one retry through the exclusive path.
			if werr := m.writeExclusive(newLock); werr == nil {
				return newLock, nil
			}
		}
		return nil, fmt.Errorf("inspect existing lock: %w", err)
	}

	if m.isStale(holder) {
		if err := m.write(newLock); err != nil {
			return nil, fmt.Errorf("replace stale lock: %w", err)
		}
		return newLock, nil
	}

	return nil, &ConflictError{Holder: holder}
}

// Heartbeat refreshes the holder's heartbeat timestamp
func (m *Manager) Heartbeat(l *lock.RunLock) error {
	l.UpdateHeartbeat()
	return m.write(l)
}

// Release removes the lock if the given lock still owns it
func (m *Manager) Release(l *lock.RunLock) error {
	holder, err := m.Inspect()
	if err != nil {
		if err == lock.ErrLockNotFound {
			return nil
		}
		return err
	}
	if holder.OwnerID() != l.OwnerID() {
		return fmt.Errorf("lock is no longer owned by this process (holder pid %d)", holder.PID())
	}
	return m.fs.Remove(m.path)
}

// Break force-clears the lock regardless of liveness. Operator action
// only; never invoked automatically.
func (m *Manager) Break() error {
	if err := m.fs.Remove(m.path); err != nil {
		if os.IsNotExist(err) {
			return lock.ErrLockNotFound
		}
		return err
	}
	return nil
}

// Inspect reads the current lock without mutating it
func (m *Manager) Inspect() (*lock.RunLock, error) {
	data, err := afero.ReadFile(m.fs, m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, lock.ErrLockNotFound
		}
		return nil, err
	}

	var doc lockDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse lock %s: %w", m.path, err)
	}

	startedAt, err := time.Parse(time.RFC3339, doc.StartedAt)
	if err != nil {
		startedAt = time.Time{}
	}
	heartbeatAt, err := time.Parse(time.RFC3339, doc.LastHeartbeatAt)
	if err != nil {
		heartbeatAt = startedAt
	}

	return lock.ReconstructRunLock(
		doc.OwnerUUID,
		doc.PID,
		doc.Host,
		doc.Command,
		doc.StateFile,
		startedAt,
		heartbeatAt,
	), nil
}

// HeldByLiveOwner reports whether a live process currently holds the
// lock. Single-step commands use this to fail fast without acquiring.
func (m *Manager) HeldByLiveOwner() (bool, *lock.RunLock) {
	holder, err := m.Inspect()
	if err != nil {
		return false, nil
	}
	if m.isStale(holder) {
		return false, holder
	}
	return true, holder
}

func (m *Manager) isStale(holder *lock.RunLock) bool {
	if holder.IsHeartbeatStale(m.staleness) {
		return true
	}
	hostname, err := os.Hostname()
	if err == nil && holder.Hostname() == hostname && !m.alive(holder.PID()) {
		return true
	}
	return false
}

// writeExclusive creates the lock file only if none exists
func (m *Manager) writeExclusive(l *lock.RunLock) error {
	data, err := marshalLock(l)
	if err != nil {
		return err
	}
	if err := m.fs.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}
	f, err := m.fs.OpenFile(m.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (m *Manager) write(l *lock.RunLock) error {
	data, err := marshalLock(l)
	if err != nil {
		return err
	}
	return infrafile.WriteFileAtomic(m.fs, m.path, data)
}

func marshalLock(l *lock.RunLock) ([]byte, error) {
	doc := lockDoc{
		OwnerUUID:       l.OwnerID(),
		PID:             l.PID(),
		Host:            l.Hostname(),
		Command:         l.Command(),
		StateFile:       l.StateFile(),
		StartedAt:       l.AcquiredAt().Format(time.RFC3339),
		LastHeartbeatAt: l.HeartbeatAt().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// processAlive probes for process existence by sending signal 0
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
