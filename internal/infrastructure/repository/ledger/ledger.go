// Package ledger maintains the durable record of externally scheduled
// job submissions as a Markdown bullet list operators can read and
// link from documentation.
package ledger

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/YoshitsuguKoike/autolab/internal/domain/model/run"
	infrafile "github.com/YoshitsuguKoike/autolab/internal/infra/persistence/file"
)

const header = "# External scheduler job ledger\n"

var entryPattern = regexp.MustCompile(`^- run_id=(\S+) job_id=(\S+) state=(\S+) submitted_at=(\S+)(?: updated_at=(\S+))?$`)

// Store appends and updates ledger rows. The job handle of a recorded
// row is never rewritten; only its state field is.
type Store struct {
	fs   afero.Fs
	path string
}

// NewStore creates a ledger store at the given Markdown path
func NewStore(fs afero.Fs, path string) *Store {
	return &Store{fs: fs, path: path}
}

// Append records a submission. Appending the same run id twice is a
// no-op, so a re-run launch stage cannot duplicate rows.
func (s *Store) Append(entry *run.LedgerEntry) error {
	lines, err := s.readLines()
	if err != nil {
		return err
	}
	for _, line := range lines {
		if existing := parseLine(line); existing != nil && existing.RunID() == entry.RunID() {
			return nil
		}
	}
	lines = append(lines, formatLine(entry))
	return s.writeLines(lines)
}

// UpdateState rewrites the state field of the row for runID
func (s *Store) UpdateState(runID, state string) error {
	lines, err := s.readLines()
	if err != nil {
		return err
	}
	found := false
	for i, line := range lines {
		existing := parseLine(line)
		if existing == nil || existing.RunID() != runID {
			continue
		}
		existing.ObserveState(state)
		lines[i] = formatLine(existing)
		found = true
	}
	if !found {
		return fmt.Errorf("ledger has no entry for run %s", runID)
	}
	return s.writeLines(lines)
}

// Find returns the recorded entry for runID, or nil
func (s *Store) Find(runID string) (*run.LedgerEntry, error) {
	lines, err := s.readLines()
	if err != nil {
		return nil, err
	}
	for _, line := range lines {
		if entry := parseLine(line); entry != nil && entry.RunID() == runID {
			return entry, nil
		}
	}
	return nil, nil
}

// Entries returns every recorded row in file order
func (s *Store) Entries() ([]*run.LedgerEntry, error) {
	lines, err := s.readLines()
	if err != nil {
		return nil, err
	}
	var entries []*run.LedgerEntry
	for _, line := range lines {
		if entry := parseLine(line); entry != nil {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (s *Store) readLines() ([]string, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{strings.TrimRight(header, "\n"), ""}, nil
		}
		return nil, fmt.Errorf("read ledger %s: %w", s.path, err)
	}
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n"), nil
}

func (s *Store) writeLines(lines []string) error {
	content := strings.Join(lines, "\n") + "\n"
	return infrafile.WriteFileAtomic(s.fs, s.path, []byte(content))
}

func formatLine(entry *run.LedgerEntry) string {
	return fmt.Sprintf("- run_id=%s job_id=%s state=%s submitted_at=%s updated_at=%s",
		entry.RunID(),
		entry.JobHandle(),
		entry.ObservedState(),
		entry.SubmittedAt().UTC().Format(time.RFC3339),
		entry.UpdatedAt().UTC().Format(time.RFC3339),
	)
}

func parseLine(line string) *run.LedgerEntry {
	match := entryPattern.FindStringSubmatch(strings.TrimSpace(line))
	if match == nil {
		return nil
	}
	submittedAt, err := time.Parse(time.RFC3339, match[4])
	if err != nil {
		return nil
	}
	updatedAt := submittedAt
	if match[5] != "" {
		if t, err := time.Parse(time.RFC3339, match[5]); err == nil {
			updatedAt = t
		}
	}
	return run.ReconstructLedgerEntry(match[1], match[2], match[3], submittedAt, updatedAt)
}
