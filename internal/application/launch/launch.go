// Package launch starts experiment runs, locally or through the
// external scheduler, and records their manifests.
package launch

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/spf13/afero"

	"github.com/YoshitsuguKoike/autolab/internal/application/scheduler"
	"github.com/YoshitsuguKoike/autolab/internal/domain/model/run"
)

// ModeMismatchError reports a launch attempted against the wrong
// execution mode. Always a hard failure; retrying cannot make a
// scheduler appear.
type ModeMismatchError struct {
	Wanted   run.HostMode
	Detected run.HostMode
}

func (e *ModeMismatchError) Error() string {
	return fmt.Sprintf("design requires %s execution but this host provides %s", e.Wanted, e.Detected)
}

// RunStore persists run manifests
type RunStore interface {
	Save(m *run.Manifest) error
}

// Submitter hands external runs to the scheduler tracker
type Submitter interface {
	Submit(ctx context.Context, manifest *run.Manifest, command []string) (*run.LedgerEntry, error)
}

// Service launches runs according to the iteration's design
type Service struct {
	fs        afero.Fs
	runs      RunStore
	submitter Submitter
	probe     scheduler.Probe

	localRun func(ctx context.Context, command []string) (exitCode int, stderr string, err error)
}

// NewService wires the launch service
func NewService(fs afero.Fs, runs RunStore, submitter Submitter, probe scheduler.Probe) *Service {
	s := &Service{
		fs:        fs,
		runs:      runs,
		submitter: submitter,
		probe:     probe,
	}
	s.localRun = runLocal
	return s
}

// SetLocalRunner overrides local command execution for tests
func (s *Service) SetLocalRunner(fn func(ctx context.Context, command []string) (int, string, error)) {
	s.localRun = fn
}

// DetectHostMode reports what this host can execute, derived from the
// presence of scheduler client tools
func (s *Service) DetectHostMode() run.HostMode {
	if s.probe != nil && s.probe.Available() {
		return run.HostModeScheduler
	}
	return run.HostModeLocal
}

// Result reports one launch
type Result struct {
	Manifest *run.Manifest
	Ledger   *run.LedgerEntry
	// AwaitExternal is set when the run was handed to the scheduler
	// and the tracker must reconcile it asynchronously.
	AwaitExternal bool
}

// Launch starts the run described by the design. The manifest is
// persisted before returning on every path, including failures.
func (s *Service) Launch(ctx context.Context, iterationID string, design *Design) (*Result, error) {
	wanted := run.HostModeLocal
	if design.WantsScheduler() {
		wanted = run.HostModeScheduler
	}
	detected := s.DetectHostMode()
	if wanted == run.HostModeScheduler && detected != run.HostModeScheduler {
		return nil, &ModeMismatchError{Wanted: wanted, Detected: detected}
	}

	command := append([]string{design.Entrypoint.Module}, design.Entrypoint.Args...)
	resources := run.ResourceRequest{
		CPUs:     design.Compute.CPUs,
		Memory:   design.Compute.Memory,
		GPUCount: design.Compute.GPUs,
	}

	manifest, err := run.NewManifest(run.NewRunID(), iterationID, wanted, strings.Join(command, " "), resources)
	if err != nil {
		return nil, err
	}

	if wanted == run.HostModeScheduler {
		entry, err := s.submitter.Submit(ctx, manifest, command)
		if err != nil {
			return nil, fmt.Errorf("submit run %s: %w", manifest.RunID(), err)
		}
		return &Result{Manifest: manifest, Ledger: entry, AwaitExternal: true}, nil
	}

	return s.launchLocal(ctx, manifest, command)
}

func (s *Service) launchLocal(ctx context.Context, manifest *run.Manifest, command []string) (*Result, error) {
	if err := manifest.Transition(run.StatusRunning); err != nil {
		return nil, err
	}
	if err := s.runs.Save(manifest); err != nil {
		return nil, err
	}

	exitCode, stderr, err := s.localRun(ctx, command)

	failureReason := ""
	switch {
	case err != nil:
		failureReason = err.Error()
	case exitCode != 0:
		failureReason = fmt.Sprintf("exit code %d", exitCode)
	default:
		if marker := scheduler.FatalMarker(stderr); marker != "" {
			failureReason = fmt.Sprintf("stderr contains fatal marker %q", marker)
		}
	}

	if failureReason != "" {
		manifest.SetSyncStatus("failed")
		if terr := manifest.Transition(run.StatusFailed); terr != nil {
			return nil, terr
		}
		if serr := s.runs.Save(manifest); serr != nil {
			return nil, serr
		}
		return &Result{Manifest: manifest}, nil
	}

	// Local artifacts are already under local control.
	manifest.SetSyncStatus("ok")
	if err := manifest.Transition(run.StatusSynced); err != nil {
		return nil, err
	}
	if err := s.runs.Save(manifest); err != nil {
		return nil, err
	}
	return &Result{Manifest: manifest}, nil
}

func runLocal(ctx context.Context, command []string) (int, string, error) {
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), stderr.String(), nil
		}
		return -1, stderr.String(), err
	}
	return 0, stderr.String(), nil
}
