package cli

import (
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/YoshitsuguKoike/autolab/internal/app"
	"github.com/YoshitsuguKoike/autolab/internal/app/config"
	"github.com/YoshitsuguKoike/autolab/internal/application/agent"
	"github.com/YoshitsuguKoike/autolab/internal/application/engine"
	"github.com/YoshitsuguKoike/autolab/internal/application/extract"
	"github.com/YoshitsuguKoike/autolab/internal/application/launch"
	"github.com/YoshitsuguKoike/autolab/internal/application/scheduler"
	"github.com/YoshitsuguKoike/autolab/internal/application/usecase"
	"github.com/YoshitsuguKoike/autolab/internal/application/verify"
	"github.com/YoshitsuguKoike/autolab/internal/domain/model/stage"
	"github.com/YoshitsuguKoike/autolab/internal/infrastructure/repository/ledger"
	"github.com/YoshitsuguKoike/autolab/internal/infrastructure/repository/lockfile"
	"github.com/YoshitsuguKoike/autolab/internal/infrastructure/repository/runstore"
	"github.com/YoshitsuguKoike/autolab/internal/infrastructure/repository/statefile"
	"github.com/YoshitsuguKoike/autolab/internal/interface/cli/common"
	"github.com/YoshitsuguKoike/autolab/internal/interface/external/agentcli"
)

// runtime bundles everything a command handler needs
type runtime struct {
	fs           afero.Fs
	paths        app.Paths
	policy       *config.Policy
	states       *statefile.Repository
	locks        *lockfile.Manager
	orchestrator *usecase.Orchestrator
}

// buildRuntime wires repositories and services against the real
// filesystem and the loaded policy
func buildRuntime() (*runtime, error) {
	fs := afero.NewOsFs()
	paths := app.GetPaths()
	pol := common.GetGlobalPolicy()

	registry := stage.NewRegistry()
	states := statefile.NewRepository(fs, paths.State)
	locks := lockfile.NewManager(fs, paths.Lock)

	runs := runstore.NewRepository(fs, paths.Experiments)
	led := ledger.NewStore(fs, paths.Ledger)
	probe := scheduler.NewSlurmProbe(pol.SchedulerSubmitBin, pol.SchedulerStatusBin, pol.SchedulerArchiveBin)
	syncer := runstore.NewSharedFSSyncer(fs, paths.Experiments)
	tracker := scheduler.NewTracker(probe, runs, led, syncer,
		pol.SchedulerPollMin(), pol.SchedulerPollMax(), pol.SchedulerCeiling())

	launcher := launch.NewService(fs, runs, tracker, probe)
	extractor := extract.NewService(fs, runs)
	gate := verify.NewGate(fs, pol.VerifyTimeout())
	core := engine.NewCore(registry, pol, states, paths.Journal)

	agentBin, _, err := agentcli.ResolveInvocation(pol.AgentBin, pol.AgentArgs, pol.AgentCommand)
	if err != nil {
		return nil, err
	}
	runner := &agentcli.Runner{Bin: agentBin, Timeout: pol.AgentTimeout()}
	supervisor := agent.NewSupervisor(fs, runner, pol.Scope, ".",
		filepath.Join(paths.Var, "agent_report.json"))

	orchestrator, err := usecase.NewOrchestrator(
		fs, paths, pol, registry, states, gate, core,
		supervisor, launcher, tracker, extractor, runs, led,
	)
	if err != nil {
		return nil, err
	}

	return &runtime{
		fs:           fs,
		paths:        paths,
		policy:       pol,
		states:       states,
		locks:        locks,
		orchestrator: orchestrator,
	}, nil
}
