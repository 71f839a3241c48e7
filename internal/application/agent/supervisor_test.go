package agent_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YoshitsuguKoike/autolab/internal/app/config"
	"github.com/YoshitsuguKoike/autolab/internal/application/agent"
	"github.com/YoshitsuguKoike/autolab/internal/domain/model/stage"
	"github.com/YoshitsuguKoike/autolab/internal/interface/external/agentcli"
)

// editingRunner mutates the filesystem while "running" so the
// supervisor's before/after snapshots observe the edits.
type editingRunner struct {
	fs     afero.Fs
	writes map[string]string
	result agentcli.Result
	env    map[string]string
}

func (r *editingRunner) Run(ctx context.Context, args []string, extraEnv map[string]string, dir string) (*agentcli.Result, error) {
	r.env = extraEnv
	for path, body := range r.writes {
		if err := afero.WriteFile(r.fs, path, []byte(body), 0o644); err != nil {
			return nil, err
		}
	}
	res := r.result
	res.Args = append([]string{"agent"}, args...)
	return &res, nil
}

func TestCheckScope(t *testing.T) {
	allowed := []string{"src/", "experiments/exp-001"}
	protected := []string{"config/secrets.yaml", "**/*.pem"}

	tests := []struct {
		name    string
		changed []string
		want    []string
	}{
		{name: "inside allowed root", changed: []string{"src/train.py"}, want: nil},
		{name: "allowed root itself", changed: []string{"experiments/exp-001"}, want: nil},
		{name: "outside scope", changed: []string{"docs/notes.md"}, want: []string{"docs/notes.md"}},
		{name: "sibling prefix does not match", changed: []string{"src2/train.py"}, want: []string{"src2/train.py"}},
		{
			name:    "protected file overrides scope",
			changed: []string{"config/secrets.yaml"},
			want:    []string{"config/secrets.yaml"},
		},
		{
			name:    "denylist glob applies inside allowed root",
			changed: []string{"src/deploy/key.pem"},
			want:    []string{"src/deploy/key.pem"},
		},
		{name: "blank entries skipped", changed: []string{"", "  "}, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			violations := agent.CheckScope(tt.changed, allowed, protected)
			var paths []string
			for _, v := range violations {
				paths = append(paths, v.Path)
			}
			assert.Equal(t, tt.want, paths)
		})
	}
}

func TestCheckScope_ViolationNamesPattern(t *testing.T) {
	violations := agent.CheckScope([]string{"config/secrets.yaml"}, []string{"config/"}, []string{"config/secrets.yaml"})
	require.Len(t, violations, 1)
	assert.Contains(t, violations[0].Reason, "protected pattern")
	assert.Contains(t, violations[0].Error(), "config/secrets.yaml")
}

func newSupervisor(t *testing.T, fs afero.Fs, runner agent.CommandRunner, scope config.Scope) *agent.Supervisor {
	t.Helper()
	sup := agent.NewSupervisor(fs, runner, scope, "/repo", "/repo/.autolab/var/agent_report.json")
	sup.SetStrategy(&agent.WalkStrategy{Fs: fs, RepoRoot: "/repo"})
	return sup
}

func TestSupervisor_InvokeReportsViolationsAndPersistsAudit(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/repo/src/train.py", []byte("print('train')\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/repo/config/secrets.yaml", []byte("token: placeholder\n"), 0o644))

	runner := &editingRunner{
		fs: fs,
		writes: map[string]string{
			"/repo/src/train.py":         "print('train v2, now longer')\n",
			"/repo/config/secrets.yaml":  "token: replaced by the agent\n",
			"/repo/docs/new_findings.md": "# findings\n",
		},
		result: agentcli.Result{ExitCode: 0, Duration: 3 * time.Second},
	}
	scope := config.Scope{
		AllowedPaths:    []string{"src/"},
		ProtectedFiles:  []string{"config/secrets.yaml"},
		ViolationAction: "escalate",
	}
	sup := newSupervisor(t, fs, runner, scope)

	result, violations, err := sup.Invoke(context.Background(), agent.Invocation{
		Stage:       stage.StageImplementation,
		Args:        []string{"-p", "implement the plan"},
		IterationID: "exp-001",
		StateFile:   "/repo/.autolab/var/state.json",
	})
	require.NoError(t, err)

	require.Len(t, violations, 2)
	byPath := map[string]string{}
	for _, v := range violations {
		byPath[v.Path] = v.Reason
	}
	assert.Contains(t, byPath["config/secrets.yaml"], "protected pattern")
	assert.Equal(t, "outside allowed scope", byPath["docs/new_findings.md"])

	assert.True(t, result.Succeeded())
	assert.Equal(t, "implementation", result.Stage)
	assert.Equal(t, "walk", result.Strategy)
	assert.Equal(t, []string{"config/secrets.yaml", "docs/new_findings.md", "src/train.py"}, result.ChangedFiles)

	raw, err := afero.ReadFile(fs, "/repo/.autolab/var/agent_report.json")
	require.NoError(t, err)
	var persisted agent.RunnerResult
	require.NoError(t, json.Unmarshal(raw, &persisted))
	assert.Equal(t, result.ChangedFiles, persisted.ChangedFiles)
	assert.Equal(t, "implementation", persisted.Stage)
}

func TestSupervisor_InvokePassesContractEnv(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/repo/experiments/exp-001", 0o755))

	runner := &editingRunner{fs: fs, result: agentcli.Result{ExitCode: 0}}
	sup := newSupervisor(t, fs, runner, config.Scope{AllowedPaths: []string{"src/"}})

	_, _, err := sup.Invoke(context.Background(), agent.Invocation{
		Stage:        stage.StageHypothesis,
		PromptPath:   "/repo/.autolab/prompts/stage_hypothesis.md",
		IterationID:  "exp-001",
		WorkspaceDir: "/repo/experiments/exp-001",
		StateFile:    "/repo/.autolab/var/state.json",
	})
	require.NoError(t, err)

	assert.Equal(t, "hypothesis", runner.env["AUTOLAB_STAGE"])
	assert.Equal(t, "exp-001", runner.env["AUTOLAB_ITERATION_ID"])
	assert.Equal(t, "/repo/.autolab/prompts/stage_hypothesis.md", runner.env["AUTOLAB_PROMPT_PATH"])
	assert.Equal(t, "/repo/.autolab/var/state.json", runner.env["AUTOLAB_STATE_FILE"])
	assert.Equal(t, "/repo", runner.env["AUTOLAB_REPO_ROOT"])
	assert.Equal(t, "/repo/experiments/exp-001", runner.env["AUTOLAB_WORKSPACE_DIR"])
}

func TestSupervisor_WorkspaceDirJoinsAllowedScope(t *testing.T) {
	fs := afero.NewMemMapFs()
	runner := &editingRunner{
		fs: fs,
		writes: map[string]string{
			"/repo/experiments/exp-001/hypothesis.md": "# Hypothesis\n",
		},
		result: agentcli.Result{ExitCode: 0},
	}
	sup := newSupervisor(t, fs, runner, config.Scope{AllowedPaths: []string{"src/"}})

	_, violations, err := sup.Invoke(context.Background(), agent.Invocation{
		Stage:        stage.StageHypothesis,
		IterationID:  "exp-001",
		WorkspaceDir: "/repo/experiments/exp-001",
	})
	require.NoError(t, err)
	assert.Empty(t, violations, "the iteration workspace is implicitly in scope")
}

func TestSupervisor_RedactsCommandInAudit(t *testing.T) {
	fs := afero.NewMemMapFs()
	runner := &editingRunner{fs: fs, result: agentcli.Result{ExitCode: 0}}
	sup := newSupervisor(t, fs, runner, config.Scope{})

	result, _, err := sup.Invoke(context.Background(), agent.Invocation{
		Stage: stage.StageDesign,
		Args:  []string{"--api-key=sk-0123456789abcdefghij"},
	})
	require.NoError(t, err)
	for _, arg := range result.Command {
		assert.NotContains(t, arg, "sk-0123456789abcdefghij")
	}
}

func TestRunnerResult_Succeeded(t *testing.T) {
	assert.True(t, (&agent.RunnerResult{ExitCode: 0}).Succeeded())
	assert.False(t, (&agent.RunnerResult{ExitCode: 2}).Succeeded())
	assert.False(t, (&agent.RunnerResult{ExitCode: 0, TimedOut: true}).Succeeded())
}
