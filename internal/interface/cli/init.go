package cli

import (
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/YoshitsuguKoike/autolab/internal/app/config"
	"github.com/YoshitsuguKoike/autolab/internal/domain/model/stage"
	"github.com/YoshitsuguKoike/autolab/internal/domain/model/workflowstate"
	infrafile "github.com/YoshitsuguKoike/autolab/internal/infra/persistence/file"
)

// newInitCmd creates the init command: bootstrap the workspace
func newInitCmd() *cobra.Command {
	var iterationID string
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the autolab workspace",
		Long:  "Creates the workspace layout, a default policy file and the\ninitial workflow state at the hypothesis stage.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}

			if rt.states.Exists() && !force {
				return fmt.Errorf("state already exists at %s; use --force to reinitialize", rt.paths.State)
			}

			for _, dir := range []string{rt.paths.Etc, rt.paths.Var, rt.paths.Experiments, rt.paths.Docs} {
				if err := rt.fs.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("create %s: %w", dir, err)
				}
			}

			if exists, _ := afero.Exists(rt.fs, rt.paths.Policy); !exists {
				data, err := yaml.Marshal(config.Default())
				if err != nil {
					return err
				}
				if err := infrafile.WriteFileAtomic(rt.fs, rt.paths.Policy, data); err != nil {
					return fmt.Errorf("write default policy: %w", err)
				}
				Info("wrote default policy to %s", rt.paths.Policy)
			}

			if iterationID == "" {
				iterationID = "exp-" + strings.ToLower(ulid.Make().String())
			}

			state, err := workflowstate.Reconstruct(
				iterationID,
				stage.StageHypothesis,
				0, 0, "", "",
				rt.policy.MaxStageAttempts,
				rt.policy.MaxTotalIterations,
				nil,
			)
			if err != nil {
				return err
			}
			if err := rt.states.Save(state); err != nil {
				return err
			}

			if err := rt.fs.MkdirAll(rt.paths.IterationDir(state.IterationID()), 0o755); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "initialized iteration %s at stage %s\n",
				state.IterationID(), state.Stage())
			return nil
		},
	}

	cmd.Flags().StringVar(&iterationID, "iteration", "", "iteration identifier (generated when empty)")
	cmd.Flags().BoolVar(&force, "force", false, "reinitialize even if state exists")
	return cmd
}
