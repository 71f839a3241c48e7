package cli

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/YoshitsuguKoike/autolab/internal/domain/model/decision"
)

// newDecideCmd creates the decide command: apply an operator decision
// record to the decide_repeat stage
func newDecideCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "decide",
		Short: "Apply a decision record to the workflow",
		Long:  "Validates a decision JSON file against the decision schema and\napplies it to the decide_repeat stage, bypassing the agent.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}

			raw, err := afero.ReadFile(rt.fs, file)
			if err != nil {
				return fmt.Errorf("read decision file: %w", err)
			}
			rec, err := decision.Parse(raw)
			if err != nil {
				return fmt.Errorf("decision file %s: %w", file, err)
			}

			report, err := rt.orchestrator.Decide(rec)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "decision %s applied: %s -> %s\n",
				rec.Decision, report.Stage, report.Transition.Next)
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "decision.json", "path to the decision record")
	return cmd
}
