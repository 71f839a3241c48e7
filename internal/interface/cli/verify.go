package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newVerifyCmd creates the verify command: re-run the gate without
// transitioning
func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Re-run verification for the current stage",
		Long:  "Runs the current stage's verification checks and reports the\noutcome. The workflow state is not modified.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}

			outcome, err := rt.orchestrator.Verify(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "verify: %s\n", outcome.Status)
			if outcome.Summary != "" {
				fmt.Fprintf(out, "summary: %s\n", outcome.Summary)
			}
			for _, reason := range outcome.Reasons {
				fmt.Fprintf(out, "  - %s\n", reason)
			}
			for _, advisory := range outcome.Advisories {
				fmt.Fprintf(out, "  - (advisory) %s\n", advisory)
			}
			if !outcome.Pass() {
				return fmt.Errorf("verification did not pass")
			}
			return nil
		},
	}
	return cmd
}
