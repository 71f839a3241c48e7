package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/YoshitsuguKoike/autolab/internal/application/usecase"
)

// newRunCmd creates the run command: execute exactly one stage step
func newRunCmd() *cobra.Command {
	var noAgent bool
	var generatedTask bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one workflow step",
		Long:  "Executes the current stage once: agent invocation, stage side\neffects, verification and the resulting transition.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}

			// Single steps never take the lock themselves but refuse to
			// interleave with a live loop.
			if held, holder := rt.locks.HeldByLiveOwner(); held {
				return fmt.Errorf("workflow is locked by %s (pid %d on %s); wait for the loop or run 'autolab lock break'",
					holder.OwnerID(), holder.PID(), holder.Hostname())
			}

			opts := usecase.StepOptions{RunAgent: "policy", GeneratedTask: generatedTask}
			if noAgent {
				opts.RunAgent = "force_off"
			}

			report, err := rt.orchestrator.Step(cmd.Context(), opts)
			if err != nil {
				return err
			}
			printStepReport(cmd, report)
			return nil
		},
	}

	cmd.Flags().BoolVar(&noAgent, "no-agent", false, "skip agent invocation for this step")
	cmd.Flags().BoolVar(&generatedTask, "generated-task", false, "mark this step as having created an auto-generated fallback task")
	return cmd
}

func printStepReport(cmd *cobra.Command, report *usecase.StepReport) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "stage:      %s\n", report.Stage)
	fmt.Fprintf(out, "transition: %s -> %s\n", report.Transition.Kind, report.Transition.Next)
	if report.Transition.Reason != "" {
		fmt.Fprintf(out, "reason:     %s\n", report.Transition.Reason)
	}
	fmt.Fprintf(out, "verify:     %s\n", report.Verification.Status)
	for _, reason := range report.Verification.Reasons {
		fmt.Fprintf(out, "  - %s\n", reason)
	}
	for _, note := range report.Notes {
		fmt.Fprintf(out, "note:       %s\n", note)
	}
	for _, v := range report.Violations {
		Warn("scope violation: %v", v)
	}
}
