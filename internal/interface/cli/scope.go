package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newScopeCmd creates the scope command: print the effective edit
// scope enforced on agent invocations
func newScopeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scope",
		Short: "Show the effective agent edit scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			scope := rt.policy.Scope

			fmt.Fprintln(out, "allowed paths:")
			if len(scope.AllowedPaths) == 0 {
				fmt.Fprintln(out, "  (iteration workspace only)")
			}
			for _, p := range scope.AllowedPaths {
				fmt.Fprintf(out, "  %s\n", p)
			}

			fmt.Fprintln(out, "protected files:")
			if len(scope.ProtectedFiles) == 0 {
				fmt.Fprintln(out, "  (none)")
			}
			for _, p := range scope.ProtectedFiles {
				fmt.Fprintf(out, "  %s\n", p)
			}

			fmt.Fprintf(out, "on violation: %s\n", scope.ViolationAction)
			return nil
		},
	}
}
