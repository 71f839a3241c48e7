// Package cli assembles the autolab command tree
package cli

import (
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/YoshitsuguKoike/autolab/internal/app"
	"github.com/YoshitsuguKoike/autolab/internal/app/config"
	"github.com/YoshitsuguKoike/autolab/internal/buildinfo"
	"github.com/YoshitsuguKoike/autolab/internal/interface/cli/common"
)

// NewRoot creates the root command for autolab CLI
func NewRoot() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:          "autolab",
		Version:      buildinfo.GetVersion(),
		Short:        "Research experiment workflow orchestrator",
		Long:         "autolab drives the hypothesis-to-decision experiment loop:\nstage execution, verification, run tracking and guardrails.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			InitGlobalLogger(logLevel)

			pol, err := config.Load(afero.NewOsFs(), app.GetPaths().Policy)
			if err != nil {
				// A malformed policy must not be silently replaced by
				// defaults; every command would run misconfigured.
				return err
			}
			common.SetGlobalPolicy(pol)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug|info|warn|error)")

	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newLoopCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newVerifyCmd())
	cmd.AddCommand(newDecideCmd())
	cmd.AddCommand(newLockCmd())
	cmd.AddCommand(newScopeCmd())

	return cmd
}
