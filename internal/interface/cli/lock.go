package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/YoshitsuguKoike/autolab/internal/app"
	"github.com/YoshitsuguKoike/autolab/internal/domain/model/lock"
)

// newLockCmd creates the lock command group
func newLockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect or break the workflow run lock",
	}
	cmd.AddCommand(newLockStatusCmd())
	cmd.AddCommand(newLockBreakCmd())
	return cmd
}

func newLockStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current lock holder",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}

			holder, err := rt.locks.Inspect()
			if err != nil {
				if errors.Is(err, lock.ErrLockNotFound) {
					fmt.Fprintln(cmd.OutOrStdout(), "no lock held")
					return nil
				}
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
			fmt.Fprintf(w, "owner:\t%s\n", holder.OwnerID())
			fmt.Fprintf(w, "pid:\t%d\n", holder.PID())
			fmt.Fprintf(w, "host:\t%s\n", holder.Hostname())
			fmt.Fprintf(w, "command:\t%s\n", holder.Command())
			fmt.Fprintf(w, "held for:\t%s\n", holder.Age().Round(time.Second))
			fmt.Fprintf(w, "last heartbeat:\t%s\n", holder.HeartbeatAt().Format(time.RFC3339))
			if holder.IsHeartbeatStale(lock.DefaultStaleness) {
				fmt.Fprintf(w, "staleness:\tSTALE (no heartbeat for over %s)\n", lock.DefaultStaleness)
			}
			return w.Flush()
		},
	}
}

func newLockBreakCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "break",
		Short: "Forcibly remove the run lock",
		Long:  "Removes the lock file regardless of holder liveness. Only for\noperators who have confirmed the holding process is gone.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return fmt.Errorf("--reason is required when breaking a lock")
			}
			rt, err := buildRuntime()
			if err != nil {
				return err
			}

			holder, err := rt.locks.Inspect()
			if err != nil {
				if errors.Is(err, lock.ErrLockNotFound) {
					fmt.Fprintln(cmd.OutOrStdout(), "no lock to break")
					return nil
				}
				return err
			}

			if err := rt.locks.Break(); err != nil {
				return err
			}

			// Breaks are audit events; they land in the journal like
			// any other workflow outcome.
			entry := map[string]interface{}{
				"stage":   "lock_break",
				"outcome": "broken",
				"reason":  fmt.Sprintf("%s (was held by pid %d on %s)", reason, holder.PID(), holder.Hostname()),
			}
			if err := app.AppendNormalizedJournal(rt.paths.Journal, entry); err != nil {
				Warn("journal lock break: %v", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "lock held by %s broken\n", holder.OwnerID())
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "why the lock is being broken (recorded in the journal)")
	return cmd
}
