package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/YoshitsuguKoike/autolab/internal/domain/model/workflowstate"
	"github.com/YoshitsuguKoike/autolab/internal/infrastructure/repository/statefile"
)

// newStatusCmd creates the status command
func newStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current workflow state",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}

			state, err := rt.states.Load()
			if err != nil {
				if errors.Is(err, statefile.ErrNotInitialized) {
					return fmt.Errorf("workspace not initialized; run 'autolab init' first")
				}
				return err
			}

			if asJSON {
				return printStatusJSON(cmd, state)
			}
			printStatusTable(cmd, state)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "emit machine-readable JSON")
	return cmd
}

type statusDoc struct {
	IterationID     string `json:"iteration_id"`
	Stage           string `json:"stage"`
	StageAttempt    int    `json:"stage_attempt"`
	TotalIterations int    `json:"total_iterations"`
	MaxIterations   int    `json:"max_total_iterations"`
	LastRunID       string `json:"last_run_id,omitempty"`
	SyncStatus      string `json:"sync_status,omitempty"`
	Terminal        bool   `json:"terminal"`
	HistoryEntries  int    `json:"history_entries"`
}

func printStatusJSON(cmd *cobra.Command, state *workflowstate.State) error {
	doc := statusDoc{
		IterationID:     state.IterationID(),
		Stage:           state.Stage().String(),
		StageAttempt:    state.StageAttempt(),
		TotalIterations: state.TotalIterations(),
		MaxIterations:   state.MaxTotalIterations(),
		LastRunID:       state.LastRunID(),
		SyncStatus:      state.SyncStatus(),
		Terminal:        state.Stage().IsTerminal(),
		HistoryEntries:  len(state.History()),
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func printStatusTable(cmd *cobra.Command, state *workflowstate.State) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
	fmt.Fprintf(w, "iteration:\t%s\n", state.IterationID())
	fmt.Fprintf(w, "stage:\t%s\n", state.Stage())
	fmt.Fprintf(w, "stage attempt:\t%d / %d\n", state.StageAttempt(), state.MaxStageAttempts())
	fmt.Fprintf(w, "iterations:\t%d / %d\n", state.TotalIterations(), state.MaxTotalIterations())
	if state.LastRunID() != "" {
		fmt.Fprintf(w, "last run:\t%s (%s)\n", state.LastRunID(), state.SyncStatus())
	}
	if history := state.History(); len(history) > 0 {
		last := history[len(history)-1]
		fmt.Fprintf(w, "last transition:\t%s at %s\n", last.Stage, last.Timestamp.Format("2006-01-02 15:04:05"))
	}
	w.Flush()
}
