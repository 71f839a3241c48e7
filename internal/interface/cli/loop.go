package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/YoshitsuguKoike/autolab/internal/app"
	"github.com/YoshitsuguKoike/autolab/internal/application/engine"
	"github.com/YoshitsuguKoike/autolab/internal/application/usecase"
	"github.com/YoshitsuguKoike/autolab/internal/domain/model/lock"
)

const heartbeatInterval = 30 * time.Second

// newLoopCmd creates the loop command: run steps until a terminal
// stage or a budget limit
func newLoopCmd() *cobra.Command {
	var maxIterations int
	var maxDuration time.Duration
	var unattended bool

	cmd := &cobra.Command{
		Use:   "loop",
		Short: "Run workflow steps continuously",
		Long:  "Acquires the run lock and executes steps until the workflow\nreaches a terminal stage or a loop budget runs out.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}

			held, err := rt.locks.Acquire("loop", rt.paths.State)
			if err != nil {
				return err
			}
			defer func() {
				if err := rt.locks.Release(held); err != nil {
					Warn("release lock: %v", err)
				}
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go heartbeatLoop(ctx, rt, held)

			opts := usecase.StepOptions{RunAgent: "policy"}
			if unattended {
				opts.RunAgent = "force_on"
			}

			// Pick up any external run a previous process left in
			// flight before stepping.
			if err := rt.orchestrator.Recover(ctx); err != nil {
				return fmt.Errorf("startup recovery: %w", err)
			}

			summary := loopSummary{started: time.Now()}
			deadline := time.Time{}
			if maxDuration > 0 {
				deadline = summary.started.Add(maxDuration)
			}

			for {
				if ctx.Err() != nil {
					summary.stopReason = "interrupted"
					break
				}
				if maxIterations > 0 && summary.steps >= maxIterations {
					summary.stopReason = fmt.Sprintf("reached %d steps", maxIterations)
					break
				}
				if !deadline.IsZero() && time.Now().After(deadline) {
					summary.stopReason = fmt.Sprintf("exceeded %s", maxDuration)
					break
				}

				state, err := rt.states.Load()
				if err != nil {
					return err
				}
				if state.Stage().IsTerminal() {
					summary.stopReason = fmt.Sprintf("terminal stage %s", state.Stage())
					break
				}

				report, err := rt.orchestrator.Step(ctx, opts)
				if err != nil {
					writeHealth(rt, state.IterationID(), state.Stage().String(), summary.steps+1, err)
					return fmt.Errorf("step %d: %w", summary.steps+1, err)
				}
				summary.record(report)
				writeHealth(rt, state.IterationID(), report.Transition.Next.String(), summary.steps, nil)
				Info("step %d: %s -> %s (%s)", summary.steps, report.Stage, report.Transition.Next, report.Transition.Kind)
			}

			printLoopSummary(cmd, &summary)
			return nil
		},
	}

	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "stop after this many steps (0 = unlimited)")
	cmd.Flags().DurationVar(&maxDuration, "max-duration", 0, "stop after this wall-clock duration (0 = unlimited)")
	cmd.Flags().BoolVar(&unattended, "unattended", false, "always invoke the agent, even for stages the policy leaves manual")
	return cmd
}

func heartbeatLoop(ctx context.Context, rt *runtime, held *lock.RunLock) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := rt.locks.Heartbeat(held); err != nil {
				Warn("heartbeat: %v", err)
			}
		}
	}
}

func writeHealth(rt *runtime, iteration, stage string, step int, stepErr error) {
	msg := ""
	if stepErr != nil {
		msg = stepErr.Error()
	}
	if err := app.WriteHealth(rt.fs, rt.paths.Health, iteration, stage, step, stepErr == nil, msg); err != nil {
		Warn("write health: %v", err)
	}
}

type loopSummary struct {
	started    time.Time
	steps      int
	advances   int
	retries    int
	escalates  int
	stopReason string
	lastReport *usecase.StepReport
}

func (s *loopSummary) record(report *usecase.StepReport) {
	s.steps++
	s.lastReport = report
	switch report.Transition.Kind {
	case engine.TransitionAdvance:
		s.advances++
	case engine.TransitionRetry:
		s.retries++
	case engine.TransitionEscalate:
		s.escalates++
	}
}

func printLoopSummary(cmd *cobra.Command, s *loopSummary) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "loop finished: %s\n", s.stopReason)
	fmt.Fprintf(out, "steps: %d (advance %d, retry %d, escalate %d) in %s\n",
		s.steps, s.advances, s.retries, s.escalates, time.Since(s.started).Round(time.Second))
	if s.lastReport != nil {
		fmt.Fprintf(out, "last stage: %s -> %s\n", s.lastReport.Stage, s.lastReport.Transition.Next)
	}
}
