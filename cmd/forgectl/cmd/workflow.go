package cmd

import (
	"context"
	"strings"

	"jobforge/internal/executor"
	"jobforge/internal/job"
	"jobforge/internal/logger"
	"jobforge/internal/observability"
	"jobforge/internal/runtime"
	"jobforge/internal/workflow"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workflowKeepWorkspace bool

var workflowCmd = &cobra.Command{
	Use:   "workflow [workflow-dir]",
	Short: "Run every job of a workflow in dependency order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := logger.NewWithLevel(cfg.LogLevel)

		jobs, err := workflow.Plan(root)
		if err != nil {
			return err
		}
		names := make([]string, len(jobs))
		for i, jb := range jobs {
			names[i] = jb.Name
		}

		rt, err := runtime.NewDockerRuntime()
		if err != nil {
			return errors.Wrap(err, "connecting to Docker")
		}

		ctx := cmd.Context()
		stopObservability, err := startObservability(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer stopObservability()

		events := make(chan job.Event, job.EventBufferSize)
		tracker := job.NewTracker(names...)
		canceler := job.NewCanceler()
		defer cancelOnInterrupt(canceler, log)()

		exec := executor.New(rt, events, log)
		if inst, err := observability.NewJobInstruments(); err == nil {
			exec.SetInstruments(inst)
		}
		runner := workflow.NewRunner(exec, events, log)
		runner.KeepWorkspace = workflowKeepWorkspace

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			defer close(events)
			return runner.Run(ctx, root, jobs, canceler.Done())
		})
		g.Go(func() error {
			consumeEvents(events, tracker, newEventPrinter(cmd.OutOrStdout(), names...))
			return nil
		})
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}

		var failed []string
		for _, entry := range tracker.Snapshot() {
			if entry.Status == job.StatusFailed {
				failed = append(failed, entry.Name+": "+failureMessage(entry))
			}
		}
		if len(failed) > 0 {
			return errors.Errorf("workflow failed (%s)", strings.Join(failed, "; "))
		}
		cmd.Printf("Workflow completed, %d job(s) run\n", len(jobs))
		return nil
	},
}

func init() {
	workflowCmd.Flags().BoolVar(&workflowKeepWorkspace, "keep-workspace", false, "keep the temporary run directory for inspection")
	rootCmd.AddCommand(workflowCmd)
}
