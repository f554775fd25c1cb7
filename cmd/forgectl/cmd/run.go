package cmd

import (
	"context"

	"jobforge/internal/executor"
	"jobforge/internal/job"
	"jobforge/internal/jobconfig"
	"jobforge/internal/logger"
	"jobforge/internal/observability"
	"jobforge/internal/runtime"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run [job-dir]",
	Short: "Run a job locally against the Docker daemon",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobDir := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := logger.NewWithLevel(cfg.LogLevel)

		jobCfg, err := jobconfig.Load(jobDir)
		if err != nil {
			return err
		}

		src, err := jobconfig.NewJobParamSource(jobDir)
		if err != nil {
			return err
		}
		params, err := jobconfig.EnsureDefaultParams(src)
		if err != nil {
			return err
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
		tracker := job.NewTracker(jobCfg.Name)
		canceler := job.NewCanceler()
		defer cancelOnInterrupt(canceler, log)()

		exec := executor.New(rt, events, log)
		if inst, err := observability.NewJobInstruments(); err == nil {
			exec.SetInstruments(inst)
		}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			defer close(events)
			_, err := exec.Run(ctx, executor.RunSpec{
				JobDir: jobDir,
				Config: jobCfg,
				Env:    jobconfig.ParamsToEnv(params),
			}, canceler.Done())
			return err
		})
		g.Go(func() error {
			consumeEvents(events, tracker, newEventPrinter(cmd.OutOrStdout()))
			return nil
		})
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}

		entry, _ := tracker.Entry(0)
		if entry.Status == job.StatusFailed {
			return errors.Errorf("job %s failed: %s", jobCfg.Name, failureMessage(entry))
		}
		cmd.Printf("Job %s completed\n", jobCfg.Name)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
