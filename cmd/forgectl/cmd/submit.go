package cmd

import (
	"context"
	"fmt"

	"jobforge/internal/dok"
	"jobforge/internal/executor"
	"jobforge/internal/job"
	"jobforge/internal/jobconfig"
	"jobforge/internal/logger"
	"jobforge/internal/observability"
	"jobforge/internal/remote"
	"jobforge/internal/runtime"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	submitPlan     string
	submitName     string
	submitImage    string
	submitHTTPPath string
	submitHTTPPort int
)

var submitCmd = &cobra.Command{
	Use:   "submit [job-dir]",
	Short: "Run a job as a task on the remote GPU service",
	Long: `Submit builds the job's image (when it declares a Dockerfile), pushes
it to the configured registry, creates a task on the managed-container
service and polls it to completion. The task's output artifact is
downloaded and unpacked into the job directory.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobDir := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.RequireRemote(); err != nil {
			return err
		}
		log := logger.NewWithLevel(cfg.LogLevel)

		jobCfg, err := jobconfig.Load(jobDir)
		if err != nil {
			return err
		}

		sub, err := buildSubmission(cfg.RegistryHostname, jobDir, jobCfg, cfg.Plan)
		if err != nil {
			return err
		}
		sub.RegistryUsername = cfg.RegistryUsername
		sub.RegistryPassword = cfg.RegistryPassword

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

		pipeline := remote.New(newDokClient(cfg), rt, events, log)
		pipeline.PollInterval = cfg.PollInterval
		pipeline.MaxPolls = cfg.MaxPolls
		pipeline.ArtifactRetryInterval = cfg.ArtifactRetryInterval
		pipeline.ArtifactAttempts = cfg.ArtifactAttempts
		if inst, err := observability.NewJobInstruments(); err == nil {
			pipeline.SetInstruments(inst)
		}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			defer close(events)
			return pipeline.Run(ctx, sub, canceler.Done())
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
			return errors.Errorf("task for job %s failed: %s", jobCfg.Name, failureMessage(entry))
		}
		cmd.Printf("Task completed, outputs unpacked into %s\n", jobDir)
		return nil
	},
}

// buildSubmission resolves the effective task settings: command line
// flags override the job's [dok] section, which overrides the
// application defaults.
func buildSubmission(registryHostname, jobDir string, jobCfg *jobconfig.JobConfig, defaultPlan string) (remote.Submission, error) {
	sub := remote.Submission{
		JobDir:           jobDir,
		Name:             submitName,
		RegistryHostname: registryHostname,
	}

	planName := defaultPlan
	if jobCfg.DOK != nil && jobCfg.DOK.Plan != "" {
		planName = jobCfg.DOK.Plan.String()
	}
	if submitPlan != "" {
		planName = submitPlan
	}
	plan, err := dok.ParsePlan(planName)
	if err != nil {
		return remote.Submission{}, err
	}
	sub.Plan = plan

	// A pre-built image runs with its own command and entrypoint; the
	// script chain only applies to images built from the job itself,
	// where the scripts are known to be inside.
	switch {
	case submitImage != "":
		sub.Image = submitImage
	case jobCfg.Container.Image != "":
		sub.Image = jobCfg.Container.Image
	default:
		sub.Image = fmt.Sprintf("%s/%s", registryHostname, executor.BuildTag(jobCfg.Name))
		sub.Dockerfile = jobCfg.Container.Dockerfile
		sub.Command = []string{"/bin/sh", "-c", jobCfg.Scripts.Command(jobDir)}
	}

	httpPath, httpPort := submitHTTPPath, submitHTTPPort
	if jobCfg.DOK != nil {
		if httpPath == "" {
			httpPath = jobCfg.DOK.HTTPPath
		}
		if httpPort == 0 {
			httpPort = jobCfg.DOK.HTTPPort
		}
	}
	if httpPath != "" {
		sub.HTTP = &dok.HTTPIngress{Path: httpPath, Port: httpPort}
	}

	return sub, nil
}

func init() {
	submitCmd.Flags().StringVar(&submitPlan, "plan", "", "GPU plan (v100, h100, h100-mig)")
	submitCmd.Flags().StringVar(&submitName, "name", "", "task name (default derives from the job)")
	submitCmd.Flags().StringVar(&submitImage, "image", "", "image reference to run instead of building")
	submitCmd.Flags().StringVar(&submitHTTPPath, "http-path", "", "HTTP ingress path exposed by the task")
	submitCmd.Flags().IntVar(&submitHTTPPort, "http-port", 0, "HTTP ingress port exposed by the task")
	rootCmd.AddCommand(submitCmd)
}
