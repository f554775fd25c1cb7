package observability

import (
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// JobInstruments bundles the meters the executor and the remote pipeline
// record against the global meter provider.
type JobInstruments struct {
	JobsCompleted  metric.Int64Counter
	JobsFailed     metric.Int64Counter
	JobDuration    metric.Float64Histogram
	TasksSubmitted metric.Int64Counter
}

// NewJobInstruments creates the instruments on the global meter. Safe to
// call before InitMetrics; recordings are no-ops until a provider is set.
func NewJobInstruments() (*JobInstruments, error) {
	meter := otel.Meter("jobforge")

	completed, err := meter.Int64Counter("forge_jobs_completed_total",
		metric.WithDescription("Jobs that reached Completed"))
	if err != nil {
		return nil, errors.Wrap(err, "creating jobs completed counter")
	}

	failed, err := meter.Int64Counter("forge_jobs_failed_total",
		metric.WithDescription("Jobs that reached Failed"))
	if err != nil {
		return nil, errors.Wrap(err, "creating jobs failed counter")
	}

	duration, err := meter.Float64Histogram("forge_job_duration_seconds",
		metric.WithDescription("Wall-clock duration of job runs"))
	if err != nil {
		return nil, errors.Wrap(err, "creating job duration histogram")
	}

	submitted, err := meter.Int64Counter("forge_tasks_submitted_total",
		metric.WithDescription("Remote tasks submitted to the provider"))
	if err != nil {
		return nil, errors.Wrap(err, "creating tasks submitted counter")
	}

	return &JobInstruments{
		JobsCompleted:  completed,
		JobsFailed:     failed,
		JobDuration:    duration,
		TasksSubmitted: submitted,
	}, nil
}
