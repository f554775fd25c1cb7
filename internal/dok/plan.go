package dok

import "github.com/pkg/errors"

// Plan identifies the GPU tier a task runs on.
type Plan string

const (
	PlanV100    Plan = "v100-32gb"
	PlanH100    Plan = "h100-80gb"
	PlanH100MIG Plan = "h100-2g.20gb"
)

// ParsePlan resolves a plan name, accepting the short aliases used on the
// command line alongside the wire names.
func ParsePlan(s string) (Plan, error) {
	switch s {
	case "v100", string(PlanV100):
		return PlanV100, nil
	case "h100", string(PlanH100):
		return PlanH100, nil
	case "h100-mig", string(PlanH100MIG):
		return PlanH100MIG, nil
	}
	return "", errors.Errorf("unknown plan %q (valid: %s, %s, %s)", s, PlanV100, PlanH100, PlanH100MIG)
}

func (p Plan) String() string {
	return string(p)
}
