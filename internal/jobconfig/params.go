package jobconfig

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ParamType classifies a parameter definition.
type ParamType string

const (
	ParamString    ParamType = "string"
	ParamInteger   ParamType = "integer"
	ParamFloat     ParamType = "float"
	ParamBoolean   ParamType = "boolean"
	ParamFile      ParamType = "file"
	ParamDirectory ParamType = "directory"
	ParamEnum      ParamType = "enum"
	ParamArray     ParamType = "array"
)

// ParamDefinition is one [params.<name>] table from job.toml or
// workflow.toml.
type ParamDefinition struct {
	Type       ParamType `mapstructure:"type"`
	Default    any       `mapstructure:"default"`
	Hint       string    `mapstructure:"hint"`
	EnumValues []string  `mapstructure:"enum_values"`
}

// Validate checks a parameter value against the definition. Integer
// values may arrive as JSON floats and are accepted when whole.
func (d ParamDefinition) Validate(value any) error {
	switch d.Type {
	case ParamString, ParamFile, ParamDirectory:
		if _, ok := value.(string); !ok {
			return errors.Errorf("expected string, got %v", value)
		}
	case ParamInteger:
		if !isIntegral(value) {
			return errors.Errorf("expected integer, got %v", value)
		}
	case ParamFloat:
		if !isNumeric(value) {
			return errors.Errorf("expected float, got %v", value)
		}
	case ParamBoolean:
		if _, ok := value.(bool); !ok {
			return errors.Errorf("expected boolean, got %v", value)
		}
	case ParamEnum:
		if len(d.EnumValues) == 0 {
			return errors.New("enum type requires enum_values to be specified")
		}
		s, ok := value.(string)
		if !ok {
			return errors.Errorf("expected string for enum, got %v", value)
		}
		if !slices.Contains(d.EnumValues, s) {
			return errors.Errorf("value %q not in allowed values %v", s, d.EnumValues)
		}
	case ParamArray:
		if _, ok := value.([]any); !ok {
			return errors.Errorf("expected array, got %v", value)
		}
	default:
		return errors.Errorf("unknown parameter type %q", d.Type)
	}
	return nil
}

func isIntegral(value any) bool {
	switch v := value.(type) {
	case int, int32, int64:
		return true
	case float64:
		return math.Trunc(v) == v
	default:
		return false
	}
}

func isNumeric(value any) bool {
	switch value.(type) {
	case int, int32, int64, float32, float64:
		return true
	default:
		return false
	}
}

// ParamSource abstracts where parameters come from, so job-level and
// workflow-level parameters share one editing and injection path.
type ParamSource interface {
	DisplayName() string
	Description() string
	ParamDefinitions() map[string]ParamDefinition
	// LoadParams returns the stored values, or a nil map when none
	// have been saved yet.
	LoadParams() (map[string]any, error)
	SaveParams(params map[string]any) error
	GenerateDefaultParams() map[string]any
	IsGlobal() bool
}

// JobParamSource serves a single job directory.
type JobParamSource struct {
	dir string
	cfg *JobConfig
}

// NewJobParamSource loads the job configuration of dir and wraps it as
// a parameter source.
func NewJobParamSource(dir string) (*JobParamSource, error) {
	cfg, err := Load(dir)
	if err != nil {
		return nil, err
	}
	return &JobParamSource{dir: dir, cfg: cfg}, nil
}

func (s *JobParamSource) DisplayName() string { return s.cfg.Name }

func (s *JobParamSource) Description() string { return s.cfg.Description }

func (s *JobParamSource) ParamDefinitions() map[string]ParamDefinition { return s.cfg.Params }

func (s *JobParamSource) LoadParams() (map[string]any, error) {
	return loadParamsFile(filepath.Join(s.dir, ParamsFileName))
}

func (s *JobParamSource) SaveParams(params map[string]any) error {
	return saveParamsFile(filepath.Join(s.dir, ParamsFileName), params)
}

func (s *JobParamSource) GenerateDefaultParams() map[string]any {
	return defaultParams(s.cfg.Params)
}

func (s *JobParamSource) IsGlobal() bool { return false }

// WorkflowParamSource serves a workflow root's global parameters.
type WorkflowParamSource struct {
	dir string
	cfg *WorkflowConfig
}

// NewWorkflowParamSource loads workflow metadata from dir and wraps it
// as a parameter source.
func NewWorkflowParamSource(dir string) (*WorkflowParamSource, error) {
	cfg, err := LoadWorkflow(dir)
	if err != nil {
		return nil, err
	}
	return &WorkflowParamSource{dir: dir, cfg: cfg}, nil
}

func (s *WorkflowParamSource) DisplayName() string { return s.cfg.Name }

func (s *WorkflowParamSource) Description() string { return s.cfg.Description }

func (s *WorkflowParamSource) ParamDefinitions() map[string]ParamDefinition { return s.cfg.Params }

func (s *WorkflowParamSource) LoadParams() (map[string]any, error) {
	return loadParamsFile(filepath.Join(s.dir, GlobalParamsFileName))
}

func (s *WorkflowParamSource) SaveParams(params map[string]any) error {
	return saveParamsFile(filepath.Join(s.dir, GlobalParamsFileName), params)
}

func (s *WorkflowParamSource) GenerateDefaultParams() map[string]any {
	return defaultParams(s.cfg.Params)
}

func (s *WorkflowParamSource) IsGlobal() bool { return true }

// EnsureDefaultParams returns the stored values of src, generating and
// saving defaults from the definitions when no values exist yet.
func EnsureDefaultParams(src ParamSource) (map[string]any, error) {
	params, err := src.LoadParams()
	if err != nil {
		return nil, err
	}
	if params != nil {
		return params, nil
	}
	params = src.GenerateDefaultParams()
	if err := src.SaveParams(params); err != nil {
		return nil, err
	}
	return params, nil
}

// LoadGlobalParams reads workflow-level parameter values from dir,
// returning nil when none have been saved.
func LoadGlobalParams(dir string) (map[string]any, error) {
	return loadParamsFile(filepath.Join(dir, GlobalParamsFileName))
}

// LoadJobParams reads job-level parameter values from dir, returning
// nil when none have been saved.
func LoadJobParams(dir string) (map[string]any, error) {
	return loadParamsFile(filepath.Join(dir, ParamsFileName))
}

// MergeParams overlays job parameters on top of workflow globals.
func MergeParams(global, job map[string]any) map[string]any {
	merged := make(map[string]any, len(global)+len(job))
	for k, v := range global {
		merged[k] = v
	}
	for k, v := range job {
		merged[k] = v
	}
	return merged
}

// ParamsToEnv renders parameters as PARAM_<UPPER_NAME> environment
// variables for the job container.
func ParamsToEnv(params map[string]any) map[string]string {
	env := make(map[string]string, len(params))
	for name, value := range params {
		env["PARAM_"+strings.ToUpper(name)] = ValueString(value)
	}
	return env
}

// ValueString renders a parameter value for environment injection.
// Whole floats print without a fraction since JSON decoding turns all
// numbers into float64.
func ValueString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		if math.Trunc(v) == v && math.Abs(v) < 1e15 {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func defaultParams(defs map[string]ParamDefinition) map[string]any {
	params := make(map[string]any, len(defs))
	for name, def := range defs {
		params[name] = def.Default
	}
	return params
}

func loadParamsFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	var params map[string]any
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	return params, nil
}

func saveParamsFile(path string, params map[string]any) error {
	data, err := json.MarshalIndent(params, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encoding %s", path)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	return nil
}
