// Package jobconfig loads job and workflow configuration files and
// their parameter definitions. A job directory carries its settings in
// .forge/job.toml (or the legacy @job.toml at the directory root);
// parameter values live next to it in params.json.
package jobconfig

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"jobforge/internal/dok"
)

const (
	// ConfigDirName is the per-directory settings folder.
	ConfigDirName = ".forge"

	configFileName   = "job.toml"
	legacyConfigName = "@job.toml"
	workflowFileName = "workflow.toml"

	// ParamsFileName holds job-level parameter values.
	ParamsFileName = "params.json"
	// GlobalParamsFileName holds workflow-level parameter values.
	GlobalParamsFileName = "global_params.json"
)

// Default script names used when the scripts section omits them.
const (
	DefaultPreScript  = "./pre_run.sh"
	DefaultRunScript  = "./run.sh"
	DefaultPostScript = "./post_run.sh"
)

// ErrNoConfig marks a directory that carries no job configuration.
// Workflow scanning skips such directories instead of failing.
var ErrNoConfig = errors.New("no job configuration found")

// Container declares the image source for a job. Exactly one of Image
// and Dockerfile must be set.
type Container struct {
	Image      string `mapstructure:"docker_image"`
	Dockerfile string `mapstructure:"docker_file"`
	UseGPU     bool   `mapstructure:"use_gpu"`
}

// Validate enforces the exactly-one-source rule.
func (c Container) Validate() error {
	switch {
	case c.Image == "" && c.Dockerfile == "":
		return errors.New("container section must have either 'docker_image' or 'docker_file'")
	case c.Image != "" && c.Dockerfile != "":
		return errors.New("container section cannot have both 'docker_image' and 'docker_file'")
	}
	return nil
}

// Scripts names the three lifecycle scripts of a job.
type Scripts struct {
	Pre  string `mapstructure:"pre"`
	Run  string `mapstructure:"run"`
	Post string `mapstructure:"post"`
}

// Command assembles the shell command chain executed inside the job
// container. Pre and post scripts are included only when the file
// exists in dir; the run script is always included.
func (s Scripts) Command(dir string) string {
	parts := make([]string, 0, 3)
	if scriptExists(dir, s.Pre) {
		parts = append(parts, s.Pre)
	}
	parts = append(parts, s.Run)
	if scriptExists(dir, s.Post) {
		parts = append(parts, s.Post)
	}
	return strings.Join(parts, " && ")
}

func scriptExists(dir, script string) bool {
	if script == "" {
		return false
	}
	info, err := os.Stat(filepath.Join(dir, script))
	return err == nil && info.Mode().IsRegular()
}

// DOKSettings carries the optional remote execution section.
type DOKSettings struct {
	Plan     dok.Plan `mapstructure:"plan"`
	HTTPPath string   `mapstructure:"http_path"`
	HTTPPort int      `mapstructure:"http_port"`
}

// JobConfig is the parsed job.toml. The executor consumes it
// read-only.
type JobConfig struct {
	Name        string                     `mapstructure:"name"`
	Description string                     `mapstructure:"description"`
	Container   Container                  `mapstructure:"container"`
	Scripts     Scripts                    `mapstructure:"scripts"`
	Inputs      []string                   `mapstructure:"inputs"`
	Outputs     []string                   `mapstructure:"outputs"`
	DependsOn   []string                   `mapstructure:"depends_on"`
	Params      map[string]ParamDefinition `mapstructure:"params"`
	DOK         *DOKSettings               `mapstructure:"dok"`
}

// ConfigPath locates the configuration file for a job directory,
// preferring .forge/job.toml over the legacy @job.toml.
func ConfigPath(dir string) (string, error) {
	modern := filepath.Join(dir, ConfigDirName, configFileName)
	if fileExists(modern) {
		return modern, nil
	}
	legacy := filepath.Join(dir, legacyConfigName)
	if fileExists(legacy) {
		return legacy, nil
	}
	return "", errors.Wrapf(ErrNoConfig, "in %s", dir)
}

// HasConfig reports whether dir is a job directory.
func HasConfig(dir string) bool {
	_, err := ConfigPath(dir)
	return err == nil
}

// Load reads the job configuration for dir, applying script defaults
// and validating the container source. When the file carries no name
// the directory name is used.
func Load(dir string) (*JobConfig, error) {
	path, err := ConfigPath(dir)
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetDefault("scripts.pre", DefaultPreScript)
	v.SetDefault("scripts.run", DefaultRunScript)
	v.SetDefault("scripts.post", DefaultPostScript)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}

	var cfg JobConfig
	if err := v.Unmarshal(&cfg, viper.DecodeHook(planDecodeHook())); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	if err := cfg.Container.Validate(); err != nil {
		return nil, errors.Wrapf(err, "in %s", path)
	}

	if cfg.Name == "" {
		cfg.Name = dirName(dir)
	}
	return &cfg, nil
}

// WorkflowConfig is the parsed .forge/workflow.toml of a workflow
// root: display metadata plus workflow-level parameter definitions.
type WorkflowConfig struct {
	Name        string                     `mapstructure:"name"`
	Description string                     `mapstructure:"description"`
	Params      map[string]ParamDefinition `mapstructure:"params"`
}

// WorkflowConfigPath returns the workflow metadata file for dir.
func WorkflowConfigPath(dir string) string {
	return filepath.Join(dir, ConfigDirName, workflowFileName)
}

// LoadWorkflow reads workflow metadata. A missing file yields
// ErrNoConfig; callers that treat global params as optional check for
// it with errors.Is.
func LoadWorkflow(dir string) (*WorkflowConfig, error) {
	path := WorkflowConfigPath(dir)
	if !fileExists(path) {
		return nil, errors.Wrapf(ErrNoConfig, "in %s", dir)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}

	var cfg WorkflowConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	if cfg.Name == "" {
		cfg.Name = dirName(dir)
	}
	return &cfg, nil
}

// planDecodeHook parses and validates plan names while decoding the
// dok section.
func planDecodeHook() mapstructure.DecodeHookFuncType {
	planType := reflect.TypeOf(dok.Plan(""))
	return func(from, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != planType {
			return data, nil
		}
		return dok.ParsePlan(data.(string))
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func dirName(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return filepath.Base(dir)
	}
	return filepath.Base(abs)
}
