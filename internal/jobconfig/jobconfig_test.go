package jobconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobforge/internal/dok"
)

func writeJobConfig(t *testing.T, dir, content string) {
	t.Helper()
	forgeDir := filepath.Join(dir, ConfigDirName)
	require.NoError(t, os.MkdirAll(forgeDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(forgeDir, configFileName), []byte(content), 0o644))
}

func TestLoad_AppliesScriptDefaults(t *testing.T) {
	dir := t.TempDir()
	writeJobConfig(t, dir, `
[container]
docker_image = "ubuntu:22.04"
`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "ubuntu:22.04", cfg.Container.Image)
	assert.Equal(t, DefaultPreScript, cfg.Scripts.Pre)
	assert.Equal(t, DefaultRunScript, cfg.Scripts.Run)
	assert.Equal(t, DefaultPostScript, cfg.Scripts.Post)
	assert.Equal(t, filepath.Base(dir), cfg.Name)
	assert.False(t, cfg.Container.UseGPU)
}

func TestLoad_FullConfig(t *testing.T) {
	dir := t.TempDir()
	writeJobConfig(t, dir, `
name = "train"
description = "Fine-tune the model"
inputs = ["*.csv"]
outputs = ["results/*.json"]
depends_on = ["prepare"]

[container]
docker_file = "Dockerfile"
use_gpu = true

[scripts]
run = "main.py"

[params.batch_size]
type = "integer"
default = 32
hint = "Samples per training step."

[dok]
plan = "h100"
http_path = "/"
http_port = 8080
`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "train", cfg.Name)
	assert.Equal(t, "Fine-tune the model", cfg.Description)
	assert.Equal(t, "Dockerfile", cfg.Container.Dockerfile)
	assert.True(t, cfg.Container.UseGPU)
	assert.Equal(t, "main.py", cfg.Scripts.Run)
	assert.Equal(t, DefaultPreScript, cfg.Scripts.Pre)
	assert.Equal(t, []string{"*.csv"}, cfg.Inputs)
	assert.Equal(t, []string{"results/*.json"}, cfg.Outputs)
	assert.Equal(t, []string{"prepare"}, cfg.DependsOn)

	require.Contains(t, cfg.Params, "batch_size")
	def := cfg.Params["batch_size"]
	assert.Equal(t, ParamInteger, def.Type)
	assert.EqualValues(t, 32, def.Default)
	assert.Equal(t, "Samples per training step.", def.Hint)

	require.NotNil(t, cfg.DOK)
	assert.Equal(t, dok.PlanH100, cfg.DOK.Plan)
	assert.Equal(t, "/", cfg.DOK.HTTPPath)
	assert.Equal(t, 8080, cfg.DOK.HTTPPort)
}

func TestLoad_RejectsBothContainerSources(t *testing.T) {
	dir := t.TempDir()
	writeJobConfig(t, dir, `
[container]
docker_image = "ubuntu:22.04"
docker_file = "Dockerfile"
`)

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot have both")
}

func TestLoad_RejectsMissingContainerSource(t *testing.T) {
	dir := t.TempDir()
	writeJobConfig(t, dir, `
[container]
use_gpu = true
`)

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must have either")
}

func TestLoad_RejectsUnknownPlan(t *testing.T) {
	dir := t.TempDir()
	writeJobConfig(t, dir, `
[container]
docker_image = "ubuntu:22.04"

[dok]
plan = "tpu-v5"
`)

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown plan")
}

func TestLoad_LegacyConfigFallback(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, legacyConfigName), []byte(`
[container]
docker_image = "alpine:latest"
`), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "alpine:latest", cfg.Container.Image)
}

func TestLoad_PrefersModernConfigOverLegacy(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, legacyConfigName), []byte(`
[container]
docker_image = "legacy:1"
`), 0o644))
	writeJobConfig(t, dir, `
[container]
docker_image = "modern:1"
`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "modern:1", cfg.Container.Image)
}

func TestLoad_NoConfig(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoConfig))
	assert.False(t, HasConfig(dir))
}

func TestScriptsCommand(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pre_run.sh"), []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.sh"), []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "post_run.sh"), []byte("#!/bin/sh\n"), 0o755))

	scripts := Scripts{Pre: DefaultPreScript, Run: DefaultRunScript, Post: DefaultPostScript}
	assert.Equal(t, "./pre_run.sh && ./run.sh && ./post_run.sh", scripts.Command(dir))

	require.NoError(t, os.Remove(filepath.Join(dir, "post_run.sh")))
	assert.Equal(t, "./pre_run.sh && ./run.sh", scripts.Command(dir))

	require.NoError(t, os.Remove(filepath.Join(dir, "pre_run.sh")))
	assert.Equal(t, "./run.sh", scripts.Command(dir))

	// The run script is part of the command even when absent; the
	// container reports the failure instead of silently doing nothing.
	require.NoError(t, os.Remove(filepath.Join(dir, "run.sh")))
	assert.Equal(t, "./run.sh", scripts.Command(dir))
}

func TestLoadWorkflow(t *testing.T) {
	dir := t.TempDir()
	forgeDir := filepath.Join(dir, ConfigDirName)
	require.NoError(t, os.MkdirAll(forgeDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(forgeDir, workflowFileName), []byte(`
name = "ml-pipeline"
description = "A machine learning pipeline"

[params.project]
type = "string"
default = "demo"
hint = "Project name."
`), 0o644))

	cfg, err := LoadWorkflow(dir)
	require.NoError(t, err)
	assert.Equal(t, "ml-pipeline", cfg.Name)
	assert.Equal(t, "A machine learning pipeline", cfg.Description)
	require.Contains(t, cfg.Params, "project")
	assert.Equal(t, ParamString, cfg.Params["project"].Type)
}

func TestLoadWorkflow_Missing(t *testing.T) {
	_, err := LoadWorkflow(t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoConfig))
}
