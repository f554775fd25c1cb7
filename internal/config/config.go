// Package config handles environment variable loading for provider
// credentials, registry settings, poll intervals, etc.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Config holds all configuration values for the application.
type Config struct {
	// Sakura Cloud API key pair, used by the managed-container client.
	SakuraKey1 string
	SakuraKey2 string

	// Provider zone the managed-container API is addressed in.
	Zone string

	// Container registry credentials used when pushing images for
	// remote tasks.
	RegistryHostname string
	RegistryUsername string
	RegistryPassword string

	// Default plan for remote tasks.
	Plan string

	// Interval between remote task status polls.
	PollInterval time.Duration

	// MaxPolls bounds the status poll loop; 0 means poll until the task
	// finishes.
	MaxPolls int

	// Interval between artifact download URL attempts.
	ArtifactRetryInterval time.Duration

	// ArtifactAttempts bounds artifact URL resolution; 0 means retry
	// until the artifact is ready.
	ArtifactAttempts int

	// Per-job log buffer capacity in lines.
	LogCapacity int

	// Address for the Prometheus /metrics listener; empty disables it.
	MetricsAddr string

	// OTLP collector endpoint for traces; empty disables tracing.
	OTELEndpoint string

	// Log level: debug, info, warn, error.
	LogLevel string
}

// Load reads configuration from environment variables. Values that parse
// (durations, integers) report the offending variable on failure; provider
// credentials are validated separately by RequireRemote since local runs do
// not need them.
func Load() (*Config, error) {
	cfg := &Config{
		SakuraKey1:       os.Getenv("SAKURA_KEY1"),
		SakuraKey2:       os.Getenv("SAKURA_KEY2"),
		Zone:             getEnv("FORGE_ZONE", "is1a"),
		RegistryHostname: os.Getenv("FORGE_REGISTRY_HOSTNAME"),
		RegistryUsername: os.Getenv("FORGE_REGISTRY_USERNAME"),
		RegistryPassword: os.Getenv("FORGE_REGISTRY_PASSWORD"),
		Plan:             getEnv("FORGE_PLAN", "v100-32gb"),
		MetricsAddr:      os.Getenv("FORGE_METRICS_ADDR"),
		OTELEndpoint:     os.Getenv("FORGE_OTEL_ENDPOINT"),
		LogLevel:         getEnv("FORGE_LOG_LEVEL", "info"),
	}

	var err error
	if cfg.PollInterval, err = getDuration("FORGE_POLL_INTERVAL", time.Second); err != nil {
		return nil, err
	}
	if cfg.ArtifactRetryInterval, err = getDuration("FORGE_ARTIFACT_RETRY_INTERVAL", time.Second); err != nil {
		return nil, err
	}
	if cfg.MaxPolls, err = getInt("FORGE_MAX_POLLS", 0); err != nil {
		return nil, err
	}
	if cfg.ArtifactAttempts, err = getInt("FORGE_ARTIFACT_ATTEMPTS", 0); err != nil {
		return nil, err
	}
	if cfg.LogCapacity, err = getInt("FORGE_LOG_CAPACITY", 10000); err != nil {
		return nil, err
	}

	return cfg, nil
}

// RequireRemote validates the settings remote commands depend on.
func (c *Config) RequireRemote() error {
	if c.SakuraKey1 == "" || c.SakuraKey2 == "" {
		return errors.New("provider API keys are required (env: SAKURA_KEY1, SAKURA_KEY2)")
	}
	if c.RegistryHostname == "" {
		return errors.New("registry hostname is required (env: FORGE_REGISTRY_HOSTNAME)")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", key)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", key)
	}
	return n, nil
}
