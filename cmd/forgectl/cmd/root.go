package cmd

import (
	"fmt"
	"os"

	"jobforge/internal/config"
	"jobforge/internal/dok"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "forgectl",
	Short: "Forgectl runs container jobs locally or on a remote GPU service",
	Long: `forgectl executes jobs - a container image plus pre/run/post scripts -
either against the local Docker daemon or as a task on the Sakura
Internet DOK managed-container GPU service.

A job is a directory with a .forge/job.toml declaring its container
source (an image name or a Dockerfile) and optional scripts, parameters
and outputs. A workflow is a directory of such job directories, run in
dependency order.

Common workflows:

  Run a job locally:
    forgectl run ./train

  Run a whole workflow in dependency order:
    forgectl workflow ./pipeline

  Submit a job to the remote GPU service and fetch its outputs:
    forgectl submit ./train --plan h100

  Inspect remote tasks:
    forgectl tasks
    forgectl cancel <task-id>

  Inspect or initialise parameters:
    forgectl params ./train
    forgectl params ./pipeline --global --init

Configuration:
  Provider and registry settings come from environment variables or a
  config file:
    SAKURA_KEY1 / SAKURA_KEY2     API key pair for the remote service
    FORGE_REGISTRY_HOSTNAME       registry images are pushed to
    FORGE_REGISTRY_USERNAME / FORGE_REGISTRY_PASSWORD`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command tree, printing the failure once.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".forgectl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".forgectl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "FORGE_VARNAME"
	viper.SetEnvPrefix("FORGE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.forgectl.yaml)")

	rootCmd.PersistentFlags().String("api-url", "", "override the managed-container API base URL")
	viper.BindPFlag("api_url", rootCmd.PersistentFlags().Lookup("api-url"))
}

// loadConfig reads the application settings from the environment.
func loadConfig() (*config.Config, error) {
	return config.Load()
}

// newDokClient builds the managed-container client from cfg, honoring
// an api_url override from the flag or config file.
func newDokClient(cfg *config.Config) *dok.Client {
	opts := []dok.Option{dok.WithZone(cfg.Zone)}
	if base := viper.GetString("api_url"); base != "" {
		opts = append(opts, dok.WithBaseURL(base))
	}
	return dok.New(cfg.SakuraKey1, cfg.SakuraKey2, opts...)
}
