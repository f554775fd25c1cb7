package cmd

import (
	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel [task-id]",
	Short: "Cancel a task on the remote GPU service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.RequireRemote(); err != nil {
			return err
		}

		if err := newDokClient(cfg).CancelTask(cmd.Context(), taskID); err != nil {
			return err
		}
		cmd.Printf("Task %s cancelled\n", taskID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}
