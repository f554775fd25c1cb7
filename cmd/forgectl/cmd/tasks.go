package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List tasks on the remote GPU service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.RequireRemote(); err != nil {
			return err
		}

		list, err := newDokClient(cfg).Tasks(cmd.Context())
		if err != nil {
			return err
		}
		if len(list.Results) == 0 {
			cmd.Println("No tasks found")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tCREATED")
		for _, t := range list.Results {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Name, t.Status, t.CreatedAt)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(tasksCmd)
}
