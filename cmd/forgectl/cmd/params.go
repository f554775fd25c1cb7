package cmd

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"jobforge/internal/jobconfig"

	"github.com/spf13/cobra"
)

var (
	paramsGlobal bool
	paramsInit   bool
)

var paramsCmd = &cobra.Command{
	Use:   "params [dir]",
	Short: "Show the parameters of a job or workflow",
	Long: `Params lists the parameter definitions and current values of a job
directory, or of a workflow root with --global. With --init, missing
values are generated from the definitions' defaults and saved.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := args[0]

		var src jobconfig.ParamSource
		var err error
		if paramsGlobal {
			src, err = jobconfig.NewWorkflowParamSource(dir)
		} else {
			src, err = jobconfig.NewJobParamSource(dir)
		}
		if err != nil {
			return err
		}

		var values map[string]any
		if paramsInit {
			values, err = jobconfig.EnsureDefaultParams(src)
		} else {
			values, err = src.LoadParams()
		}
		if err != nil {
			return err
		}

		cmd.Println(src.DisplayName())
		if desc := src.Description(); desc != "" {
			cmd.Println(desc)
		}
		if src.IsGlobal() {
			cmd.Println("(workflow-level parameters, applied to every job)")
		}

		defs := src.ParamDefinitions()
		if len(defs) == 0 {
			cmd.Println("No parameters defined")
			return nil
		}

		names := make([]string, 0, len(defs))
		for name := range defs {
			names = append(names, name)
		}
		sort.Strings(names)

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tTYPE\tVALUE\tHINT")
		for _, name := range names {
			def := defs[name]
			value := "(unset)"
			if v, ok := values[name]; ok {
				value = jobconfig.ValueString(v)
			}
			hint := def.Hint
			if def.Type == jobconfig.ParamEnum {
				hint = strings.TrimSpace(hint + " [" + strings.Join(def.EnumValues, ", ") + "]")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, def.Type, value, hint)
		}
		return w.Flush()
	},
}

func init() {
	paramsCmd.Flags().BoolVar(&paramsGlobal, "global", false, "treat dir as a workflow root")
	paramsCmd.Flags().BoolVar(&paramsInit, "init", false, "generate and save default values when missing")
	rootCmd.AddCommand(paramsCmd)
}
