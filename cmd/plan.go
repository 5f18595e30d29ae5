package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"odsflow/internal/merge"
	"odsflow/internal/store"
	"odsflow/internal/ui"
)

var planRows int

var planCmd = &cobra.Command{
	Use:   "plan <pipeline>...",
	Short: "Print the SQL a run would issue",
	Long: `Print the statements the merge engine issues for one chunk of rows,
rendered for the configured store driver. Nothing is executed and no
connection is opened.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPlan,
}

func init() {
	planCmd.Flags().IntVar(&planRows, "rows", 1, "rows in the rendered chunk")
	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	dialect, err := store.DialectFor(a.config.Store.Driver)
	if err != nil {
		return err
	}
	ds, err := a.descriptors(args)
	if err != nil {
		return err
	}

	engine := merge.NewEngine(dialect, merge.WithBatchSize(a.config.Runtime.BatchSize), merge.WithLogger(a.logger))
	out := cmd.OutOrStdout()
	for _, d := range ds {
		ui.ShowHeader(d.Name)
		ui.PrintKeyValue("Table", d.Table)
		ui.PrintKeyValue("Mode", string(d.Mode))
		ui.PrintKeyValue("Unique key", strings.Join(d.UniqueKey, ", "))
		ui.PrintKeyValue("Policy", string(d.Policy))
		ui.PrintKeyValue("Source", fmt.Sprintf("%s %s", d.Source.Kind, sourceName(d.Source.Table, d.Source.Dir, d.Source.Pattern)))
		if r := d.RetentionWindow(); r.Positive() {
			ui.PrintKeyValue("Retention", r.String())
		}
		fmt.Fprintln(out)
		for i, stmt := range engine.Plan(d, planRows) {
			ui.Box(fmt.Sprintf("statement %d", i+1), stmt+";")
			fmt.Fprintln(out)
		}
	}
	return nil
}

func sourceName(table, dir, pattern string) string {
	if table != "" {
		return table
	}
	if pattern == "" {
		return dir
	}
	return dir + "/" + pattern
}
