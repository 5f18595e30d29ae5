package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"odsflow/internal/ui"
)

var historyFlags struct {
	limit int
	json  bool
}

var historyCmd = &cobra.Command{
	Use:   "history [pipeline]",
	Short: "Show recent runs",
	Long:  `List recorded runs, newest first. With a pipeline name only its runs are shown.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyFlags.limit, "limit", "n", 20, "runs to show, 0 for all")
	historyCmd.Flags().BoolVar(&historyFlags.json, "json", false, "print runs as JSON")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	if err := a.openHistory(); err != nil {
		return err
	}

	name := ""
	if len(args) == 1 {
		name = args[0]
	}
	runs := a.history.List(name, historyFlags.limit)

	out := cmd.OutOrStdout()
	if historyFlags.json {
		return writeJSON(out, runs)
	}
	if len(runs) == 0 {
		ui.ShowInfo("No runs recorded yet")
		return nil
	}
	ui.RenderHistory(out, runs)

	if name != "" {
		if last, ok := a.history.LastSuccess(name); ok {
			fmt.Fprintf(out, "\nLast successful load: %s (run %s)\n",
				last.FinishedAt.Local().Format("2006-01-02 15:04:05"), last.RunID)
		}
	}
	return nil
}
