package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"odsflow/internal/pipeline"
	"odsflow/internal/ui"
	apperrors "odsflow/pkg/errors"
)

var runFlags struct {
	all            bool
	json           bool
	concurrency    int
	showViolations int
}

var runCmd = &cobra.Command{
	Use:   "run [pipeline...]",
	Short: "Stage, validate and load pipelines",
	Long: `Run one or more pipelines. Each run stages its batch, stamps reference
attributes, validates it and merges it into the target table inside one
transaction. Any failure rolls the whole run back.

Pipelines run at most --concurrency at a time; runs on the same target
table always wait for each other. The command exits non-zero when any
run fails.`,
	Example: `  odsflow run customers
  odsflow run --all --concurrency 4
  odsflow run orders --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeRuns(cmd, args, false)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate [pipeline...]",
	Short: "Stage and validate pipelines without loading",
	Long: `Run the stage, stamp and validate steps and report the violations. The
transaction is always rolled back, so the target table is never modified.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeRuns(cmd, args, true)
	},
}

func init() {
	for _, c := range []*cobra.Command{runCmd, validateCmd} {
		c.Flags().BoolVar(&runFlags.all, "all", false, "run every configured pipeline")
		c.Flags().BoolVar(&runFlags.json, "json", false, "print results as JSON")
		c.Flags().IntVar(&runFlags.concurrency, "concurrency", 0, "pipelines run at once (default runtime.concurrency)")
		c.Flags().IntVar(&runFlags.showViolations, "show-violations", 20, "violations listed per pipeline, 0 for all")
		c.Flags().Int("batch-size", 0, "rows per merge statement (default runtime.batch_size)")
		rootCmd.AddCommand(c)
	}
}

func executeRuns(cmd *cobra.Command, args []string, validateOnly bool) error {
	if len(args) == 0 && !runFlags.all {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "No pipeline given").
			WithSuggestions("Name one or more pipelines, or pass --all")
	}
	if len(args) > 0 && runFlags.all {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "--all cannot be combined with pipeline names")
	}
	bindFlags(cmd.Flags(), map[string]string{"batch-size": "runtime.batch_size"}, true)

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ds, err := a.descriptors(args)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	out := cmd.OutOrStdout()
	var spinner *ui.Spinner
	if !runFlags.json {
		spinner = ui.NewSpinner(fmt.Sprintf("Connecting to %s store...", a.config.Store.Driver))
		spinner.Start()
	}
	if err := a.connect(ctx); err != nil {
		if spinner != nil {
			spinner.Stop(false, "could not connect to the target store")
		}
		return err
	}
	if spinner != nil {
		label := "Running"
		if validateOnly {
			label = "Validating"
		}
		spinner.UpdateMessage(fmt.Sprintf("%s %d pipeline(s)...", label, len(ds)))
	}

	results, runErr := a.runPipelines(ctx, ds, runFlags.concurrency, validateOnly)
	if spinner != nil {
		spinner.Stop(runErr == nil, summary(results, validateOnly))
	}
	if results == nil {
		return runErr
	}

	if runFlags.json {
		if err := writeJSON(out, results); err != nil {
			return err
		}
	} else {
		ui.RenderResults(out, results)
		for _, r := range results {
			if len(r.Violations) == 0 {
				continue
			}
			fmt.Fprintf(out, "\nViolations in %s:\n", r.Pipeline)
			ui.RenderViolations(out, r.Violations, runFlags.showViolations)
		}
	}
	return runErr
}

func summary(results []*pipeline.Result, validateOnly bool) string {
	failed := countFailed(results)
	verb := "loaded"
	if validateOnly {
		verb = "validated"
	}
	if failed == 0 {
		return fmt.Sprintf("%d pipeline(s) %s", len(results), verb)
	}
	return fmt.Sprintf("%d of %d pipeline(s) failed", failed, len(results))
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// signalContext is the command context canceled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}
