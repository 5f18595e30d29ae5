package ui

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"odsflow/internal/pipeline"
	"odsflow/internal/scheduler"
	"odsflow/internal/validation"
)

var (
	statusSuccess = color.New(color.FgGreen, color.Bold).SprintFunc()
	statusFailure = color.New(color.FgRed, color.Bold).SprintFunc()
	statusDry     = color.New(color.FgCyan).SprintFunc()
)

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	return table
}

func statusCell(r *pipeline.Result) string {
	switch {
	case !r.Succeeded():
		return statusFailure(string(r.Status))
	case r.ValidateOnly:
		return statusDry("VALID")
	default:
		return statusSuccess(string(r.Status))
	}
}

func count(n int64) string {
	return strconv.FormatInt(n, 10)
}

// RenderResults writes one line per run.
func RenderResults(w io.Writer, results []*pipeline.Result) {
	table := newTable(w, "Pipeline", "Table", "Status", "State", "Staged", "Violations", "Inserted", "Updated", "Unchanged", "Deleted", "Duration")
	for _, r := range results {
		if r == nil {
			continue
		}
		table.Append([]string{
			r.Pipeline,
			r.Table,
			statusCell(r),
			string(r.State),
			strconv.Itoa(r.Staged),
			strconv.Itoa(len(r.Violations)),
			count(r.Inserted),
			count(r.Updated),
			count(r.Unchanged),
			count(r.Deleted),
			FormatDuration(r.Duration()),
		})
	}
	table.Render()

	for _, r := range results {
		if r == nil || r.Succeeded() {
			continue
		}
		step := r.Step
		if step == "" {
			step = "-"
		}
		fmt.Fprintf(w, "\n%s %s (step %s, %s)\n  %s\n",
			statusFailure("FAILED"), r.Pipeline, step, r.ErrorCode, r.Error)
	}
}

// RenderViolations writes the validator results. At most limit rows are
// shown when limit is positive.
func RenderViolations(w io.Writer, violations []validation.Result, limit int) {
	if len(violations) == 0 {
		return
	}
	shown := violations
	if limit > 0 && len(shown) > limit {
		shown = shown[:limit]
	}

	table := newTable(w, "Row", "Kind", "Column", "Detail")
	for _, v := range shown {
		table.Append([]string{strconv.Itoa(v.RowID), string(v.Kind), v.Column, v.Detail})
	}
	table.Render()

	if hidden := len(violations) - len(shown); hidden > 0 {
		fmt.Fprintf(w, "  ... %d more violation(s); use --json for the full list\n", hidden)
	}
}

// RenderHistory writes past runs, newest first as given.
func RenderHistory(w io.Writer, results []*pipeline.Result) {
	table := newTable(w, "Run", "Pipeline", "Status", "Started", "Rows", "Duration", "Error")
	for _, r := range results {
		errText := r.ErrorCode
		if r.Error != "" {
			errText = strings.TrimSpace(r.ErrorCode + " " + firstLine(r.Error))
		}
		table.Append([]string{
			shortID(r.RunID),
			r.Pipeline,
			statusCell(r),
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			FormatRowChange(r.Inserted, r.Updated, r.Deleted),
			FormatDuration(r.Duration()),
			errText,
		})
	}
	table.Render()
}

// RenderSchedules writes the registered schedules and their next firing.
func RenderSchedules(w io.Writer, entries []scheduler.Entry) {
	table := newTable(w, "Schedule", "Cron", "Pipelines", "Next")
	for _, e := range entries {
		pipelines := strings.Join(e.Pipelines, ", ")
		if pipelines == "" {
			pipelines = "(all)"
		}
		next := "-"
		if !e.Next.IsZero() {
			next = e.Next.Local().Format(time.RFC3339)
		}
		table.Append([]string{e.Name, e.Cron, pipelines, next})
	}
	table.Render()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
