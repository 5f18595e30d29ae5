package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/mgutz/ansi"
)

var (
	// Check if output supports colors
	supportsColor = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

	// output receives every message printed by this package
	output io.Writer = os.Stdout

	// Color functions
	ColorSuccess  = colorFunc(ansi.Green)
	ColorError    = colorFunc(ansi.Red)
	ColorWarning  = colorFunc(ansi.Yellow)
	ColorInfo     = colorFunc(ansi.Cyan)
	ColorProgress = colorFunc(ansi.Blue)
	ColorBold     = colorFunc("default+b")
	ColorDim      = colorFunc("default+h")
)

// colorFunc returns a function that colors text if supported
func colorFunc(color string) func(string) string {
	return func(text string) string {
		if supportsColor {
			return ansi.Color(text, color)
		}
		return text
	}
}

// SetOutput redirects messages and returns the previous writer.
func SetOutput(w io.Writer) io.Writer {
	prev := output
	output = w
	return prev
}

// ShowHeader displays a formatted header
func ShowHeader(title string) {
	width := 50
	padding := (width - len(title) - 2) / 2
	if padding < 0 {
		padding = 0
	}
	right := width - 2 - padding - len(title)
	if right < 0 {
		right = 0
	}

	fmt.Fprintln(output, "\n+"+strings.Repeat("-", width-2)+"+")
	fmt.Fprintf(output, "|%s%s%s|\n",
		strings.Repeat(" ", padding),
		ColorBold(title),
		strings.Repeat(" ", right),
	)
	fmt.Fprintln(output, "+"+strings.Repeat("-", width-2)+"+")
}

// ShowError displays a formatted error message
func ShowError(err error) {
	fmt.Fprintf(output, "\n%s\n", ColorError("ERROR:"))

	message := err.Error()
	for i, line := range strings.Split(message, "\n") {
		if i == 0 {
			fmt.Fprintf(output, "  %s\n", line)
		} else {
			fmt.Fprintf(output, "  %s\n", ColorDim(line))
		}
	}

	if suggestion := getSuggestion(message); suggestion != "" {
		fmt.Fprintf(output, "\n  %s %s\n", ColorInfo("TIP:"), ColorInfo(suggestion))
	}
}

// ShowSuccess displays a success message
func ShowSuccess(message string) {
	fmt.Fprintf(output, "%s %s\n", ColorSuccess("SUCCESS:"), message)
}

// ShowWarning displays a warning message
func ShowWarning(message string) {
	fmt.Fprintf(output, "%s %s\n", ColorWarning("WARNING:"), ColorWarning(message))
}

// ShowInfo displays an info message
func ShowInfo(message string) {
	fmt.Fprintf(output, "%s %s\n", ColorInfo("INFO:"), message)
}

// PrintKeyValue prints an aligned key/value line
func PrintKeyValue(key, value string) {
	fmt.Fprintf(output, "  %-14s %s\n", key+":", value)
}

// FormatRowChange formats inserted/updated/deleted counts
func FormatRowChange(inserted, updated, deleted int64) string {
	var parts []string
	if inserted > 0 {
		parts = append(parts, ColorSuccess(fmt.Sprintf("+%d", inserted)))
	}
	if updated > 0 {
		parts = append(parts, ColorWarning(fmt.Sprintf("~%d", updated)))
	}
	if deleted > 0 {
		parts = append(parts, ColorError(fmt.Sprintf("-%d", deleted)))
	}
	if len(parts) == 0 {
		return ColorDim("0")
	}
	return strings.Join(parts, " ")
}

// Box draws a box around content
func Box(title, content string) {
	lines := strings.Split(content, "\n")
	maxLen := len(title)

	for _, line := range lines {
		if len(line) > maxLen {
			maxLen = len(line)
		}
	}

	borderLen := maxLen - len(title) - 1
	if borderLen < 0 {
		borderLen = 0
	}
	fmt.Fprintf(output, "+- %s %s+\n", ColorBold(title), strings.Repeat("-", borderLen))

	for _, line := range lines {
		fmt.Fprintf(output, "| %s%s |\n", line, strings.Repeat(" ", maxLen-len(line)))
	}

	fmt.Fprintf(output, "+%s+\n", strings.Repeat("-", maxLen+3))
}

// getSuggestion returns helpful suggestions based on error messages
func getSuggestion(message string) string {
	lower := strings.ToLower(message)

	switch {
	case strings.Contains(lower, "authentication failed"), strings.Contains(lower, "incorrect username or password"):
		return "Check store.username and store.password, or re-run 'odsflow secret store'"
	case strings.Contains(lower, "connection refused"), strings.Contains(lower, "no such host"):
		return "Verify the store account or host and your network connectivity"
	case strings.Contains(lower, "does not exist"), strings.Contains(lower, "no such table"):
		return "Verify the target, staging and reference tables exist in the configured database and schema"
	case strings.Contains(lower, "permission denied"), strings.Contains(lower, "insufficient privileges"):
		return "Ensure the store role can read the staging tables and write the target table"
	case strings.Contains(lower, "validation failed"):
		return "Run 'odsflow validate' to list the violating rows"
	case strings.Contains(lower, "encryption"), strings.Contains(lower, "decrypt"):
		return "Check that ODSFLOW_ENCRYPTION_KEY matches the key used to encrypt the password"
	default:
		return ""
	}
}
