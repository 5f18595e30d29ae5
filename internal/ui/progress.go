package ui

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Spinner shows activity while a run is in progress. On a non-terminal
// output it prints nothing until Stop.
type Spinner struct {
	frames  []string
	current int
	message string
	stop    chan struct{}
	stopped bool
	mu      sync.Mutex
}

// NewSpinner creates a new spinner
func NewSpinner(message string) *Spinner {
	return &Spinner{
		frames:  []string{"|", "/", "-", "\\"},
		message: message,
		stop:    make(chan struct{}),
	}
}

// Start begins the spinner animation
func (s *Spinner) Start() {
	if !supportsColor {
		return
	}
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.mu.Lock()
				if !s.stopped {
					fmt.Fprintf(output, "\r%s %s %s",
						ColorProgress(s.frames[s.current]),
						s.message,
						strings.Repeat(" ", 20),
					)
					s.current = (s.current + 1) % len(s.frames)
				}
				s.mu.Unlock()
			}
		}
	}()
}

// Stop stops the spinner and prints the final status. Calling it twice
// is a no-op.
func (s *Spinner) Stop(success bool, message string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stop)

	if supportsColor {
		fmt.Fprint(output, "\r\033[K")
	}
	if success {
		fmt.Fprintf(output, "%s %s\n", ColorSuccess("OK"), message)
	} else {
		fmt.Fprintf(output, "%s %s\n", ColorError("FAILED"), message)
	}
	s.mu.Unlock()
}

// UpdateMessage updates the spinner message
func (s *Spinner) UpdateMessage(message string) {
	s.mu.Lock()
	s.message = message
	s.mu.Unlock()
}

// FormatDuration formats a duration in a human-readable way
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		minutes := int(d.Minutes())
		seconds := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", hours, minutes)
}
