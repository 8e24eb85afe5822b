// Package cli provides terminal output helpers for the command-line tools.
package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Color codes for terminal output
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorCyan   = "\033[36m"
	ColorBold   = "\033[1m"
)

// Printer writes status lines, colored when the writer is a terminal.
type Printer struct {
	w     io.Writer
	color bool
}

// NewPrinter writes to w. Color is enabled only for a terminal stdout.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w, color: w == os.Stdout && isTerminal()}
}

func (p *Printer) line(mark, color, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if p.color {
		fmt.Fprintf(p.w, "%s%s%s %s\n", color, mark, ColorReset, msg)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", mark, msg)
}

// Success prints a success line.
func (p *Printer) Success(format string, args ...interface{}) {
	p.line("✓", ColorGreen, format, args...)
}

// Error prints an error line.
func (p *Printer) Error(format string, args ...interface{}) {
	p.line("✗", ColorRed, format, args...)
}

// Warning prints a warning line.
func (p *Printer) Warning(format string, args ...interface{}) {
	p.line("⚠", ColorYellow, format, args...)
}

// Info prints an informational line.
func (p *Printer) Info(format string, args ...interface{}) {
	p.line("ℹ", ColorBlue, format, args...)
}

// Field prints an indented key/value pair.
func (p *Printer) Field(key string, value interface{}) {
	if p.color {
		fmt.Fprintf(p.w, "  %s%s:%s %v\n", ColorBold, key, ColorReset, value)
		return
	}
	fmt.Fprintf(p.w, "  %s: %v\n", key, value)
}

// Spinner shows progress while waiting on the node.
type Spinner struct {
	frames   []string
	current  int
	prefix   string
	mu       sync.Mutex
	writer   io.Writer
	active   bool
	colorize bool
	done     chan struct{}
}

// NewSpinner creates a spinner writing to w. It renders nothing unless w
// is a terminal stdout.
func NewSpinner(w io.Writer, prefix string) *Spinner {
	return &Spinner{
		frames:   []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"},
		prefix:   prefix,
		writer:   w,
		colorize: w == os.Stdout && isTerminal(),
		done:     make(chan struct{}),
	}
}

// Start begins animating.
func (s *Spinner) Start() {
	s.mu.Lock()
	if s.active || !s.colorize {
		s.mu.Unlock()
		return
	}
	s.active = true
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.mu.Lock()
				if !s.active {
					s.mu.Unlock()
					return
				}
				fmt.Fprintf(s.writer, "\r%s%s%s %s", ColorCyan, s.frames[s.current], ColorReset, s.prefix)
				s.current = (s.current + 1) % len(s.frames)
				s.mu.Unlock()
			case <-s.done:
				return
			}
		}
	}()
}

// Stop clears the spinner line.
func (s *Spinner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	s.active = false
	close(s.done)
	fmt.Fprint(s.writer, "\r"+strings.Repeat(" ", len(s.prefix)+4)+"\r")
}

func isTerminal() bool {
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
