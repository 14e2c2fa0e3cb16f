package util

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/mattn/go-isatty"
)

// UISpinner shows progress on an interactive terminal. On any other writer,
// or in verbose mode, it only prints the final status line.
type UISpinner struct {
	sp  *spinner.Spinner
	out io.Writer
}

// NewUISpinner starts a spinner showing message.
func NewUISpinner(out io.Writer, message string) *UISpinner {
	s := &UISpinner{out: out}
	if IsVerbose() || !isTerminal(out) {
		return s
	}

	// dots
	s.sp = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(out))
	s.sp.Prefix = "  "
	s.sp.Suffix = " " + message
	s.sp.Start()
	return s
}

// Update replaces the message next to the spinner.
func (s *UISpinner) Update(message string) {
	if s.sp == nil {
		return
	}
	s.sp.Lock()
	s.sp.Suffix = " " + message
	s.sp.Unlock()
}

// Success stops the spinner and prints a success line.
func (s *UISpinner) Success(message string) {
	s.finish("✓", message)
}

// Fail stops the spinner and prints an error line.
func (s *UISpinner) Fail(message string) {
	s.finish("✗", message)
}

func (s *UISpinner) finish(mark, message string) {
	if s.sp != nil {
		s.sp.Stop()
		fmt.Fprint(s.out, "\r\033[K")
	}
	fmt.Fprintf(s.out, "  %s %s\n", mark, message)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}
