package util

import (
	"io"
	"log/slog"
	"os"
)

var logger *slog.Logger

// InitLogger installs the process-wide text logger on stdout. Verbose
// enables debug records from the recording pipeline.
func InitLogger(verbose bool) {
	logger = NewLogger(os.Stdout, verbose)
	slog.SetDefault(logger)
}

// NewLogger builds a text logger writing to w.
func NewLogger(w io.Writer, verbose bool) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if verbose {
		opts.Level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// GetLogger returns the configured logger instance
func GetLogger() *slog.Logger {
	if logger == nil {
		InitLogger(IsVerbose())
	}
	return logger
}

// IsVerbose reports whether --verbose was given on the command line. It is
// used before flags are parsed.
func IsVerbose() bool {
	for _, arg := range os.Args[1:] {
		if arg == "--verbose" {
			return true
		}
	}
	return false
}
