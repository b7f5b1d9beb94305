package util

import (
	"io"
	"log/slog"
	"os"
)

var logger *slog.Logger

// NewLogger returns the text logger every webmlive component logs through:
// Info level, or Debug when verbose.
func NewLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// InitLogger installs the global logger on stdout.
func InitLogger(verbose bool) {
	logger = NewLogger(os.Stdout, verbose)
	slog.SetDefault(logger)
}

// GetLogger returns the configured logger instance
func GetLogger() *slog.Logger {
	if logger == nil {
		// Fallback initialization with INFO level
		InitLogger(false)
	}
	return logger
}
