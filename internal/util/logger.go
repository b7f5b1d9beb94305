package util

import (
	"bytes"
	"io"
	"log"
	"log/slog"
)

// NewLogWriter adapts a slog logger to an io.Writer for APIs that take a
// *log.Logger, such as http.Server.ErrorLog. Each write is one warning.
func NewLogWriter(logger *slog.Logger) io.Writer {
	return &logWriter{logger: logger}
}

// SetupGlobalLogger replaces the standard log package output with slog.
func SetupGlobalLogger() {
	log.SetFlags(0)
	log.SetOutput(&logWriter{logger: GetLogger(), info: true})
}

type logWriter struct {
	logger *slog.Logger
	info   bool
}

func (w *logWriter) Write(p []byte) (n int, err error) {
	msg := string(bytes.TrimRight(p, "\n"))
	if w.info {
		w.logger.Info(msg)
	} else {
		w.logger.Warn(msg)
	}
	return len(p), nil
}
