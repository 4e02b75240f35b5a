// Package logging configures the structured logger shared by the CLI and the
// template providers.
package logging

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

type contextKey struct{}

// New creates a JSON logger whose level comes from LOG_LEVEL.
func New() *logrus.Logger {
	return NewWithOutput(os.Stderr, os.Getenv("LOG_LEVEL"))
}

// NewWithOutput creates a JSON logger writing to out. Unknown levels fall
// back to info.
func NewWithOutput(out io.Writer, level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)

	// Field names match what log aggregation expects.
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})

	logger.SetLevel(logrus.InfoLevel)
	if level != "" {
		if logLevel, err := logrus.ParseLevel(level); err == nil {
			logger.SetLevel(logLevel)
		}
	}

	return logger
}

// Discard returns a logger that drops everything, for tests and library
// callers that did not configure one.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// WithLogger stores entry in ctx.
func WithLogger(ctx context.Context, entry logrus.FieldLogger) context.Context {
	return context.WithValue(ctx, contextKey{}, entry)
}

// FromContext returns the logger stored by WithLogger, or fallback.
func FromContext(ctx context.Context, fallback logrus.FieldLogger) logrus.FieldLogger {
	if entry, ok := ctx.Value(contextKey{}).(logrus.FieldLogger); ok {
		return entry
	}
	if fallback == nil {
		return Discard()
	}
	return fallback
}
