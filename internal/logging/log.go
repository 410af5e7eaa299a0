// Package logging configures the process-wide logrus logger.
package logging

import (
	"context"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type contextKey string

// RequestIDKey carries the HTTP request ID in a context.
const RequestIDKey contextKey = "requestID"

// InitLog parses and sets the log level and, when logPath is set, sends
// output to a rotating file instead of stderr.
func InitLog(logLevel string, logPath string) error {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.Errorf("Failed parsing log-level %s: %s", logLevel, err)
		return err
	}

	var out io.Writer = os.Stderr
	if logPath != "" && logPath != "console" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			return err
		}
		out = &lumberjack.Logger{
			Filename:   filepath.ToSlash(logPath),
			MaxSize:    5, // MB
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		}
	}

	log.SetOutput(out)
	log.SetFormatter(NewFormatter())
	log.SetLevel(level)
	return nil
}

// WithRequestID returns a context whose log entries carry id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// Formatter is a text formatter that adds context values to each entry.
type Formatter struct {
	log.TextFormatter
}

// NewFormatter returns a Formatter with full timestamps.
func NewFormatter() *Formatter {
	return &Formatter{
		TextFormatter: log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		},
	}
}

func (f *Formatter) Format(entry *log.Entry) ([]byte, error) {
	if entry.Context != nil {
		if id, ok := entry.Context.Value(RequestIDKey).(string); ok && id != "" {
			entry.Data["requestID"] = id
		}
	}
	return f.TextFormatter.Format(entry)
}
