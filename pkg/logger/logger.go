// Package logger wraps logrus with the small structured-logging surface the
// rest of the application uses. Components receive a *Logger scoped to their
// name and attach fields per call site.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// LoggingConfig controls log output for the process.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string `yaml:"level"`
	// Format is "json" or "text". Defaults to text.
	Format string `yaml:"format"`
	// Output is "stdout", "stderr" or a file path. Defaults to stderr.
	Output string `yaml:"output"`
	// FilePrefix is prepended to the component field when set.
	FilePrefix string `yaml:"file_prefix"`
}

// Logger is a named, field-carrying logger.
type Logger struct {
	entry *logrus.Entry
}

// New constructs a root logger from configuration.
func New(cfg LoggingConfig) *Logger {
	base := logrus.New()

	switch strings.ToLower(cfg.Level) {
	case "debug":
		base.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		base.SetLevel(logrus.WarnLevel)
	case "error":
		base.SetLevel(logrus.ErrorLevel)
	default:
		base.SetLevel(logrus.InfoLevel)
	}

	if strings.EqualFold(cfg.Format, "json") {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	switch cfg.Output {
	case "", "stderr":
		base.SetOutput(os.Stderr)
	case "stdout":
		base.SetOutput(os.Stdout)
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			base.SetOutput(os.Stderr)
			base.WithError(err).Warn("log file unavailable, falling back to stderr")
		} else {
			base.SetOutput(f)
		}
	}

	entry := logrus.NewEntry(base)
	if cfg.FilePrefix != "" {
		entry = entry.WithField("component", cfg.FilePrefix)
	}
	return &Logger{entry: entry}
}

// NewDefault returns a logger for the given component with default settings.
func NewDefault(component string) *Logger {
	l := New(LoggingConfig{})
	return l.WithField("component", component)
}

// SetOutput redirects the underlying logger's output.
func (l *Logger) SetOutput(w io.Writer) {
	l.entry.Logger.SetOutput(w)
}

// WithField returns a logger with the field attached.
func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

// WithError returns a logger with the error attached.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err)}
}

func (l *Logger) Debug(args ...any)                 { l.entry.Debug(args...) }
func (l *Logger) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l *Logger) Info(args ...any)                  { l.entry.Info(args...) }
func (l *Logger) Infof(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l *Logger) Warn(args ...any)                  { l.entry.Warn(args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.entry.Warnf(format, args...) }
func (l *Logger) Error(args ...any)                 { l.entry.Error(args...) }
func (l *Logger) Errorf(format string, args ...any) { l.entry.Errorf(format, args...) }
func (l *Logger) Fatal(args ...any)                 { l.entry.Fatal(args...) }
