// Package logger provides the structured logger shared by every component of
// the node. It is a thin layer over logrus so call sites can use the familiar
// WithField/WithError chaining.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LoggingConfig configures a Logger.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL,default=info"`
	Format     string `yaml:"format" env:"LOG_FORMAT,default=text"`
	Output     string `yaml:"output" env:"LOG_OUTPUT,default=stdout"`
	FilePrefix string `yaml:"file_prefix" env:"LOG_FILE_PREFIX,default=confidential-node"`
}

// Logger wraps logrus.Logger with a component tag.
type Logger struct {
	*logrus.Logger
	component string
}

// New builds a logger from configuration. Invalid values fall back to
// info-level text output on stdout.
func New(cfg LoggingConfig) *Logger {
	base := logrus.New()

	level, err := logrus.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	}

	base.SetOutput(openOutput(cfg))
	return &Logger{Logger: base}
}

// NewDefault returns an info-level text logger tagged with component.
func NewDefault(component string) *Logger {
	l := New(LoggingConfig{Level: "info", Format: "text", Output: "stdout"})
	l.component = component
	return l
}

// NewWithWriter is used by tests that need to capture output.
func NewWithWriter(component string, w io.Writer, level logrus.Level) *Logger {
	base := logrus.New()
	base.SetOutput(w)
	base.SetLevel(level)
	base.SetFormatter(&logrus.JSONFormatter{})
	return &Logger{Logger: base, component: component}
}

// Named returns a copy of the logger tagged with a different component.
func (l *Logger) Named(component string) *Logger {
	return &Logger{Logger: l.Logger, component: component}
}

// Component reports the component tag.
func (l *Logger) Component() string { return l.component }

func (l *Logger) entry() *logrus.Entry {
	if l.component == "" {
		return logrus.NewEntry(l.Logger)
	}
	return l.Logger.WithField("component", l.component)
}

// WithField returns an entry carrying the component tag and one field.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.entry().WithField(key, value)
}

// WithFields returns an entry carrying the component tag and fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.entry().WithFields(fields)
}

// WithError returns an entry carrying the component tag and err.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.entry().WithError(err)
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.entry().Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.entry().Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.entry().Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry().Errorf(format, args...) }
func (l *Logger) Debug(args ...interface{})                 { l.entry().Debug(args...) }
func (l *Logger) Info(args ...interface{})                  { l.entry().Info(args...) }
func (l *Logger) Warn(args ...interface{})                  { l.entry().Warn(args...) }
func (l *Logger) Error(args ...interface{})                 { l.entry().Error(args...) }

func openOutput(cfg LoggingConfig) io.Writer {
	switch strings.ToLower(strings.TrimSpace(cfg.Output)) {
	case "", "stdout":
		return os.Stdout
	case "stderr":
		return os.Stderr
	case "file":
		prefix := cfg.FilePrefix
		if prefix == "" {
			prefix = "confidential-node"
		}
		name := fmt.Sprintf("%s-%s.log", prefix, time.Now().UTC().Format("20060102"))
		f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return os.Stdout
		}
		return f
	default:
		return os.Stdout
	}
}
