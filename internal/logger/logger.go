// Package logger builds the logrus logger shared by the CLI and the web server
// and the entry helpers that keep field names consistent across packages.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Field keys attached by the helpers below.
const (
	FieldItem      = "item_id"
	FieldFile      = "file"
	FieldOperation = "operation"
)

// Output formats.
const (
	FormatJSON = "json"
	FormatText = "text"
)

// LoggerConfig defines the configuration for the logger.
type LoggerConfig struct {
	Level      string
	Format     string // "json" (default) or "text"
	FilePath   string // rotated with lumberjack when set
	MaxSize    int    // MB
	MaxBackups int
	MaxAge     int // days
	Compress   bool
	Console    bool // also write to stderr
}

// NewLogger returns a logger writing to the rotated file, stderr or both.
// Without a file, stderr is always used.
func NewLogger(config LoggerConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return nil, err
	}
	formatter, err := newFormatter(config.Format)
	if err != nil {
		return nil, err
	}
	out, err := openOutput(config)
	if err != nil {
		return nil, err
	}

	log := logrus.New()
	log.SetLevel(level)
	log.SetFormatter(formatter)
	log.SetOutput(out)
	return log, nil
}

func newFormatter(format string) (logrus.Formatter, error) {
	switch strings.ToLower(format) {
	case "", FormatJSON:
		return &logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime: "timestamp",
				logrus.FieldKeyMsg:  "message",
			},
		}, nil
	case FormatText:
		return &logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05",
		}, nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// openOutput keeps stdout free for CLI results.
func openOutput(config LoggerConfig) (io.Writer, error) {
	if config.FilePath == "" {
		return os.Stderr, nil
	}
	if err := os.MkdirAll(filepath.Dir(config.FilePath), 0755); err != nil {
		return nil, err
	}
	file := &lumberjack.Logger{
		Filename:   config.FilePath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}
	if !config.Console {
		return file, nil
	}
	return io.MultiWriter(file, os.Stderr), nil
}

// Discard returns a logger that drops everything.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// WithItem scopes an entry to one image.
func WithItem(log *logrus.Logger, id, name string) *logrus.Entry {
	return log.WithFields(logrus.Fields{FieldItem: id, FieldFile: name})
}

// WithOperation scopes an entry to one workspace operation.
func WithOperation(log *logrus.Logger, operation string) *logrus.Entry {
	return log.WithField(FieldOperation, operation)
}

// WithItemOperation combines WithItem and WithOperation.
func WithItemOperation(log *logrus.Logger, id, name, operation string) *logrus.Entry {
	return WithItem(log, id, name).WithField(FieldOperation, operation)
}
