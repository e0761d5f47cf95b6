package logger

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LoggerConfig defines the configuration for the logger.
type LoggerConfig struct {
	Level      string
	FilePath   string // rotated with lumberjack when set
	MaxSize    int    // MB
	MaxBackups int
	MaxAge     int // days
	Compress   bool
	Console    bool // also write to stderr when logging to a file
}

// NewLogger returns a JSON logrus.Logger writing to a rotated file, stderr, or both.
func NewLogger(config LoggerConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return nil, err
	}

	out, err := outputFor(config)
	if err != nil {
		return nil, err
	}

	log := logrus.New()
	log.SetLevel(level)
	log.SetOutput(out)
	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02 15:04:05",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "timestamp",
			logrus.FieldKeyMsg:  "message",
		},
	})
	return log, nil
}

func outputFor(config LoggerConfig) (io.Writer, error) {
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
	if config.Console {
		return io.MultiWriter(file, os.Stderr), nil
	}
	return file, nil
}

// WithFile returns a logger entry with the specified file context.
func WithFile(log *logrus.Logger, filePath string) *logrus.Entry {
	return log.WithField("file", filePath)
}

// WithOperation returns a logger entry with the specified operation context.
func WithOperation(log *logrus.Logger, operation string) *logrus.Entry {
	return log.WithField("operation", operation)
}

// WithSession returns a logger entry scoped to one compression session.
func WithSession(log *logrus.Logger, sessionID string) *logrus.Entry {
	return log.WithField("session", sessionID)
}

// WithInvocation adds the invocation token to the session context.
func WithInvocation(log *logrus.Logger, sessionID string, token uint64) *logrus.Entry {
	return WithSession(log, sessionID).WithField("invocation", token)
}

// Discard returns a logger that drops all output.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}
