package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

var Logger *logrus.Logger

// Initialize sets up the process-wide logger.
func Initialize() {
	Logger = logrus.New()

	logLevel := os.Getenv("LOG_LEVEL")
	var level logrus.Level
	switch logLevel {
	case "DEBUG":
		level = logrus.DebugLevel
	case "INFO":
		level = logrus.InfoLevel
	case "WARN":
		level = logrus.WarnLevel
	case "ERROR":
		level = logrus.ErrorLevel
	default:
		level = logrus.InfoLevel
	}

	Logger.SetLevel(level)
	Logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
		DisableColors:   true,
	})

	logsDir := os.Getenv("LOG_DIR")
	if logsDir == "" {
		logsDir = "logs"
	}
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		fmt.Printf("Failed to create logs directory: %v\n", err)
		return
	}

	logFile, err := os.OpenFile(
		fmt.Sprintf("%s/psrpipe.log", logsDir),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0666,
	)
	if err != nil {
		fmt.Printf("Failed to open log file: %v\n", err)
		return
	}

	// Daemon output goes to both the log file and stdout so the operator can
	// follow the main loop interactively.
	Logger.SetOutput(io.MultiWriter(logFile, os.Stdout))

	Logger.WithFields(logrus.Fields{
		"log_level": level.String(),
		"log_file":  fmt.Sprintf("%s/psrpipe.log", logsDir),
	}).Info("Logging system initialized")
}

// GetLogger returns the configured logger instance.
func GetLogger() *logrus.Logger {
	if Logger == nil {
		Initialize()
	}
	return Logger
}

// ObsLogger returns a logger appending to an observation's own log file. The
// caller owns the returned closer.
func ObsLogger(path string) (*logrus.Logger, io.Closer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open observation log %s: %w", path, err)
	}
	lg := logrus.New()
	lg.SetLevel(GetLogger().GetLevel())
	lg.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
		DisableColors:   true,
	})
	lg.SetOutput(f)
	return lg, f, nil
}

// WithTask creates a logger with dispatcher task context.
func WithTask(taskID string, action string) *logrus.Entry {
	return GetLogger().WithFields(logrus.Fields{
		"task_id":   taskID,
		"action":    action,
		"component": "scheduler",
	})
}

// WithFile creates a logger with file row context.
func WithFile(fileID uint, sourceName string) *logrus.Entry {
	return GetLogger().WithFields(logrus.Fields{
		"file_id":     fileID,
		"source_name": sourceName,
		"component":   "pipeline",
	})
}

// WithDirectory creates a logger with directory row context.
func WithDirectory(dirID uint, path string) *logrus.Entry {
	return GetLogger().WithFields(logrus.Fields{
		"dir_id":    dirID,
		"path":      path,
		"component": "grouping",
	})
}

// WithSource creates a logger with calibration-database context.
func WithSource(sourceName string) *logrus.Entry {
	return GetLogger().WithFields(logrus.Fields{
		"source_name": sourceName,
		"component":   "caldb",
	})
}

// Log levels convenience functions (with fields)
func Debug(msg string, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	GetLogger().WithFields(fields).Debug(msg)
}

func Info(msg string, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	GetLogger().WithFields(fields).Info(msg)
}

func Warn(msg string, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	GetLogger().WithFields(fields).Warn(msg)
}

func Error(msg string, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	GetLogger().WithFields(fields).Error(msg)
}

func Fatal(msg string, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	GetLogger().WithFields(fields).Fatal(msg)
}
