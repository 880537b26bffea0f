package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mdobak/go-xerrors"
	slogmulti "github.com/samber/slog-multi"
	"github.com/spf13/afero"
)

// SecurityLogEntry defines the structure of a security log entry.
type SecurityLogEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	Severity    string    `json:"severity"`
	Category    string    `json:"category"`
	Description string    `json:"description"`
	Details     string    `json:"details,omitempty"`
	Source      string    `json:"source,omitempty"`
}

const (
	LevelTrace    = slog.Level(-8)
	LevelFatal    = slog.Level(12)
	LevelSecurity = slog.Level(16)

	SeverityLow      = "Low"
	SeverityMedium   = "Medium"
	SeverityHigh     = "High"
	SeverityCritical = "Critical"

	CategoryAccessControl   = "Access Control"
	CategoryAuthentication  = "Authentication"
	CategoryAuthorization   = "Authorization"
	CategoryPolicyViolation = "Policy Violation"
	CategorySystemIntegrity = "System Integrity"

	SourceTPM    = "tpm"
	SourceSystem = "system"
)

type Logger struct {
	logger *slog.Logger
}

func DefaultLogger() *Logger {
	return NewLogger(slog.LevelDebug, nil)
}

// Creates a new logger. Records at or above level are written as JSON to
// logFile, if provided. At debug level and below, or when no log file is
// given, records are also written as text to stdout.
func NewLogger(level slog.Level, logFile afero.File) *Logger {

	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceAttr,
	}

	textHandler := slog.NewTextHandler(os.Stdout, opts)

	if logFile == nil {
		return &Logger{logger: slog.New(textHandler)}
	}

	logfileHandler := slog.NewJSONHandler(logFile, opts)

	if level <= slog.LevelDebug {
		return &Logger{
			logger: slog.New(
				slogmulti.Fanout(logfileHandler, textHandler),
			),
		}
	}

	return &Logger{logger: slog.New(logfileHandler)}
}

// Wraps an existing slog.Logger
func NewFromSlog(logger *slog.Logger) *Logger {
	return &Logger{logger: logger}
}

// Returns a child logger that includes args in every record
func (l *Logger) With(args ...any) *Logger {
	return &Logger{logger: l.logger.With(args...)}
}

func (l *Logger) Slog() *slog.Logger {
	return l.logger
}

func (l *Logger) Enabled(level slog.Level) bool {
	return l.logger.Enabled(context.Background(), level)
}

// Trace
func (l *Logger) Trace(message string, args ...any) {
	l.logger.Log(context.Background(), LevelTrace, message, args...)
}

// Debug
func (l *Logger) Debug(message string, args ...any) {
	l.logger.Debug(message, args...)
}

func (l *Logger) Debugf(message string, args ...any) {
	l.logger.Debug(fmt.Sprintf(message, args...))
}

// Info
func (l *Logger) Info(message string, args ...any) {
	l.logger.Info(message, args...)
}

func (l *Logger) Infof(message string, args ...any) {
	l.logger.Info(fmt.Sprintf(message, args...))
}

// Warn
func (l *Logger) Warn(message string, args ...any) {
	l.logger.Warn(message, args...)
}

func (l *Logger) Warnf(message string, args ...any) {
	l.logger.Warn(fmt.Sprintf(message, args...))
}

// Error
func (l *Logger) Error(err error, args ...any) {
	if l == nil || l.logger == nil {
		// Error occurred before the logger was
		// initialized
		slog.Error(err.Error(), args...)
		return
	}
	xerr := xerrors.New(err)
	l.logger.Error(err.Error(), append(args, slog.Any("error", xerr))...)
}

func (l *Logger) Errorf(message string, args ...any) {
	l.logger.Error(fmt.Sprintf(message, args...))
}

// Logs an expected failure at warning level without a stack trace
func (l *Logger) MaybeError(err error, args ...any) {
	l.logger.Warn(err.Error(), args...)
}

// Logs an unrecoverable condition without exiting. The caller decides
// whether the process can continue.
func (l *Logger) Fatal(message string, args ...any) {
	l.logger.Log(context.Background(), LevelFatal, message, args...)
}

func (l *Logger) FatalError(err error, args ...any) {
	xerr := xerrors.New(err)
	l.logger.Log(context.Background(), LevelFatal, err.Error(),
		append(args, slog.Any("error", xerr))...)
}

// Logs a security issue with standardized fields to faciliate
// processing security issues by external systems.
func (l *Logger) Security(issue SecurityLogEntry) {
	if issue.Timestamp.IsZero() {
		issue.Timestamp = time.Now()
	}
	l.logger.LogAttrs(
		context.Background(),
		LevelSecurity,
		"security_log",
		slog.Time("timestamp", issue.Timestamp),
		slog.String("severity", issue.Severity),
		slog.String("category", issue.Category),
		slog.String("description", issue.Description),
		slog.String("details", issue.Details),
		slog.String("source", issue.Source),
	)
}
