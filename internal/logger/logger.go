// Package logger provides structured process logging on top of logrus. The
// per-run log.jsonl written by the pipeline is a separate artifact.
package logger

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger wraps a logrus entry so derived loggers keep their fields.
type Logger struct {
	*logrus.Entry
}

// Config controls level, format and destination.
type Config struct {
	Level       string    // debug, info, warn, error
	Format      string    // json, text
	Output      io.Writer // overrides File when set
	ServiceName string

	File       string // optional rotated log file
	FileOnly   bool
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Fields is a shorthand for structured fields.
type Fields map[string]interface{}

const (
	FieldJobID      = "job_id"
	FieldRunID      = "run_id"
	FieldComponent  = "component"
	FieldStage      = "stage"
	FieldDurationMs = "duration_ms"
	FieldStatus     = "status"
	FieldSize       = "size"
	FieldRequestID  = "request_id"
)

var (
	closerMu sync.Mutex
	closer   io.Closer

	defaultMu sync.RWMutex
	defaultLg = New(nil)
)

// New builds a Logger. A nil config logs JSON at info level to stdout.
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = &Config{Level: "info", Format: "json", ServiceName: "markdrop"}
	}
	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	log.SetReportCaller(true)

	if strings.EqualFold(cfg.Format, "text") {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  "2006-01-02T15:04:05.000Z07:00",
			CallerPrettyfier: callerPrettyfier,
		})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime: "timestamp",
				logrus.FieldKeyMsg:  "message",
			},
			CallerPrettyfier: callerPrettyfier,
		})
	}
	log.SetOutput(outputFor(cfg))

	name := cfg.ServiceName
	if name == "" {
		name = "markdrop"
	}
	return &Logger{Entry: log.WithField("service", name)}
}

func outputFor(cfg *Config) io.Writer {
	if cfg.Output != nil {
		return cfg.Output
	}
	var writers []io.Writer
	if cfg.File == "" || !cfg.FileOnly {
		writers = append(writers, os.Stdout)
	}
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		writers = append(writers, rotator)
		closerMu.Lock()
		closer = rotator
		closerMu.Unlock()
	}
	return io.MultiWriter(writers...)
}

// Sync closes the rotated log file, if any.
func Sync() error {
	closerMu.Lock()
	defer closerMu.Unlock()
	if closer != nil {
		return closer.Close()
	}
	return nil
}

// SetDefault replaces the logger used when a context carries none.
func SetDefault(l *Logger) {
	if l == nil {
		return
	}
	defaultMu.Lock()
	defaultLg = l
	defaultMu.Unlock()
}

// Default returns the process-wide logger.
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLg
}

// WithFields returns a derived Logger.
func (l *Logger) WithFields(fields Fields) *Logger {
	return &Logger{Entry: l.Entry.WithFields(logrus.Fields(fields))}
}

// WithField returns a derived Logger with one extra field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{Entry: l.Entry.WithField(key, value)}
}

// WithError returns a derived Logger carrying err.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{Entry: l.Entry.WithError(err)}
}

func callerPrettyfier(frame *runtime.Frame) (string, string) {
	fn := frame.Function
	if idx := strings.LastIndex(fn, "/"); idx != -1 {
		fn = fn[idx+1:]
	}
	return fn, filepath.Base(frame.File) + ":" + strconv.Itoa(frame.Line)
}

// CtxDebug logs at debug level with the context's fields.
func CtxDebug(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx).Debugf(format, args...)
}

// CtxInfo logs at info level with the context's fields.
func CtxInfo(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx).Infof(format, args...)
}

// CtxWarn logs at warn level with the context's fields.
func CtxWarn(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx).Warnf(format, args...)
}

// CtxError logs at error level with the context's fields.
func CtxError(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx).Errorf(format, args...)
}
