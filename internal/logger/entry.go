package logger

import "context"

// Entry carries metric fields (duration_ms, size, status) that are attached
// on top of whatever the context logger already has.
type Entry struct {
	fields Fields
}

// With starts an Entry.
//
//	logger.With(logger.Fields{"duration_ms": 12}).Info(ctx, "job finished")
func With(fields Fields) *Entry {
	return &Entry{fields: fields}
}

// WithDuration adds duration_ms.
func (e *Entry) WithDuration(ms int64) *Entry {
	merged := make(Fields, len(e.fields)+1)
	for k, v := range e.fields {
		merged[k] = v
	}
	merged[FieldDurationMs] = ms
	return &Entry{fields: merged}
}

// Info logs at info level.
func (e *Entry) Info(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx).WithFields(e.fields).Infof(format, args...)
}

// Warn logs at warn level.
func (e *Entry) Warn(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx).WithFields(e.fields).Warnf(format, args...)
}

// Error logs at error level.
func (e *Entry) Error(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx).WithFields(e.fields).Errorf(format, args...)
}
