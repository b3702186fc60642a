package logger

import "context"

type contextKey struct{}

// WithContext attaches l to ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKey{}, l)
}

// FromContext returns the logger stored in ctx or the default one.
func FromContext(ctx context.Context) *Logger {
	if ctx != nil {
		if l, ok := ctx.Value(contextKey{}).(*Logger); ok {
			return l
		}
	}
	return Default()
}

// WithField returns a context whose logger carries one more field.
func WithField(ctx context.Context, key string, value interface{}) context.Context {
	return FromContext(ctx).WithField(key, value).WithContext(ctx)
}

// WithFields returns a context whose logger carries the extra fields.
func WithFields(ctx context.Context, fields Fields) context.Context {
	return FromContext(ctx).WithFields(fields).WithContext(ctx)
}

// SetJobID tags every log line emitted through ctx with the job id.
func SetJobID(ctx context.Context, id string) context.Context {
	return WithField(ctx, FieldJobID, id)
}

// SetRunID tags every log line emitted through ctx with the run id.
func SetRunID(ctx context.Context, id string) context.Context {
	return WithField(ctx, FieldRunID, id)
}

// SetComponent tags log lines with the emitting component.
func SetComponent(ctx context.Context, name string) context.Context {
	return WithField(ctx, FieldComponent, name)
}

// GetJobID reads the job id field back out of ctx.
func GetJobID(ctx context.Context) string {
	v, _ := FromContext(ctx).Data[FieldJobID].(string)
	return v
}
