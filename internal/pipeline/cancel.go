package pipeline

import (
	"context"
	"sync"
)

// CancelToken is a one-shot cancellation signal shared between the job
// manager and the pipeline. The pipeline only looks at it between stages.
// A nil token is never canceled.
type CancelToken struct {
	once sync.Once
	done chan struct{}
}

// NewCancelToken returns an unset token.
func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel sets the token. Calling it more than once is harmless.
func (t *CancelToken) Cancel() {
	if t == nil {
		return
	}
	t.once.Do(func() { close(t.done) })
}

// Canceled reports whether Cancel has been called.
func (t *CancelToken) Canceled() bool {
	if t == nil {
		return false
	}
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done is closed once the token is canceled.
func (t *CancelToken) Done() <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.done
}

// BindContext returns t unchanged when it is set. Otherwise it returns a
// fresh token that is canceled once ctx is done, and stop detaches it.
func BindContext(ctx context.Context, t *CancelToken) (token *CancelToken, stop func() bool) {
	if t != nil {
		return t, func() bool { return false }
	}
	t = NewCancelToken()
	return t, context.AfterFunc(ctx, t.Cancel)
}
