package queue

import (
	"context"
	"errors"
)

// ErrCancelled is the error a Helpers method returns once its job's
// cancellation token has been tripped, by a kill or a forced shutdown. A
// Handler that receives it from a Helpers call must return promptly without
// treating the partial work as a failure — whichever path tripped the token
// is responsible for the job's terminal state.
var ErrCancelled = errors.New("queue: job cancelled")

// cancelToken is a one-shot per-job cancellation signal. It replaces the
// inheritance-based abort-controller patterns this design's source used:
// tripping it is a single function call, and a handler observes it purely by
// checking ctx.Done()/Helpers methods at its own suspension points — the
// queue never forcibly interrupts a running goroutine.
type cancelToken struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
}

func newCancelToken(parent context.Context) *cancelToken {
	ctx, cancel := context.WithCancelCause(parent)
	return &cancelToken{ctx: ctx, cancel: cancel}
}

// Trip fires the token with reason as the cause. Safe to call more than
// once; only the first call has effect.
func (t *cancelToken) Trip(reason error) {
	t.cancel(reason)
}

func (t *cancelToken) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Err returns ErrCancelled if the token was tripped, nil otherwise.
func (t *cancelToken) Err() error {
	if t.ctx.Err() == nil {
		return nil
	}
	return ErrCancelled
}

func (t *cancelToken) Context() context.Context {
	return t.ctx
}
