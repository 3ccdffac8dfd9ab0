package queue

import (
	"context"

	"github.com/arunrao/turbomq/lifecycle"
	"github.com/arunrao/turbomq/store"
)

// Helpers is the capability-scoped handle a Handler is given for the
// duration of one job run. It wraps the lifecycle Runner and the job's
// cancellation token so handler code never touches the storage adapter or
// event bus directly — mirroring how this design's source confines pipeline
// code to a single execution-context type rather than letting it reach into
// repositories.
type Helpers struct {
	ctx    context.Context
	job    *store.Job
	runner *lifecycle.Runner
	token  *cancelToken
}

// JobDetails returns the in-memory Job as of the most recent Progress/Fail/
// Succeed call. Handlers read it for their own id/attempt/payload bookkeeping.
func (h *Helpers) JobDetails() *store.Job {
	return h.job
}

// UpdateProgress clamps pct to [0,100], persists it, and emits a progress
// event. Returns ErrCancelled without writing anything if the job's
// cancellation token has already been tripped.
func (h *Helpers) UpdateProgress(pct int, msg string) error {
	if err := h.checkCancelled(); err != nil {
		return err
	}
	return h.runner.Progress(h.ctx, h.job, pct, msg)
}

// StoreResult persists an interim result value without completing the job.
// Most handlers don't need this — returning (result, nil) from Run is enough
// — it exists for handlers that want a partial artifact durable before the
// rest of the work continues.
func (h *Helpers) StoreResult(value any) error {
	if err := h.checkCancelled(); err != nil {
		return err
	}
	b, err := marshalResult(value)
	if err != nil {
		return err
	}
	key, err := h.runner.Adapter.StoreResult(h.ctx, h.job.ID, b)
	if err != nil {
		return err
	}
	h.job.ResultKey = key
	return nil
}

// Done returns a channel closed when this job's cancellation token trips.
// Long-running handlers should select on it alongside their own work.
func (h *Helpers) Done() <-chan struct{} {
	return h.token.Done()
}

// Err returns ErrCancelled if the cancellation token has tripped, nil
// otherwise.
func (h *Helpers) Err() error {
	return h.token.Err()
}

func (h *Helpers) checkCancelled() error {
	select {
	case <-h.token.Done():
		return ErrCancelled
	default:
		return nil
	}
}
