// Package lifecycle owns the job state machine: progress/result recording,
// the retry-or-fail policy, and the typed event fan-out the rest of the
// module (and host applications) observe it through.
package lifecycle

import (
	"context"

	"github.com/arunrao/turbomq/internal/platform/logger"
	"github.com/arunrao/turbomq/store"
)

// EventKind names the four lifecycle transitions a listener can observe.
type EventKind string

const (
	EventJobCreated   EventKind = "created"
	EventJobProgress  EventKind = "progress"
	EventJobCompleted EventKind = "completed"
	EventJobFailed    EventKind = "failed"
)

// Event is the payload handed to every listener. Message/Progress are
// only meaningful for the kinds that set them (Progress, Failed).
type Event struct {
	Kind     EventKind
	Job      *store.Job
	Progress int
	Message  string
}

// Listener observes a lifecycle Event. A Listener must not block for long —
// it runs synchronously on the goroutine that caused the transition.
type Listener func(Event)

// EventBus is a process-local, typed fan-out. Unlike the inheritance-based
// notifier hierarchies this replaces, a Listener is just a function, and a
// panicking or erroring listener can never propagate into the caller that
// triggered the event — it is recovered and logged instead.
type EventBus struct {
	log       *logger.Logger
	listeners map[EventKind][]Listener
}

func NewEventBus(log *logger.Logger) *EventBus {
	return &EventBus{log: log, listeners: make(map[EventKind][]Listener)}
}

// On registers a listener for a given event kind. Registration is expected
// at wiring time; it is not safe to call concurrently with Emit.
func (b *EventBus) On(kind EventKind, l Listener) {
	if b == nil || l == nil {
		return
	}
	b.listeners[kind] = append(b.listeners[kind], l)
}

// Emit runs every listener registered for ev.Kind, synchronously, in
// registration order. A listener panic is recovered and logged; it never
// aborts the remaining listeners or the caller.
func (b *EventBus) Emit(ctx context.Context, ev Event) {
	if b == nil {
		return
	}
	for _, l := range b.listeners[ev.Kind] {
		b.runListener(l, ev)
	}
}

func (b *EventBus) runListener(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil && b.log != nil {
			b.log.Error("lifecycle listener panicked", "kind", ev.Kind, "panic", r)
		}
	}()
	l(ev)
}

// WebhookInvoker is the hook the lifecycle calls on every transition for a
// job that carries a WebhookURL. Transport (HTTP delivery, retries, request
// signing) is a host concern; this module ships only a logging no-op.
type WebhookInvoker interface {
	Notify(ctx context.Context, job *store.Job, kind EventKind, payload map[string]any) error
}

// LoggingWebhookInvoker logs the call and returns nil. Hosts that need real
// delivery substitute their own WebhookInvoker.
type LoggingWebhookInvoker struct {
	Log *logger.Logger
}

func (w LoggingWebhookInvoker) Notify(ctx context.Context, job *store.Job, kind EventKind, payload map[string]any) error {
	if w.Log == nil || job == nil || job.WebhookURL == "" {
		return nil
	}
	w.Log.Debug("webhook hook invoked", "jobId", job.ID, "taskName", job.TaskName, "kind", kind, "url", job.WebhookURL)
	return nil
}
