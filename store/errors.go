package store

import "errors"

// Sentinel faults returned by StorageAdapter implementations. Callers should
// check these with errors.Is rather than comparing adapter-specific errors.
var (
	// ErrNotFound is returned when a job, result, or scheduled spec lookup
	// finds nothing by id/key.
	ErrNotFound = errors.New("turbomq/store: not found")

	// ErrAlreadyClaimed describes a claim lost to another worker. No shipped
	// adapter returns it: the Redis adapter's optimistic claim reports a lost
	// race as a clean miss (no job, nil error), which callers treat as "no job
	// available" and try again next poll.
	ErrAlreadyClaimed = errors.New("turbomq/store: job already claimed")

	// ErrInvalidJob describes a job that fails basic contract validation. No
	// shipped adapter returns it: CreateJob does not validate the task name
	// and defaults a non-positive MaxAttempts to 1.
	ErrInvalidJob = errors.New("turbomq/store: invalid job")

	// ErrNotSchedulerCapable describes a scheduled-spec operation against an
	// adapter that implements only the base StorageAdapter contract. No
	// shipped adapter returns it: the Redis adapter simply lacks those
	// methods, and app.New checks for SchedulerCapableAdapter before
	// constructing a Scheduler.
	ErrNotSchedulerCapable = errors.New("turbomq/store: adapter does not support scheduled specs")
)
