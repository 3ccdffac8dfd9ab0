package errors

import "errors"

// Contract-violation sentinels: callers get these back verbatim (wrapped with
// fmt.Errorf("...: %w", err) at the call site) when they misuse the
// in-process operation surface. None of these represent a storage fault or a
// handler error — see the lifecycle package for those.
var (
	// ErrUnknownTask is returned when AddJob/ScheduleOneTime/ScheduleRecurring
	// names a task with no registered handler.
	ErrUnknownTask = errors.New("turbomq: unknown task")

	// ErrInvalidCronPattern is returned when ScheduleRecurring or Update is
	// given a pattern robfig/cron cannot parse.
	ErrInvalidCronPattern = errors.New("turbomq: invalid cron pattern")

	// ErrPastRunAt is returned when ScheduleOneTime is given a RunAt in the past.
	ErrPastRunAt = errors.New("turbomq: runAt must not be in the past")

	// ErrNotScheduled is returned when Pause targets a spec that is not in the
	// Scheduled state, or Resume targets a spec that is not Paused. Cancel
	// does not check the spec's state.
	ErrNotScheduled = errors.New("turbomq: scheduled spec is not in the scheduled state")

	// ErrJobNotRunning is returned when KillJob targets a job that is not
	// currently Running.
	ErrJobNotRunning = errors.New("turbomq: job is not running")

	// ErrShutdownTimeout is returned when Shutdown's drain exceeds its
	// deadline and force was not requested.
	ErrShutdownTimeout = errors.New("turbomq: shutdown timed out waiting for jobs to drain")

	// ErrAlreadyShuttingDown reports a shutdown already in progress.
	// Queue.Shutdown does not return it: a second call receives the first
	// call's result instead.
	ErrAlreadyShuttingDown = errors.New("turbomq: shutdown already in progress")
)
