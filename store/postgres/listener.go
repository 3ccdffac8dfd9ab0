package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/arunrao/turbomq/internal/platform/logger"
)

// NotifyChannel is the Postgres channel new-job inserts broadcast on.
// CreateJob does not NOTIFY itself (the adapter stays driver-agnostic
// through database/sql/gorm); a deployment that wants low-latency wakeups
// pairs a `turbomq_jobs` INSERT trigger issuing `NOTIFY turbomq_jobs` with
// this Listener.
const NotifyChannel = "turbomq_jobs"

// Listener implements worker.WakeupSource over a dedicated pgx connection
// held open with LISTEN. Workers sharing one Listener all wake on the same
// notification; that's intentional; the storage adapter's SKIP LOCKED claim
// still decides who actually gets the job.
type Listener struct {
	connString string
	log        *logger.Logger

	wake chan struct{}
}

func NewListener(connString string, log *logger.Logger) *Listener {
	return &Listener{
		connString: connString,
		log:        log.With("component", "postgres.listener"),
		wake:       make(chan struct{}, 1),
	}
}

// Wakeup returns the channel Worker.sleep selects on. It never blocks a
// send: a notification arriving while nobody is listening is coalesced
// rather than queued, since a worker that wakes up finds no job and falls
// straight back to its ticker anyway.
func (l *Listener) Wakeup() <-chan struct{} {
	return l.wake
}

// Run holds a LISTEN connection open until ctx is cancelled, reconnecting
// with backoff if the connection drops. Callers run this in its own
// goroutine alongside worker.Start.
func (l *Listener) Run(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}
		if err := l.listenOnce(ctx); err != nil {
			l.log.Warn("listen connection dropped", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (l *Listener) listenOnce(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return err
	}

	for {
		if _, err := conn.WaitForNotification(ctx); err != nil {
			return err
		}
		select {
		case l.wake <- struct{}{}:
		default:
		}
	}
}
