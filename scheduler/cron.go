package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidatePattern verifies pattern parses as a standard 5-field Unix cron
// expression (minute hour day-of-month month day-of-week).
func ValidatePattern(pattern string) error {
	_, err := cron.ParseStandard(pattern)
	if err != nil {
		return fmt.Errorf("parse cron pattern %q: %w", pattern, err)
	}
	return nil
}

// NextAfter returns the next time pattern fires strictly after after,
// evaluated in UTC regardless of after's location or the process's local
// timezone — cron recurrence in this module never depends on where it runs.
func NextAfter(pattern string, after time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(pattern)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron pattern %q: %w", pattern, err)
	}
	return sched.Next(after.UTC()).UTC(), nil
}
