package processor

import (
	"errors"
	"fmt"
	"time"

	"notification-engine/internal/store"

	"github.com/robfig/cron/v3"
)

var ErrInvalidRecurrence = errors.New("invalid recurrence")

// Default firing times per recurrence pattern (minute hour dom month dow)
const (
	cronDaily   = "0 9 * * *"
	cronWeekly  = "0 9 * * 1"
	cronMonthly = "0 9 1 * *"
)

func cronExpressionFor(pattern store.RecurrencePattern, custom *string) (string, error) {
	switch pattern {
	case store.RecurrenceDaily:
		return cronDaily, nil
	case store.RecurrenceWeekly:
		return cronWeekly, nil
	case store.RecurrenceMonthly:
		return cronMonthly, nil
	case store.RecurrenceCustom:
		if custom == nil || *custom == "" {
			return "", fmt.Errorf("%w: custom pattern requires a cron expression", ErrInvalidRecurrence)
		}
		return *custom, nil
	default:
		return "", fmt.Errorf("%w: unknown pattern %q", ErrInvalidRecurrence, pattern)
	}
}

// NextOccurrence computes the next firing instant strictly after the given
// time, evaluated on the campaign timezone's wall clock. Across daylight
// saving transitions the occurrence keeps its local time even though the
// UTC offset changes.
func NextOccurrence(pattern store.RecurrencePattern, cronExpression *string, timezone string, after time.Time) (time.Time, error) {
	expr, err := cronExpressionFor(pattern, cronExpression)
	if err != nil {
		return time.Time{}, err
	}

	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: unknown timezone %q", ErrInvalidRecurrence, timezone)
	}

	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidRecurrence, err)
	}

	next := schedule.Next(after.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q yields no future occurrence", ErrInvalidRecurrence, expr)
	}
	return next, nil
}
