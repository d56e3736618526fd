package guard

import (
	"errors"
	"time"

	activitydomain "github.com/smallbiznis/promosale/internal/activity/domain"
)

var (
	ErrTerminalState     = errors.New("status_terminal")
	ErrInvalidTransition = errors.New("invalid_status_transition")
	ErrNotDue            = errors.New("transition_not_due")
	ErrDisabled          = errors.New("entity_disabled")
)

// allowed lists the source statuses for each target status.
var allowed = map[activitydomain.Status][]activitydomain.Status{
	activitydomain.StatusActive:    {activitydomain.StatusPending},
	activitydomain.StatusEnded:     {activitydomain.StatusActive},
	activitydomain.StatusSoldOut:   {activitydomain.StatusActive},
	activitydomain.StatusCancelled: {activitydomain.StatusPending, activitydomain.StatusActive},
}

// EnsureTransition checks the state machine pending -> active -> {ended | sold_out | cancelled},
// with cancelled also reachable from pending.
func EnsureTransition(from, to activitydomain.Status) error {
	if from.Terminal() {
		return ErrTerminalState
	}
	for _, source := range allowed[to] {
		if source == from {
			return nil
		}
	}
	return ErrInvalidTransition
}

// Sources returns the statuses that may move to target.
func Sources(to activitydomain.Status) []activitydomain.Status {
	return append([]activitydomain.Status(nil), allowed[to]...)
}

func EnsureCanActivate(status activitydomain.Status, enabled bool, startAt time.Time, now time.Time) error {
	if err := EnsureTransition(status, activitydomain.StatusActive); err != nil {
		return err
	}
	if !enabled {
		return ErrDisabled
	}
	if now.Before(startAt) {
		return ErrNotDue
	}
	return nil
}

func EnsureCanEnd(status activitydomain.Status, endAt time.Time, now time.Time) error {
	if err := EnsureTransition(status, activitydomain.StatusEnded); err != nil {
		return err
	}
	if now.Before(endAt) {
		return ErrNotDue
	}
	return nil
}
