package guard

import (
	"testing"
	"time"

	activitydomain "github.com/smallbiznis/promosale/internal/activity/domain"
	"github.com/stretchr/testify/assert"
)

func TestEnsureTransition(t *testing.T) {
	tests := []struct {
		from activitydomain.Status
		to   activitydomain.Status
		want error
	}{
		{activitydomain.StatusPending, activitydomain.StatusActive, nil},
		{activitydomain.StatusActive, activitydomain.StatusEnded, nil},
		{activitydomain.StatusActive, activitydomain.StatusSoldOut, nil},
		{activitydomain.StatusPending, activitydomain.StatusCancelled, nil},
		{activitydomain.StatusActive, activitydomain.StatusCancelled, nil},
		{activitydomain.StatusPending, activitydomain.StatusEnded, ErrInvalidTransition},
		{activitydomain.StatusActive, activitydomain.StatusActive, ErrInvalidTransition},
		{activitydomain.StatusEnded, activitydomain.StatusActive, ErrTerminalState},
		{activitydomain.StatusSoldOut, activitydomain.StatusCancelled, ErrTerminalState},
		{activitydomain.StatusCancelled, activitydomain.StatusCancelled, ErrTerminalState},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			err := EnsureTransition(tt.from, tt.to)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEnsureCanActivateAndEnd(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.NoError(t, EnsureCanActivate(activitydomain.StatusPending, true, now, now))
	assert.ErrorIs(t, EnsureCanActivate(activitydomain.StatusPending, false, now, now), ErrDisabled)
	assert.ErrorIs(t, EnsureCanActivate(activitydomain.StatusPending, true, now.Add(time.Second), now), ErrNotDue)
	assert.ErrorIs(t, EnsureCanActivate(activitydomain.StatusActive, true, now, now), ErrInvalidTransition)

	assert.NoError(t, EnsureCanEnd(activitydomain.StatusActive, now, now))
	assert.ErrorIs(t, EnsureCanEnd(activitydomain.StatusActive, now.Add(time.Minute), now), ErrNotDue)
	assert.ErrorIs(t, EnsureCanEnd(activitydomain.StatusCancelled, now, now), ErrTerminalState)
}

func TestSourcesIsACopy(t *testing.T) {
	src := Sources(activitydomain.StatusCancelled)
	src[0] = activitydomain.StatusEnded
	assert.Equal(t, []activitydomain.Status{activitydomain.StatusPending, activitydomain.StatusActive}, Sources(activitydomain.StatusCancelled))
}
