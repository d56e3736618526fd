package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeBound(t *testing.T) {
	got, err := parseTimeBound("", true)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = parseTimeBound("2026-03-01", false)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), *got)

	got, err = parseTimeBound("2026-03-01", true)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 23, 59, 59, int(time.Second-time.Nanosecond), time.UTC), *got)

	got, err = parseTimeBound("2026-03-01T10:00:00+07:00", true)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)))

	_, err = parseTimeBound("yesterday", false)
	assert.ErrorIs(t, err, errInvalidTime)
}

func TestAuditQueryRejectsBadBounds(t *testing.T) {
	_, err := listAuditLogsQuery{EndAt: "03/01/2026"}.request()
	var verr *ValidationErrors
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "end_at", verr.Errors[0].Field)
}
