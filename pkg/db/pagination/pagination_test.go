package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2026, 5, 1, 12, 0, 0, 123, time.UTC)
	got, err := DecodeCursor(Cursor{ID: 99, CreatedAt: at}.Encode())
	require.NoError(t, err)
	assert.Equal(t, int64(99), got.ID)
	assert.True(t, got.CreatedAt.Equal(at))

	for _, token := range []string{"%%%", "", Cursor{CreatedAt: at}.Encode()} {
		_, err := DecodeCursor(token)
		assert.ErrorIs(t, err, ErrInvalidToken, token)
	}
}

func TestCut(t *testing.T) {
	cursorOf := func(v int) Cursor { return Cursor{ID: int64(v), CreatedAt: time.Unix(int64(v), 0)} }

	rows, info := Cut([]int{5, 4, 3}, 2, cursorOf)
	assert.Equal(t, []int{5, 4}, rows)
	assert.True(t, info.HasMore)
	next, err := DecodeCursor(info.NextPageToken)
	require.NoError(t, err)
	assert.Equal(t, int64(4), next.ID)

	rows, info = Cut([]int{2, 1}, 2, cursorOf)
	assert.Len(t, rows, 2)
	assert.False(t, info.HasMore)
	assert.Empty(t, info.NextPageToken)
}

func TestSize(t *testing.T) {
	assert.Equal(t, DefaultPageSize, Pagination{}.Size())
	assert.Equal(t, MaxPageSize, Pagination{PageSize: 10_000}.Size())
	assert.Equal(t, 7, Pagination{PageSize: 7}.Size())
}
