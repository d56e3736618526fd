package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTTLCacheExpiresEntries(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c := NewTTLCache[string, int](WithNow(func() time.Time { return now }))

	c.Set("a", 1, time.Minute)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	now = now.Add(time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestTTLCacheIgnoresNonPositiveTTL(t *testing.T) {
	c := NewTTLCache[string, int]()
	c.Set("a", 1, 0)
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestTTLCacheBoundsSize(t *testing.T) {
	c := NewTTLCache[int, int](WithMaxSize(2))
	c.Set(1, 1, time.Minute)
	c.Set(2, 2, time.Minute)
	c.Set(3, 3, time.Minute)
	assert.Equal(t, 2, c.Len())
	_, ok := c.Get(3)
	assert.True(t, ok)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "sku-1|flash", Key(" SKU-1 ", "", "Flash"))
}
