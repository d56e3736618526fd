package catalog

import (
	"context"
	"time"

	"github.com/smallbiznis/promosale/internal/cache"
)

const defaultSnapshotTTL = 30 * time.Second

// CachedClient keeps snapshots in process for a short TTL. Lookup errors are not cached.
type CachedClient struct {
	next      Client
	snapshots cache.Cache[string, Snapshot]
	ttl       time.Duration
}

func NewCachedClient(next Client, ttl time.Duration, opts ...cache.Option) *CachedClient {
	if ttl <= 0 {
		ttl = defaultSnapshotTTL
	}
	return &CachedClient{
		next:      next,
		snapshots: cache.NewTTLCache[string, Snapshot](opts...),
		ttl:       ttl,
	}
}

func (c *CachedClient) GetSnapshot(ctx context.Context, skuID string) (Snapshot, error) {
	key := cache.Key(skuID)
	if snapshot, ok := c.snapshots.Get(key); ok {
		return snapshot, nil
	}
	snapshot, err := c.next.GetSnapshot(ctx, skuID)
	if err != nil {
		return Snapshot{}, err
	}
	c.snapshots.Set(key, snapshot, c.ttl)
	return snapshot, nil
}
