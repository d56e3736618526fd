package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	redis "github.com/redis/go-redis/v9"
)

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Locker hands out single-holder Redis leases. The scheduler uses them so only
// one replica runs a given job pass.
type Locker struct {
	client  redis.UniversalClient
	release *redis.Script
}

// Lease is a held lock. It expires on its own after the TTL if the holder dies.
type Lease struct {
	locker *Locker
	key    string
	token  string
}

func NewLocker(client redis.UniversalClient) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{client: client, release: redis.NewScript(lockReleaseScript)}
}

// TryAcquire takes the lease on key. It returns a nil lease, without error,
// when another holder has it.
func (l *Locker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if l == nil {
		return nil, errors.New("locker not configured")
	}
	if key == "" || ttl <= 0 {
		return nil, errors.New("lock needs a key and a positive ttl")
	}

	token := ulid.Make().String()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return nil, err
	}
	return &Lease{locker: l, key: key, token: token}, nil
}

// Release drops the lease if it is still ours. Releasing after expiry, or
// after another holder took over, is a no-op.
func (le *Lease) Release(ctx context.Context) error {
	if le == nil {
		return nil
	}
	return le.locker.release.Run(ctx, le.locker.client, []string{le.key}, le.token).Err()
}
