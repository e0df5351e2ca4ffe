package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Compare-and-delete so a lease that outlived its TTL cannot release a key
// some newer holder re-acquired in the meantime.
const leaseReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var (
	ErrLockUnavailable = errors.New("lock client not configured")
	ErrLockKeyEmpty    = errors.New("lock key is empty")
	ErrLockTTLInvalid  = errors.New("lock ttl must be positive")
)

// Locker hands out short-lived exclusive leases backed by redis. Each lease
// carries a random token so only the holder that acquired it can release it.
type Locker struct {
	client  *redis.Client
	release *redis.Script
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client:  client,
		release: redis.NewScript(leaseReleaseScript),
	}
}

// Lease is a held lock. It expires on its own after the acquisition TTL, so
// a crashed holder never wedges the key.
type Lease struct {
	locker *Locker
	key    string
	token  string
}

// Acquire takes the lease on key for at most ttl, or reports ok=false when
// another holder already has it.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, bool, error) {
	if l == nil || l.client == nil {
		return nil, false, ErrLockUnavailable
	}
	if key == "" {
		return nil, false, ErrLockKeyEmpty
	}
	if ttl <= 0 {
		return nil, false, ErrLockTTLInvalid
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	return &Lease{locker: l, key: key, token: token}, true, nil
}

// Release gives the lease back early. Calling it after expiry is harmless.
func (le *Lease) Release(ctx context.Context) error {
	if le == nil || le.locker == nil || le.locker.client == nil {
		return nil
	}
	return le.locker.release.Run(ctx, le.locker.client, []string{le.key}, le.token).Err()
}
