package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

var (
	// ErrLockHeld means another relay process owns the lease.
	ErrLockHeld = errors.New("lock_held")

	errInvalidLease = errors.New("invalid_lease_request")
)

// compare-and-delete: only the holder's token frees the key.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out single-holder leases stored as Redis keys with a ttl.
type Locker struct {
	client redis.UniversalClient
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{client: client}
}

// Lease is a held lock. A lease that outlives its ttl may already belong to
// someone else, in which case Release leaves the key alone.
type Lease struct {
	client redis.UniversalClient
	key    string
	token  string
}

// Acquire takes key for ttl or returns ErrLockHeld.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if l == nil || key == "" || ttl <= 0 {
		return nil, errInvalidLease
	}
	lease := &Lease{client: l.client, key: key, token: uuid.NewString()}
	ok, err := l.client.SetNX(ctx, key, lease.token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return lease, nil
}

// Release reports whether the key was still ours when it was deleted.
func (le *Lease) Release(ctx context.Context) (bool, error) {
	if le == nil {
		return false, nil
	}
	n, err := releaseScript.Run(ctx, le.client, []string{le.key}, le.token).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// WithLock runs fn under a lease on key. Release uses its own short context
// so a cancelled fn still frees the key before the ttl.
func (l *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	lease, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		_, _ = lease.Release(releaseCtx)
	}()
	return fn(ctx)
}
