package cache

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrLockUnavailable means another holder currently owns the lock. There is
// no queueing on a held lock; callers decide to skip or retry later.
var ErrLockUnavailable = errors.New("lock unavailable")

// AcquireLock atomically takes the named lock for ttl and returns a holder
// token. The token proves ownership at release time; ULIDs carry crypto
// random entropy so tokens cannot collide across holders.
func (s *Service) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := ulid.Make().String()

	ok, err := s.provider.SetNX(ctx, lockKey(key), []byte(token), ttl)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrLockUnavailable
	}
	return token, nil
}

// ReleaseLock deletes the lock only while it still holds token. A stale or
// mismatched token is a no-op so a caller can never release a newer holder's
// lock after its own expired.
func (s *Service) ReleaseLock(ctx context.Context, key, token string) (bool, error) {
	return s.provider.DelIfEqual(ctx, lockKey(key), []byte(token))
}

func lockKey(key string) string {
	return "lock:" + key
}
