package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only while the caller's token still owns
// it, so a holder whose lock expired and was reacquired elsewhere cannot
// release the new holder's lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// refreshScript extends the lock's expiry only while the caller's token
// still owns it. Long-running holders use it to keep the lock alive past
// the acquisition TTL without ever touching someone else's lock.
var refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// AcquireLock attempts an atomic set-if-absent with expiry. It returns the
// holder token on success and "" when the lock is already held. It never
// retries on its own; retry policy belongs to the caller.
func (s *Store) AcquireLock(ctx context.Context, resource string, ttl time.Duration) (string, error) {
	token := uuid.New().String()
	ok, err := s.rdb.SetNX(ctx, lockKey(resource), token, ttl).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

// RefreshLock extends the lock's TTL if token still holds it and reports
// whether the extension happened. A false return means the lock expired
// and may now be held elsewhere; the caller must treat its claim as lost.
func (s *Store) RefreshLock(ctx context.Context, resource, token string, ttl time.Duration) (bool, error) {
	n, err := refreshScript.Run(ctx, s.rdb, []string{lockKey(resource)}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseLock releases the lock if token still holds it and reports
// whether a release actually happened.
func (s *Store) ReleaseLock(ctx context.Context, resource, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, s.rdb, []string{lockKey(resource)}, token).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
