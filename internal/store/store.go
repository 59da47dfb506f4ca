// Package store is the only component holding authoritative shared state
// across control-plane instances. It wraps Redis with the key families the
// rest of the system depends on: environment and workspace references,
// session metadata, bounded command history, short-lived locks, and
// fixed-window rate counters.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned when a key does not exist.
var ErrMiss = errors.New("store: key not found")

type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// Key builders. Every component uses these instead of hand-formatting keys
// so the families stay greppable in one place.

func EnvironmentKey(ownerID, envKey string) string {
	return fmt.Sprintf("lab:%s:%s", ownerID, envKey)
}

func WorkspaceKey(ownerID string) string {
	return "workspace:" + ownerID
}

func SessionKey(sessionID string) string {
	return "session:" + sessionID
}

func HistoryKey(ownerID string) string {
	return "history:" + ownerID
}

func lockKey(resource string) string {
	return "lock:" + resource
}

func rateKey(id string) string {
	return "rate:" + id
}

// SetJSON stores v as JSON under key. ttl <= 0 means no expiry.
func (s *Store) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if ttl > 0 {
		return s.rdb.Set(ctx, key, data, ttl).Err()
	}
	return s.rdb.Set(ctx, key, data, 0).Err()
}

// GetJSON loads key into v. Returns ErrMiss when the key is absent.
func (s *Store) GetJSON(ctx context.Context, key string, v any) error {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrMiss
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

// Expire refreshes a key's TTL, used to keep session records alive while
// the terminal is active.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, key, ttl).Err()
}

// PushCapped prepends v to the list at key, trims the list to max entries,
// and refreshes its TTL. The command history ring.
func (s *Store) PushCapped(ctx context.Context, key string, v any, max int64, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, max-1)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// ListRange returns raw JSON entries [start, stop] from the list at key.
func (s *Store) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.rdb.LRange(ctx, key, start, stop).Result()
}

// IncrWindow counts a hit against a fixed window and returns the running
// total. The window starts at the first hit.
func (s *Store) IncrWindow(ctx context.Context, id string, window time.Duration) (int64, error) {
	key := rateKey(id)
	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if err := s.rdb.Expire(ctx, key, window).Err(); err != nil {
			return n, err
		}
	}
	return n, nil
}
