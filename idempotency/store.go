// Package idempotency provides the idempotency-key cache the admin force-close
// endpoint uses so a retried request doesn't trigger a second republish
// cycle for the same subscription set. Adapted from the teacher's
// idempotency.Store: Redis-backed with an in-process fallback.
package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "polaris:idempotency:"

// Store records that a given idempotency key has already been handled and
// what response was returned, so a retry can be answered without redoing
// the work.
type Store struct {
	client *redis.Client
	ttl    time.Duration

	mu       sync.Mutex
	fallback map[string]fallbackEntry
}

type fallbackEntry struct {
	value   string
	expires time.Time
}

func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{client: client, ttl: ttl, fallback: make(map[string]fallbackEntry)}
}

// Get returns the cached value for key, if any.
func (s *Store) Get(ctx context.Context, key string) (string, bool) {
	if s.client != nil {
		v, err := s.client.Get(ctx, keyPrefix+key).Result()
		if err == nil {
			return v, true
		}
		if err != redis.Nil {
			return s.getFallback(key)
		}
		return "", false
	}
	return s.getFallback(key)
}

func (s *Store) getFallback(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.fallback[key]
	if !ok || time.Now().After(e.expires) {
		return "", false
	}
	return e.value, true
}

// SetNX stores value for key only if key is unset, so concurrent retries of
// the same request race safely onto a single winner.
func (s *Store) SetNX(ctx context.Context, key, value string) bool {
	if s.client != nil {
		ok, err := s.client.SetNX(ctx, keyPrefix+key, value, s.ttl).Result()
		if err == nil {
			return ok
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.fallback[key]; ok && time.Now().Before(e.expires) {
		return false
	}
	s.fallback[key] = fallbackEntry{value: value, expires: time.Now().Add(s.ttl)}
	return true
}
