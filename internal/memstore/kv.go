package memstore

import (
	"context"
	"sync"
	"time"
)

// KV is the in-memory counterpart of the Redis client: notification
// sequence counters, idempotency keys and the sweep lock.
type KV struct {
	mu      sync.Mutex
	seq     map[string]int64
	entries map[string]kvEntry
	now     func() time.Time
}

type kvEntry struct {
	value   string
	expires time.Time
}

// NewKV creates an empty key-value store
func NewKV() *KV {
	return &KV{
		seq:     make(map[string]int64),
		entries: make(map[string]kvEntry),
		now:     time.Now,
	}
}

// NextSequence returns the next sequence number of group, starting at 1
func (k *KV) NextSequence(ctx context.Context, group string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.seq[group]++
	return k.seq[group], nil
}

// Remember stores value under key unless a live entry exists
func (k *KV) Remember(ctx context.Context, key, value string, ttl time.Duration) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	if e, ok := k.get(key); ok {
		return e.value, false, nil
	}
	k.entries[key] = kvEntry{value: value, expires: k.expiry(ttl)}
	return value, true, nil
}

// Replace stores value under key unconditionally
func (k *KV) Replace(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.entries[key] = kvEntry{value: value, expires: k.expiry(ttl)}
	return nil
}

// Forget removes key
func (k *KV) Forget(ctx context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.entries, key)
	return nil
}

// AcquireLock takes key for ttl if it is free
func (k *KV) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	_, stored, err := k.Remember(ctx, key, owner, ttl)
	return stored, err
}

// ReleaseLock frees key only when owner still holds it
func (k *KV) ReleaseLock(ctx context.Context, key, owner string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if e, ok := k.get(key); ok && e.value == owner {
		delete(k.entries, key)
	}
	return nil
}

func (k *KV) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return k.now().Add(ttl)
}

func (k *KV) get(key string) (kvEntry, bool) {
	e, ok := k.entries[key]
	if !ok {
		return e, false
	}
	if !e.expires.IsZero() && !k.now().Before(e.expires) {
		delete(k.entries, key)
		return e, false
	}
	return e, true
}
