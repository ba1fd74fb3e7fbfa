// Package idempotency implements the idempotency cache keyed by
// (tool name, canonical args, simulate flag, idempotency key) that the
// Twin Client consults before every invocation (spec.md §3, §4.3). Two
// backends satisfy the spec's "in-memory LRU or on-disk KV" options, plus
// a Redis-backed third one for multi-instance deployments that must share
// the store (spec.md §5).
package idempotency

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/twinops/twinops/internal/canonicalize"
)

// Store caches a prior tool-invocation result under a fingerprint.
type Store interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error
}

// Fingerprint computes the cache key for a tool invocation, per spec.md
// §3: (tool name, JCS(args), simulate flag, idempotency key).
func Fingerprint(tool string, args map[string]any, simulate bool, idempotencyKey string) (string, error) {
	canonicalArgs, err := canonicalize.JCSString(args)
	if err != nil {
		return "", err
	}
	composite := struct {
		Tool           string `json:"tool"`
		Args           string `json:"args"`
		Simulate       bool   `json:"simulate"`
		IdempotencyKey string `json:"idempotency_key"`
	}{tool, canonicalArgs, simulate, idempotencyKey}
	return canonicalize.CanonicalHash(composite)
}

type memoryEntry struct {
	key       string
	value     json.RawMessage
	expiresAt time.Time
}

// MemoryStore is an in-memory, TTL-evicting, size-bounded LRU, grounded on
// the original Python IdempotencyStore (collections.OrderedDict +
// move_to_end eviction).
type MemoryStore struct {
	mu         sync.Mutex
	maxEntries int
	order      *list.List // front = most recently used
	index      map[string]*list.Element
}

// NewMemoryStore constructs a bounded in-memory idempotency cache.
func NewMemoryStore(maxEntries int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &MemoryStore{
		maxEntries: maxEntries,
		order:      list.New(),
		index:      make(map[string]*list.Element),
	}
}

// Get returns the cached value if present and not expired.
func (m *MemoryStore) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.index[key]
	if !ok {
		return nil, false, nil
	}
	entry := el.Value.(*memoryEntry)
	if time.Now().After(entry.expiresAt) {
		m.order.Remove(el)
		delete(m.index, key)
		return nil, false, nil
	}
	m.order.MoveToFront(el)
	return entry.value, true, nil
}

// Set stores value under key with the given TTL, evicting the least
// recently used entry if the store is at capacity.
func (m *MemoryStore) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	expiresAt := time.Now().Add(ttl)
	if el, ok := m.index[key]; ok {
		el.Value.(*memoryEntry).value = value
		el.Value.(*memoryEntry).expiresAt = expiresAt
		m.order.MoveToFront(el)
		return nil
	}

	el := m.order.PushFront(&memoryEntry{key: key, value: value, expiresAt: expiresAt})
	m.index[key] = el

	for m.order.Len() > m.maxEntries {
		oldest := m.order.Back()
		if oldest == nil {
			break
		}
		m.order.Remove(oldest)
		delete(m.index, oldest.Value.(*memoryEntry).key)
	}
	return nil
}
