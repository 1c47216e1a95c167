package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	etag      string
	expiresAt time.Time
}

// MemoryStore is a process-local [Store]. It is safe for concurrent use and
// copies values on the way in and out.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memoryEntry
	ttl   time.Duration
	now   func() time.Time
}

// MemoryOption configures a [MemoryStore].
type MemoryOption func(*MemoryStore)

// WithMemoryTTL expires every item ttl after its last write. Expired items
// read as absent. Zero keeps items until deleted.
func WithMemoryTTL(ttl time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithMemoryClock sets the time source used for expiry.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore returns an empty [MemoryStore].
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{items: make(map[string]memoryEntry), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// live reports whether entry has not expired. Callers hold s.mu.
func (s *MemoryStore) live(entry memoryEntry, now time.Time) bool {
	return entry.expiresAt.IsZero() || now.Before(entry.expiresAt)
}

// sweep drops expired items. Callers hold s.mu.
func (s *MemoryStore) sweep(now time.Time) {
	if s.ttl == 0 {
		return
	}
	for k, entry := range s.items {
		if !s.live(entry, now) {
			delete(s.items, k)
		}
	}
}

func (s *MemoryStore) Read(ctx context.Context, keys []string) (map[string]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateKeys(keys); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make(map[string]Item, len(keys))
	for _, k := range keys {
		entry, ok := s.items[k]
		if !ok || !s.live(entry, now) {
			continue
		}
		out[k] = Item{Value: cloneBytes(entry.value), ETag: entry.etag}
	}
	return out, nil
}

func (s *MemoryStore) Write(ctx context.Context, changes map[string]Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(changes) == 0 {
		return nil
	}

	keys := make([]string, 0, len(changes))
	for k := range changes {
		keys = append(keys, k)
	}
	if err := validateKeys(keys); err != nil {
		return err
	}
	// Deterministic conflict reporting for multi-key batches.
	sort.Strings(keys)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweep(now)
	for _, k := range keys {
		current, exists := s.items[k]
		if !tagMatches(changes[k].ETag, current.etag, exists) {
			return &ConflictError{Key: k, Expected: changes[k].ETag, Current: current.etag}
		}
	}
	var expiresAt time.Time
	if s.ttl > 0 {
		expiresAt = now.Add(s.ttl)
	}
	for _, k := range keys {
		s.items[k] = memoryEntry{value: cloneBytes(changes[k].Value), etag: newTag(), expiresAt: expiresAt}
	}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, keys []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateKeys(keys); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		delete(s.items, k)
	}
	return nil
}

// Len returns the number of unexpired items.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep(s.now())
	return len(s.items)
}
