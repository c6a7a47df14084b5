package store

import (
	"context"
	"path"
	"sync"
	"time"
)

const janitorInterval = 30 * time.Second

type memoryEntry struct {
	value     string
	hash      map[string]string
	expiresAt time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !e.expiresAt.After(now)
}

// MemoryOption configures optional MemoryStore behaviour at construction time.
type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides the wall-clock time source; primarily used in tests.
func WithMemoryClock(clock func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithoutJanitor disables the background expiry sweep so tests control timing.
func WithoutJanitor() MemoryOption {
	return func(s *MemoryStore) {
		s.janitor = false
	}
}

// MemoryStore is the instance-local fallback backend. Expiry is enforced on
// every read and additionally swept by a janitor goroutine whose lifetime is
// tied to the store, so no unmanaged timers survive Close.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time

	janitor bool
	done    chan struct{}
	once    sync.Once
}

// NewMemory constructs the fallback store and starts its expiry janitor.
func NewMemory(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
		janitor: true,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.janitor {
		go s.sweepLoop()
	}
	return s
}

func (s *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemoryStore) sweep() {
	now := s.now()
	s.mu.Lock()
	for key, entry := range s.entries {
		if entry.expired(now) {
			delete(s.entries, key)
		}
	}
	s.mu.Unlock()
}

// live returns the entry at key after lazily evicting it when expired.
func (s *MemoryStore) live(key string) *memoryEntry {
	entry, ok := s.entries[key]
	if !ok {
		return nil
	}
	if entry.expired(s.now()) {
		delete(s.entries, key)
		return nil
	}
	return entry
}

func (s *MemoryStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.live(key)
	if entry == nil || entry.hash != nil {
		return "", ErrNotFound
	}
	return entry.value, nil
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &memoryEntry{value: value, expiresAt: s.deadline(ttl)}
	return nil
}

// Delete implements Store. The removal count under the store mutex provides
// the same claim atomicity the Redis DEL count does.
func (s *MemoryStore) Delete(_ context.Context, keys ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, key := range keys {
		if s.live(key) != nil {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

// HSet implements Store.
func (s *MemoryStore) HSet(_ context.Context, key string, fields map[string]string, ttl time.Duration) error {
	if len(fields) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.live(key)
	if entry == nil || entry.hash == nil {
		entry = &memoryEntry{hash: make(map[string]string, len(fields))}
		s.entries[key] = entry
	}
	for k, v := range fields {
		entry.hash[k] = v
	}
	if ttl > 0 {
		entry.expiresAt = s.deadline(ttl)
	}
	return nil
}

// HGetAll implements Store.
func (s *MemoryStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.live(key)
	if entry == nil || entry.hash == nil {
		return map[string]string{}, nil
	}
	copied := make(map[string]string, len(entry.hash))
	for k, v := range entry.hash {
		copied[k] = v
	}
	return copied, nil
}

// Exists implements Store.
func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live(key) != nil, nil
}

// Scan implements Store using path.Match glob semantics.
func (s *MemoryStore) Scan(_ context.Context, pattern string) ([]string, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for key, entry := range s.entries {
		if entry.expired(now) {
			delete(s.entries, key)
			continue
		}
		if ok, err := path.Match(pattern, key); err == nil && ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Shared reports false: nothing here is visible to other instances.
func (s *MemoryStore) Shared() bool { return false }

// Ping implements Store.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close stops the janitor and drops all entries.
func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.done) })
	s.mu.Lock()
	s.entries = make(map[string]*memoryEntry)
	s.mu.Unlock()
	return nil
}
