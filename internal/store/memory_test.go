package store

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"
)

func newTestMemory(clock *time.Time) *MemoryStore {
	return NewMemory(WithoutJanitor(), WithMemoryClock(func() time.Time { return *clock }))
}

func TestMemoryGetSetDelete(t *testing.T) {
	now := time.Unix(1000, 0)
	s := newTestMemory(&now)
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Set(ctx, "a", "1", 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	value, err := s.Get(ctx, "a")
	if err != nil || value != "1" {
		t.Fatalf("get: %q %v", value, err)
	}

	removed, err := s.Delete(ctx, "a", "missing")
	if err != nil || removed != 1 {
		t.Fatalf("delete: %d %v", removed, err)
	}
	if removed, _ := s.Delete(ctx, "a"); removed != 0 {
		t.Fatalf("second delete should report zero removals, got %d", removed)
	}
}

func TestMemoryTTLExpiry(t *testing.T) {
	now := time.Unix(2000, 0)
	s := newTestMemory(&now)
	ctx := context.Background()

	if err := s.Set(ctx, "token", "v", 5*time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.HSet(ctx, "record", map[string]string{"k": "v"}, 5*time.Minute); err != nil {
		t.Fatalf("hset: %v", err)
	}

	now = now.Add(5*time.Minute + time.Second)

	if _, err := s.Get(ctx, "token"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired token to be gone, got %v", err)
	}
	fields, err := s.HGetAll(ctx, "record")
	if err != nil || len(fields) != 0 {
		t.Fatalf("expected expired hash to read empty, got %v %v", fields, err)
	}
	if removed, _ := s.Delete(ctx, "token"); removed != 0 {
		t.Fatalf("delete of expired key must not count as a claim, got %d", removed)
	}
}

func TestMemoryHashOperations(t *testing.T) {
	now := time.Unix(3000, 0)
	s := newTestMemory(&now)
	ctx := context.Background()

	if err := s.HSet(ctx, "h", map[string]string{"a": "1", "b": "2"}, 0); err != nil {
		t.Fatalf("hset: %v", err)
	}
	if err := s.HSet(ctx, "h", map[string]string{"b": "3"}, 0); err != nil {
		t.Fatalf("hset merge: %v", err)
	}
	fields, err := s.HGetAll(ctx, "h")
	if err != nil {
		t.Fatalf("hgetall: %v", err)
	}
	if fields["a"] != "1" || fields["b"] != "3" {
		t.Fatalf("unexpected fields: %v", fields)
	}

	fields["a"] = "mutated"
	again, _ := s.HGetAll(ctx, "h")
	if again["a"] != "1" {
		t.Fatalf("HGetAll must return a copy, got %v", again)
	}
}

func TestMemoryScan(t *testing.T) {
	now := time.Unix(4000, 0)
	s := newTestMemory(&now)
	ctx := context.Background()

	for _, key := range []string{"pending_session:t1", "pending_session:t2", "handshake:t1"} {
		if err := s.Set(ctx, key, "v", 0); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}
	keys, err := s.Scan(ctx, "pending_session:*")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "pending_session:t1" || keys[1] != "pending_session:t2" {
		t.Fatalf("unexpected scan result: %v", keys)
	}
}

func TestMemoryShared(t *testing.T) {
	s := NewMemory(WithoutJanitor())
	if s.Shared() {
		t.Fatalf("memory store must not report itself as shared")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
