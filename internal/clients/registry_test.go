package clients

import (
	"context"
	"testing"

	"foundryvtt/relay/internal/logging"
	"foundryvtt/relay/internal/store"
)

func TestValidClientID(t *testing.T) {
	valid := []string{"foundry-gm1", "foundry-Abc_123", "foundry-x"}
	invalid := []string{"", "foundry-", "gm1", "foundry-gm 1", "FOUNDRY-gm1", "foundry-gm1!"}
	for _, id := range valid {
		if !ValidClientID(id) {
			t.Fatalf("expected %q to be valid", id)
		}
	}
	for _, id := range invalid {
		if ValidClientID(id) {
			t.Fatalf("expected %q to be invalid", id)
		}
	}
	if ExpectedClientID("gm1") != "foundry-gm1" {
		t.Fatalf("unexpected expected client id")
	}
}

func TestRegisterReplacesAndMirrors(t *testing.T) {
	backing := store.NewMemory(store.WithoutJanitor())
	defer backing.Close()
	registry := NewRegistry(RegistryOptions{
		Store:      backing,
		InstanceID: "inst-a",
		Logger:     logging.NewTestLogger(),
	})
	ctx := context.Background()

	first := &Client{id: "foundry-gm1", apiKey: "key-1", send: make(chan []byte, 1)}
	if previous := registry.Register(ctx, first); previous != nil {
		t.Fatalf("expected no previous client")
	}
	second := &Client{id: "foundry-gm1", apiKey: "key-1", send: make(chan []byte, 1)}
	if previous := registry.Register(ctx, second); previous != first {
		t.Fatalf("expected first client to be replaced")
	}
	if got := registry.Get("foundry-gm1"); got != second {
		t.Fatalf("registry should hold the newest connection")
	}
	if registry.Count() != 1 {
		t.Fatalf("unexpected count: %d", registry.Count())
	}

	owner, err := backing.Get(ctx, "apikey_instance:key-1")
	if err != nil || owner != "inst-a" {
		t.Fatalf("apikey instance mirror: %q %v", owner, err)
	}
}

func TestRemoveIgnoresStaleConnection(t *testing.T) {
	registry := NewRegistry(RegistryOptions{Logger: logging.NewTestLogger()})
	ctx := context.Background()

	stale := &Client{id: "foundry-gm1", apiKey: "key-1", send: make(chan []byte, 1)}
	registry.Register(ctx, stale)
	fresh := &Client{id: "foundry-gm1", apiKey: "key-1", send: make(chan []byte, 1)}
	registry.Register(ctx, fresh)

	// The stale connection's teardown must not evict the replacement.
	registry.Remove(ctx, stale)
	if got := registry.Get("foundry-gm1"); got != fresh {
		t.Fatalf("stale removal evicted the fresh connection")
	}
	registry.Remove(ctx, fresh)
	if registry.Get("foundry-gm1") != nil {
		t.Fatalf("fresh connection should be removed")
	}
}

func TestEvictClearsMetadataMirror(t *testing.T) {
	backing := store.NewMemory(store.WithoutJanitor())
	defer backing.Close()
	registry := NewRegistry(RegistryOptions{
		Store:      backing,
		InstanceID: "inst-a",
		Logger:     logging.NewTestLogger(),
	})
	ctx := context.Background()

	client := &Client{id: "foundry-gm1", apiKey: "key-1", send: make(chan []byte, 1)}
	registry.Register(ctx, client)
	registry.announce(ctx, client, Metadata{WorldID: "w1", WorldTitle: "Barovia"})

	if value, err := backing.Get(ctx, "client:foundry-gm1:worldTitle"); err != nil || value != "Barovia" {
		t.Fatalf("metadata mirror missing: %q %v", value, err)
	}

	registry.Evict(ctx, "foundry-gm1")
	if registry.Get("foundry-gm1") != nil {
		t.Fatalf("client should be gone after evict")
	}
	if _, err := backing.Get(ctx, "client:foundry-gm1:worldTitle"); err == nil {
		t.Fatalf("metadata mirror should be cleared after evict")
	}
}

func TestDetachClearsAPIKeyRouting(t *testing.T) {
	backing := store.NewMemory(store.WithoutJanitor())
	defer backing.Close()
	registry := NewRegistry(RegistryOptions{
		Store:      backing,
		InstanceID: "inst-a",
		Logger:     logging.NewTestLogger(),
	})
	ctx := context.Background()

	client := &Client{id: "foundry-gm1", apiKey: "key-1", send: make(chan []byte, 1)}
	registry.Register(ctx, client)
	if owner, err := backing.Get(ctx, "apikey_instance:key-1"); err != nil || owner != "inst-a" {
		t.Fatalf("routing entry missing after register: %q %v", owner, err)
	}

	registry.Remove(ctx, client)
	if _, err := backing.Get(ctx, "apikey_instance:key-1"); err == nil {
		t.Fatalf("routing entry should be cleared once the client detaches")
	}

	// A reconnect through another instance must survive this instance's
	// late teardown of its old connection.
	late := &Client{id: "foundry-gm1", apiKey: "key-1", send: make(chan []byte, 1)}
	registry.Register(ctx, late)
	_ = backing.Set(ctx, "apikey_instance:key-1", "inst-b", 0)
	registry.Evict(ctx, "foundry-gm1")
	if owner, err := backing.Get(ctx, "apikey_instance:key-1"); err != nil || owner != "inst-b" {
		t.Fatalf("foreign routing entry should be preserved: %q %v", owner, err)
	}
}

func TestMetadataForPrefersSharedMirror(t *testing.T) {
	backing := store.NewMemory(store.WithoutJanitor())
	defer backing.Close()
	registry := NewRegistry(RegistryOptions{
		Store:      backing,
		InstanceID: "inst-a",
		Logger:     logging.NewTestLogger(),
	})
	ctx := context.Background()

	// Metadata present only in the store, as when the client attached elsewhere.
	_ = backing.Set(ctx, "client:foundry-gm2:worldTitle", "Eberron", 0)
	_ = backing.Set(ctx, "client:foundry-gm2:systemId", "dnd5e", 0)

	meta := registry.MetadataFor(ctx, "foundry-gm2")
	if meta.WorldTitle != "Eberron" || meta.SystemID != "dnd5e" {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
}
