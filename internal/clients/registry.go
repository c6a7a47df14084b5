// Package clients tracks the live game-client WebSocket connections attached
// to this instance. The registry is authoritative only for connections that
// terminate here; cross-instance visibility goes through the metadata mirror
// in the shared store.
package clients

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"foundryvtt/relay/internal/logging"
	"foundryvtt/relay/internal/store"
)

// ClientIDPrefix is the mandatory prefix for relay client identifiers.
const ClientIDPrefix = "foundry-"

var clientIDPattern = regexp.MustCompile(`^foundry-[A-Za-z0-9_-]+$`)

// ValidClientID reports whether id matches the expected foundry-{userId} pattern.
func ValidClientID(id string) bool {
	return clientIDPattern.MatchString(id)
}

// ExpectedClientID derives the client id the counterpart module will connect with.
func ExpectedClientID(userID string) string {
	return ClientIDPrefix + userID
}

// Metadata describes the world and system a connected client announced.
type Metadata struct {
	WorldID        string `json:"worldId"`
	WorldTitle     string `json:"worldTitle"`
	FoundryVersion string `json:"foundryVersion"`
	SystemID       string `json:"systemId"`
	SystemTitle    string `json:"systemTitle"`
	SystemVersion  string `json:"systemVersion"`
	CustomName     string `json:"customName"`
}

func (m Metadata) fields() map[string]string {
	return map[string]string{
		"worldId":        m.WorldID,
		"worldTitle":     m.WorldTitle,
		"foundryVersion": m.FoundryVersion,
		"systemId":       m.SystemID,
		"systemTitle":    m.SystemTitle,
		"systemVersion":  m.SystemVersion,
		"customName":     m.CustomName,
	}
}

// Client is one live relay connection plus the metadata it announced.
type Client struct {
	id     string
	apiKey string

	mu   sync.Mutex
	conn *websocket.Conn
	send chan []byte
	meta Metadata
}

// ID returns the client identifier.
func (c *Client) ID() string { return c.id }

// APIKey returns the API key the connection authenticated with.
func (c *Client) APIKey() string { return c.apiKey }

// Meta returns the metadata the client last announced.
func (c *Client) Meta() Metadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meta
}

func (c *Client) setMeta(meta Metadata) {
	c.mu.Lock()
	c.meta = meta
	c.mu.Unlock()
}

// Send queues a payload for delivery, reporting false when the buffer is full.
func (c *Client) Send(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// close is safe to call more than once; gorilla tolerates duplicate Close calls.
func (c *Client) close() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// RegistryOptions configures the connection registry.
type RegistryOptions struct {
	Store      store.Store
	InstanceID string
	Logger     *logging.Logger
}

// Registry is the per-instance map of clientId to live connection.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client

	store      store.Store
	instanceID string
	logger     *logging.Logger
}

// NewRegistry constructs an empty connection registry.
func NewRegistry(opts RegistryOptions) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	return &Registry{
		clients:    make(map[string]*Client),
		store:      opts.Store,
		instanceID: strings.TrimSpace(opts.InstanceID),
		logger:     logger,
	}
}

// Get returns the local client for id, or nil when it is not attached here.
func (r *Registry) Get(id string) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[id]
}

// Count returns the number of locally attached clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// NewClient builds a client record around an established connection. A nil
// connection is valid for callers that only need registry bookkeeping.
func NewClient(id, apiKey string, conn *websocket.Conn) *Client {
	return &Client{
		id:     id,
		apiKey: apiKey,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
	}
}

// Register installs the client, closing and returning any previous connection
// that held the same id. The apiKey-to-instance mapping is mirrored so the
// forwarding decision on other instances can find us.
func (r *Registry) Register(ctx context.Context, client *Client) *Client {
	r.mu.Lock()
	previous := r.clients[client.id]
	r.clients[client.id] = client
	r.mu.Unlock()

	if previous != nil {
		previous.close()
	}
	if r.store != nil {
		if err := r.store.Set(ctx, "apikey_instance:"+client.apiKey, r.instanceID, 0); err != nil {
			r.logger.Warn("mirror apikey instance failed", logging.Error(err))
		}
	}
	return previous
}

// Remove drops the client from the registry and clears its store mirror.
// Removing an id that is absent, or that has been replaced by a newer
// connection, is a no-op.
func (r *Registry) Remove(ctx context.Context, client *Client) {
	r.mu.Lock()
	current, ok := r.clients[client.id]
	if ok && current == client {
		delete(r.clients, client.id)
	} else {
		ok = false
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.clearMirror(ctx, client)
}

// Evict closes and removes the named client, used when a session terminates
// or an API key mismatch is detected.
func (r *Registry) Evict(ctx context.Context, id string) {
	r.mu.Lock()
	client, ok := r.clients[id]
	if ok {
		delete(r.clients, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	client.close()
	r.clearMirror(ctx, client)
}

func (r *Registry) clearMirror(ctx context.Context, client *Client) {
	if r.store == nil {
		return
	}
	keys := make([]string, 0, 8)
	for field := range client.Meta().fields() {
		keys = append(keys, "client:"+client.id+":"+field)
	}
	keys = append(keys, "headless_client:"+client.id)
	if _, err := r.store.Delete(ctx, keys...); err != nil {
		r.logger.Warn("clear client mirror failed", logging.String("client_id", client.id), logging.Error(err))
	}
	//1.- Drop the routing entry only while it still points here; the key may
	// have reconnected through another instance in the meantime.
	ownerKey := "apikey_instance:" + client.apiKey
	if owner, err := r.store.Get(ctx, ownerKey); err == nil && owner == r.instanceID {
		if _, err := r.store.Delete(ctx, ownerKey); err != nil {
			r.logger.Warn("clear apikey routing failed", logging.String("client_id", client.id), logging.Error(err))
		}
	}
}

// announce records freshly identified metadata locally and in the store mirror.
func (r *Registry) announce(ctx context.Context, client *Client, meta Metadata) {
	client.setMeta(meta)
	if r.store == nil {
		return
	}
	for field, value := range meta.fields() {
		if err := r.store.Set(ctx, "client:"+client.id+":"+field, value, 0); err != nil {
			r.logger.Warn("mirror client metadata failed", logging.String("client_id", client.id), logging.Error(err))
			return
		}
	}
}

// MetadataFor resolves client metadata, preferring the shared mirror so any
// instance can enrich session listings, then falling back to a local client.
func (r *Registry) MetadataFor(ctx context.Context, id string) Metadata {
	if r.store != nil {
		var meta Metadata
		found := false
		lookup := map[string]*string{
			"worldId":        &meta.WorldID,
			"worldTitle":     &meta.WorldTitle,
			"foundryVersion": &meta.FoundryVersion,
			"systemId":       &meta.SystemID,
			"systemTitle":    &meta.SystemTitle,
			"systemVersion":  &meta.SystemVersion,
			"customName":     &meta.CustomName,
		}
		for field, target := range lookup {
			value, err := r.store.Get(ctx, "client:"+id+":"+field)
			if err == nil && value != "" {
				*target = value
				found = true
			}
		}
		if found {
			return meta
		}
	}
	if client := r.Get(id); client != nil {
		return client.Meta()
	}
	return Metadata{}
}

// Shutdown closes every attached connection. Store mirrors are left in place
// so a restarting instance can reclaim them, keyed by the same instance id.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	r.clients = make(map[string]*Client)
	r.mu.Unlock()
	for _, client := range clients {
		client.close()
	}
}
