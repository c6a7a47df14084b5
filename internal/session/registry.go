// Package session owns the durable headless-session records, the
// instance-local pending set, and the lifecycle controller that drives a
// launched browser through connection-wait, success, timeout, and shutdown.
package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"foundryvtt/relay/internal/logging"
	"foundryvtt/relay/internal/store"
)

const (
	sessionKeyPrefix = "headless_session:"
	apiKeyKeySuffix  = ":session"
	apiKeyKeyPrefix  = "headless_apikey:"
	ownerKeyPrefix   = "apikey_instance:"
)

func sessionKey(id string) string  { return sessionKeyPrefix + id }
func apiKeyKey(key string) string  { return apiKeyKeyPrefix + key + apiKeyKeySuffix }
func ownerKey(apiKey string) string { return ownerKeyPrefix + apiKey }

// Session is the durable record of a headless session visible to all instances.
type Session struct {
	ID           string
	APIKey       string
	ClientID     string
	LastActivity int64 // epoch milliseconds
	InstanceID   string
	FoundryURL   string
	WorldName    string
	Username     string
}

// RegistryOptions configures the session registry.
type RegistryOptions struct {
	Store      store.Store
	InstanceID string
	Logger     *logging.Logger
	TimeSource func() time.Time
}

// Registry stores session records in the shared backend, stamping every write
// with this instance's identity so the forwarding decision can locate owners.
type Registry struct {
	store      store.Store
	instanceID string
	logger     *logging.Logger
	now        func() time.Time
}

// NewRegistry constructs a session registry using the provided options.
func NewRegistry(opts RegistryOptions) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &Registry{
		store:      opts.Store,
		instanceID: strings.TrimSpace(opts.InstanceID),
		logger:     logger,
		now:        now,
	}
}

// Shared reports whether the backing store is visible to other instances.
func (r *Registry) Shared() bool { return r.store.Shared() }

// Register persists the session and the per-API-key owner mapping. The owner
// mapping is last-writer-wins: two near-simultaneous start-session calls for
// one key can both land here, and the second write simply supersedes the
// first (accepted tolerance, no distributed lock).
func (r *Registry) Register(ctx context.Context, s *Session) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("session must have an id")
	}
	if s.InstanceID == "" {
		s.InstanceID = r.instanceID
	}
	if s.LastActivity == 0 {
		s.LastActivity = r.now().UnixMilli()
	}
	fields := map[string]string{
		"apiKey":       s.APIKey,
		"clientId":     s.ClientID,
		"lastActivity": strconv.FormatInt(s.LastActivity, 10),
		"instanceId":   s.InstanceID,
		"foundryUrl":   s.FoundryURL,
		"worldName":    s.WorldName,
		"username":     s.Username,
	}
	if err := r.store.HSet(ctx, sessionKey(s.ID), fields, 0); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	if err := r.store.Set(ctx, apiKeyKey(s.APIKey), s.ID, 0); err != nil {
		return fmt.Errorf("persist session owner mapping: %w", err)
	}
	if err := r.store.Set(ctx, ownerKey(s.APIKey), s.InstanceID, 0); err != nil {
		return fmt.Errorf("persist instance mapping: %w", err)
	}
	return nil
}

// Touch refreshes the session's lastActivity stamp.
func (r *Registry) Touch(ctx context.Context, id string) error {
	fields, err := r.store.HGetAll(ctx, sessionKey(id))
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return store.ErrNotFound
	}
	stamp := strconv.FormatInt(r.now().UnixMilli(), 10)
	return r.store.HSet(ctx, sessionKey(id), map[string]string{"lastActivity": stamp}, 0)
}

// Find returns the session record for id, or store.ErrNotFound.
func (r *Registry) Find(ctx context.Context, id string) (*Session, error) {
	fields, err := r.store.HGetAll(ctx, sessionKey(id))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, store.ErrNotFound
	}
	return sessionFromFields(id, fields), nil
}

// FindActiveByAPIKey resolves the one active session for an API key. In shared
// mode this is the direct owner-mapping lookup; in local-fallback mode there
// is no deduplicated view, so the most recently active session stands in.
func (r *Registry) FindActiveByAPIKey(ctx context.Context, apiKey string) (*Session, error) {
	if r.store.Shared() {
		id, err := r.store.Get(ctx, apiKeyKey(apiKey))
		if err != nil {
			return nil, err
		}
		return r.Find(ctx, id)
	}
	return r.MostRecentByAPIKey(ctx, apiKey)
}

// FindAllByAPIKey enumerates every session recorded for an API key.
func (r *Registry) FindAllByAPIKey(ctx context.Context, apiKey string) ([]*Session, error) {
	keys, err := r.store.Scan(ctx, sessionKeyPrefix+"*")
	if err != nil {
		return nil, err
	}
	var sessions []*Session
	for _, key := range keys {
		fields, err := r.store.HGetAll(ctx, key)
		if err != nil || len(fields) == 0 {
			continue
		}
		if fields["apiKey"] != apiKey {
			continue
		}
		sessions = append(sessions, sessionFromFields(strings.TrimPrefix(key, sessionKeyPrefix), fields))
	}
	return sessions, nil
}

// MostRecentByAPIKey returns the session with the newest lastActivity stamp,
// the single-session view local-fallback callers rely on.
func (r *Registry) MostRecentByAPIKey(ctx context.Context, apiKey string) (*Session, error) {
	sessions, err := r.FindAllByAPIKey(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	var newest *Session
	for _, s := range sessions {
		if newest == nil || s.LastActivity > newest.LastActivity {
			newest = s
		}
	}
	if newest == nil {
		return nil, store.ErrNotFound
	}
	return newest, nil
}

// Remove deletes the session record and its owner mappings, returning the
// removed record so callers can evict the associated client connection.
func (r *Registry) Remove(ctx context.Context, id string) (*Session, error) {
	s, err := r.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	keys := []string{sessionKey(id)}
	if current, err := r.store.Get(ctx, apiKeyKey(s.APIKey)); err == nil && current == id {
		keys = append(keys, apiKeyKey(s.APIKey), ownerKey(s.APIKey))
	}
	if _, err := r.store.Delete(ctx, keys...); err != nil {
		return nil, fmt.Errorf("remove session: %w", err)
	}
	return s, nil
}

// OwnerInstanceForAPIKey resolves which instance currently serves an API key.
func (r *Registry) OwnerInstanceForAPIKey(ctx context.Context, apiKey string) (string, error) {
	return r.store.Get(ctx, ownerKey(apiKey))
}

func sessionFromFields(id string, fields map[string]string) *Session {
	lastActivity, _ := strconv.ParseInt(fields["lastActivity"], 10, 64)
	return &Session{
		ID:           id,
		APIKey:       fields["apiKey"],
		ClientID:     fields["clientId"],
		LastActivity: lastActivity,
		InstanceID:   fields["instanceId"],
		FoundryURL:   fields["foundryUrl"],
		WorldName:    fields["worldName"],
		Username:     fields["username"],
	}
}
