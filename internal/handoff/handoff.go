// Package handoff relays start-session work between instances. A handshake
// token can only be resolved by the instance that issued it, because the
// private key never leaves the shared record's issuing scope for decryption
// elsewhere would mean shipping credentials over RPC. Instead the receiving
// instance parks the encrypted request in the shared store and the owning
// instance's watcher picks it up, runs the start flow locally, and publishes
// the compressed outcome for the submitter to collect.
package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang/snappy"

	"foundryvtt/relay/internal/logging"
	"foundryvtt/relay/internal/session"
	"foundryvtt/relay/internal/store"
)

const (
	pendingKeyPrefix = "pending_session:"
	resultKeyPrefix  = "session_result:"

	defaultTTL          = 5 * time.Minute
	defaultPollInterval = 2 * time.Second
)

func pendingKey(token string) string { return pendingKeyPrefix + token }
func resultKey(token string) string  { return resultKeyPrefix + token }

// envelope is the serialized outcome exchanged through the store.
type envelope struct {
	StatusCode int             `json:"statusCode"`
	Data       json.RawMessage `json:"data"`
}

// CoordinatorOptions configures the hand-off coordinator.
type CoordinatorOptions struct {
	Store        store.Store
	InstanceID   string
	Logger       *logging.Logger
	TTL          time.Duration
	PollInterval time.Duration
	TimeSource   func() time.Time
}

// Coordinator implements both halves of the hand-off exchange: Submit on the
// receiving instance, Publish on the owning one.
type Coordinator struct {
	store        store.Store
	instanceID   string
	logger       *logging.Logger
	ttl          time.Duration
	pollInterval time.Duration
	now          func() time.Time
}

// NewCoordinator constructs a hand-off coordinator using the provided options.
func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Coordinator{
		store:        opts.Store,
		instanceID:   strings.TrimSpace(opts.InstanceID),
		logger:       logger,
		ttl:          ttl,
		pollInterval: poll,
		now:          now,
	}
}

// Submit parks the encrypted request for the owning instance and blocks until
// it publishes an outcome or the window lapses. The wait window matches the
// request TTL so an abandoned request and its parked record expire together.
func (c *Coordinator) Submit(ctx context.Context, token, apiKey, encryptedPassword, ownerInstance string) session.Result {
	fields := map[string]string{
		"apiKey":            apiKey,
		"encryptedPassword": encryptedPassword,
		"timestamp":         strconv.FormatInt(c.now().UnixMilli(), 10),
	}
	if err := c.store.HSet(ctx, pendingKey(token), fields, c.ttl); err != nil {
		c.logger.Error("park handoff request failed", logging.Error(err))
		return session.Result{Status: 500, Body: map[string]any{"error": "Failed to relay session request"}}
	}
	c.logger.Info("handoff submitted",
		logging.String("owner_instance", ownerInstance),
		logging.String("token_prefix", tokenPrefix(token)))

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(c.ttl)
	defer deadline.Stop()

	for {
		if result, ok := c.collect(ctx, token); ok {
			return result
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			//1.- Withdraw the parked request so the owner does not burn the
			// token on a request nobody is waiting for anymore.
			if _, err := c.store.Delete(ctx, pendingKey(token)); err != nil {
				c.logger.Warn("withdraw handoff request failed", logging.Error(err))
			}
			return session.Result{Status: 408, Body: map[string]any{
				"error":   "Session start timeout",
				"details": fmt.Sprintf("The handshake was issued by instance %s, which did not complete the session start in time", ownerInstance),
			}}
		case <-ctx.Done():
			if _, err := c.store.Delete(ctx, pendingKey(token)); err != nil {
				c.logger.Warn("withdraw handoff request failed", logging.Error(err))
			}
			return session.Result{Status: 500, Body: map[string]any{"error": "Session start cancelled"}}
		}
	}
}

// collect claims a published outcome. The delete count arbitrates between
// concurrent collectors the same way handshake claiming does.
func (c *Coordinator) collect(ctx context.Context, token string) (session.Result, bool) {
	compressed, err := c.store.Get(ctx, resultKey(token))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("read handoff result failed", logging.Error(err))
		}
		return session.Result{}, false
	}
	removed, err := c.store.Delete(ctx, resultKey(token))
	if err != nil || removed != 1 {
		return session.Result{}, false
	}
	return decodeResult(c.logger, []byte(compressed)), true
}

// Publish records the outcome of a handed-off start flow for the submitter.
// Outcomes carry full session-start response bodies, so they are snappy
// compressed before hitting the store.
func (c *Coordinator) Publish(ctx context.Context, token string, result session.Result) error {
	data, err := json.Marshal(result.Body)
	if err != nil {
		return fmt.Errorf("encode handoff result: %w", err)
	}
	payload, err := json.Marshal(envelope{StatusCode: result.Status, Data: data})
	if err != nil {
		return fmt.Errorf("encode handoff envelope: %w", err)
	}
	compressed := snappy.Encode(nil, payload)
	if err := c.store.Set(ctx, resultKey(token), string(compressed), c.ttl); err != nil {
		return fmt.Errorf("publish handoff result: %w", err)
	}
	c.logger.Info("handoff result published",
		logging.String("token_prefix", tokenPrefix(token)), logging.Int("status", result.Status))
	return nil
}

// decodeResult reverses Publish. A result that cannot be decoded still means
// the owner finished the flow, so the caller gets a generic success rather
// than a retry that would burn a fresh handshake.
func decodeResult(logger *logging.Logger, compressed []byte) session.Result {
	payload, err := snappy.Decode(nil, compressed)
	if err != nil {
		logger.Warn("handoff result decompression failed", logging.Error(err))
		return genericOutcome()
	}
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		logger.Warn("handoff result decode failed", logging.Error(err))
		return genericOutcome()
	}
	var body map[string]any
	if err := json.Unmarshal(env.Data, &body); err != nil || body == nil {
		body = map[string]any{}
	}
	if env.StatusCode == 0 {
		return genericOutcome()
	}
	return session.Result{Status: env.StatusCode, Body: body}
}

func genericOutcome() session.Result {
	return session.Result{Status: 200, Body: map[string]any{
		"success": true,
		"message": "Session request completed on the owning instance",
	}}
}

func tokenPrefix(token string) string {
	if len(token) > 8 {
		return token[:8]
	}
	return token
}
