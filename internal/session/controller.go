package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"foundryvtt/relay/internal/browser"
	"foundryvtt/relay/internal/clients"
	"foundryvtt/relay/internal/handshake"
	"foundryvtt/relay/internal/logging"
	"foundryvtt/relay/internal/store"
)

const (
	defaultPollInterval  = 2 * time.Second
	defaultWaitTimeout   = 5 * time.Minute
	defaultShutdownGrace = 5 * time.Second
)

// Result carries an HTTP status and JSON body so the same lifecycle flow can
// serve a direct request or be relayed to another instance verbatim.
type Result struct {
	Status int
	Body   map[string]any
}

// ControllerOptions configures the session lifecycle controller.
type ControllerOptions struct {
	Registry      *Registry
	Clients       *clients.Registry
	Handshakes    *handshake.Service
	Driver        browser.Driver
	Logger        *logging.Logger
	TimeSource    func() time.Time
	PollInterval  time.Duration
	WaitTimeout   time.Duration
	ShutdownGrace time.Duration
	NewSessionID  func() string
}

// Controller drives headless sessions through their lifecycle: resolve the
// handshake, launch and log in a browser, wait for the matching Foundry
// client to attach, and tear everything down on end or shutdown.
type Controller struct {
	registry      *Registry
	clients       *clients.Registry
	handshakes    *handshake.Service
	driver        browser.Driver
	logger        *logging.Logger
	now           func() time.Time
	pollInterval  time.Duration
	waitTimeout   time.Duration
	shutdownGrace time.Duration
	newID         func() string

	pending *pendingSet

	mu     sync.Mutex
	active map[string]browser.Handle
}

// NewController constructs a lifecycle controller using the provided options.
func NewController(opts ControllerOptions) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	newID := opts.NewSessionID
	if newID == nil {
		newID = uuid.NewString
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	wait := opts.WaitTimeout
	if wait <= 0 {
		wait = defaultWaitTimeout
	}
	grace := opts.ShutdownGrace
	if grace <= 0 {
		grace = defaultShutdownGrace
	}
	return &Controller{
		registry:      opts.Registry,
		clients:       opts.Clients,
		handshakes:    opts.Handshakes,
		driver:        opts.Driver,
		logger:        logger,
		now:           now,
		pollInterval:  poll,
		waitTimeout:   wait,
		shutdownGrace: grace,
		newID:         newID,
		pending:       newPendingSet(),
		active:        make(map[string]browser.Handle),
	}
}

// Counts reports how many sessions are active and pending on this instance.
func (c *Controller) Counts() (active, pending int) {
	c.mu.Lock()
	active = len(c.active)
	c.mu.Unlock()
	return active, c.pending.count()
}

// ExistingSession reports the connected session already registered for apiKey,
// when the shared registry holds one. It answers regardless of which instance
// the session lives on, so callers can short-circuit before any routing.
func (c *Controller) ExistingSession(ctx context.Context, apiKey string) (Result, bool) {
	if !c.registry.Shared() {
		return Result{}, false
	}
	existing, err := c.registry.FindActiveByAPIKey(ctx, apiKey)
	if err != nil || existing.ClientID == "" {
		return Result{}, false
	}
	return Result{Status: 200, Body: map[string]any{
		"success":         true,
		"message":         "Session already active",
		"sessionId":       existing.ID,
		"clientId":        existing.ClientID,
		"existingSession": true,
	}}, true
}

// StartSession runs the full start flow for a resolved-or-not handshake token
// and returns the response to send to the caller. The flow blocks until the
// Foundry client attaches or the wait window lapses, so callers should run it
// on a request goroutine or a watcher goroutine, never the main loop.
func (c *Controller) StartSession(ctx context.Context, token, apiKey, encryptedPassword string) Result {
	//1.- A connected session for this key already exists: report it instead
	// of launching a second browser against the same world.
	if result, ok := c.ExistingSession(ctx, apiKey); ok {
		return result
	}

	//2.- Consume the handshake token and recover the credential.
	creds, record, err := c.handshakes.Resolve(ctx, token, apiKey, encryptedPassword)
	if err != nil {
		return handshakeFailure(err)
	}

	//3.- Launch a browser and log in with the decrypted credential.
	handle, err := c.driver.Launch(ctx)
	if err != nil {
		c.logger.Error("browser launch failed", logging.Error(err))
		return Result{Status: 500, Body: map[string]any{"error": "Failed to launch browser session"}}
	}
	login, err := c.driver.Login(ctx, handle, browser.Credentials{
		FoundryURL: record.FoundryURL,
		WorldName:  record.WorldName,
		Username:   record.Username,
		Password:   creds.Password,
	})
	if err != nil {
		c.closeBrowser(ctx, handle)
		switch {
		case errors.Is(err, browser.ErrWorldNotFound):
			return Result{Status: 404, Body: map[string]any{"error": "World not found", "details": err.Error()}}
		case errors.Is(err, browser.ErrLoginFormNotFound):
			return Result{Status: 404, Body: map[string]any{"error": "Login form not found", "details": err.Error()}}
		default:
			c.logger.Error("foundry login failed", logging.Error(err))
			return Result{Status: 500, Body: map[string]any{"error": "Failed to log in to Foundry"}}
		}
	}

	//4.- Record the session as pending and durable before waiting, so a
	// parallel listing shows it and a crash leaves a discoverable record.
	sessionID := c.newID()
	expectedClientID := clients.ExpectedClientID(login.UserID)
	startedAt := c.now()
	c.pending.add(&Pending{
		SessionID:        sessionID,
		APIKey:           apiKey,
		ExpectedClientID: expectedClientID,
		Handle:           handle,
		StartedAt:        startedAt,
		FoundryURL:       record.FoundryURL,
		WorldName:        record.WorldName,
		Username:         record.Username,
	})
	if err := c.registry.Register(ctx, &Session{
		ID:         sessionID,
		APIKey:     apiKey,
		FoundryURL: record.FoundryURL,
		WorldName:  record.WorldName,
		Username:   record.Username,
	}); err != nil {
		c.logger.Error("session registration failed",
			logging.String("session_id", sessionID), logging.Error(err))
	}

	//5.- Poll for the matching client until it attaches or the window lapses.
	return c.waitForClient(ctx, sessionID, apiKey, expectedClientID, handle)
}

func (c *Controller) waitForClient(ctx context.Context, sessionID, apiKey, expectedClientID string, handle browser.Handle) Result {
	deadline := time.NewTimer(c.waitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		if client := c.clients.Get(expectedClientID); client != nil {
			if client.APIKey() != apiKey {
				//1.- The expected client id attached under a different key:
				// someone else's connection, never this session's. Tear down.
				c.logger.Warn("unauthorized client connection",
					logging.String("session_id", sessionID),
					logging.String("client_id", expectedClientID))
				c.failPending(ctx, sessionID, handle)
				return Result{Status: 408, Body: map[string]any{
					"error":   "Client connection timeout",
					"details": "unauthorized client connection",
				}}
			}
			//2.- Attached and authorized: promote pending to active.
			c.pending.remove(sessionID)
			c.mu.Lock()
			c.active[sessionID] = handle
			c.mu.Unlock()
			c.promote(ctx, sessionID, apiKey, expectedClientID)
			c.logger.Info("session active",
				logging.String("session_id", sessionID),
				logging.String("client_id", expectedClientID))
			return Result{Status: 200, Body: map[string]any{
				"success":   true,
				"message":   "Session started successfully",
				"sessionId": sessionID,
				"clientId":  expectedClientID,
			}}
		}

		select {
		case <-ticker.C:
		case <-deadline.C:
			c.logger.Warn("client connection timeout",
				logging.String("session_id", sessionID),
				logging.String("client_id", expectedClientID))
			c.failPending(ctx, sessionID, handle)
			return Result{Status: 408, Body: map[string]any{
				"error":   "Client connection timeout",
				"details": "The browser logged in but the Foundry client never connected. Foundry only grants the relay module an active connection to the first Game Master in the world, so make sure no other GM is already logged in, then try again.",
			}}
		case <-ctx.Done():
			c.failPending(ctx, sessionID, handle)
			return Result{Status: 500, Body: map[string]any{"error": "Session start cancelled"}}
		}
	}
}

// promote rewrites the durable record with the attached client id and a fresh
// activity stamp.
func (c *Controller) promote(ctx context.Context, sessionID, apiKey, clientID string) {
	rec, err := c.registry.Find(ctx, sessionID)
	if err != nil {
		rec = &Session{ID: sessionID, APIKey: apiKey}
	}
	rec.ClientID = clientID
	rec.LastActivity = c.now().UnixMilli()
	if err := c.registry.Register(ctx, rec); err != nil {
		c.logger.Error("session promotion failed",
			logging.String("session_id", sessionID), logging.Error(err))
	}
}

// failPending tears down a session that never reached active: close the
// browser, drop the pending entry, and delete the durable record.
func (c *Controller) failPending(ctx context.Context, sessionID string, handle browser.Handle) {
	c.closeBrowser(ctx, handle)
	c.pending.remove(sessionID)
	if _, err := c.registry.Remove(ctx, sessionID); err != nil && !errors.Is(err, store.ErrNotFound) {
		c.logger.Error("pending session cleanup failed",
			logging.String("session_id", sessionID), logging.Error(err))
	}
}

// EndSession tears down the identified session, whatever state it is in.
func (c *Controller) EndSession(ctx context.Context, sessionID, apiKey string) Result {
	//1.- Still waiting for its client: close the browser and drop it.
	if entry, ok := c.pending.get(sessionID); ok {
		if entry.APIKey != apiKey {
			return Result{Status: 403, Body: map[string]any{"error": "Unauthorized"}}
		}
		c.failPending(ctx, sessionID, entry.Handle)
		return Result{Status: 200, Body: map[string]any{"success": true, "message": "Pending session ended"}}
	}

	//2.- Check ownership before touching anything durable or local.
	rec, err := c.registry.Find(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{Status: 404, Body: map[string]any{"error": "Session not found"}}
	}
	if err != nil {
		c.logger.Error("session lookup failed",
			logging.String("session_id", sessionID), logging.Error(err))
		return Result{Status: 500, Body: map[string]any{"error": "Failed to end session"}}
	}
	if rec.APIKey != apiKey {
		return Result{Status: 403, Body: map[string]any{"error": "Unauthorized"}}
	}

	//3.- Close the browser if this instance holds it, then clear the record
	// and evict the websocket so the client does not linger headless.
	c.mu.Lock()
	handle, local := c.active[sessionID]
	delete(c.active, sessionID)
	c.mu.Unlock()
	if local {
		c.closeBrowser(ctx, handle)
	}
	if _, err := c.registry.Remove(ctx, sessionID); err != nil && !errors.Is(err, store.ErrNotFound) {
		c.logger.Error("session removal failed",
			logging.String("session_id", sessionID), logging.Error(err))
	}
	if rec.ClientID != "" {
		c.clients.Evict(ctx, rec.ClientID)
	}
	c.logger.Info("session ended", logging.String("session_id", sessionID))
	return Result{Status: 200, Body: map[string]any{"success": true, "message": "Session ended"}}
}

// Snapshot returns the enriched listing of this API key's sessions.
func (c *Controller) Snapshot(ctx context.Context, apiKey string) Result {
	activeSessions := make([]map[string]any, 0)
	if sessions, err := c.registry.FindAllByAPIKey(ctx, apiKey); err == nil {
		for _, s := range sessions {
			entry := map[string]any{
				"sessionId":    s.ID,
				"clientId":     s.ClientID,
				"lastActivity": s.LastActivity,
				"instanceId":   s.InstanceID,
				"worldName":    s.WorldName,
				"username":     s.Username,
				"connected":    s.ClientID != "" && c.clients.Get(s.ClientID) != nil,
			}
			if s.ClientID != "" {
				meta := c.clients.MetadataFor(ctx, s.ClientID)
				if meta.WorldTitle != "" {
					entry["worldTitle"] = meta.WorldTitle
				}
				if meta.FoundryVersion != "" {
					entry["foundryVersion"] = meta.FoundryVersion
				}
				if meta.SystemID != "" {
					entry["systemId"] = meta.SystemID
				}
				if meta.SystemTitle != "" {
					entry["systemTitle"] = meta.SystemTitle
				}
				if meta.SystemVersion != "" {
					entry["systemVersion"] = meta.SystemVersion
				}
				if meta.CustomName != "" {
					entry["customName"] = meta.CustomName
				}
			}
			activeSessions = append(activeSessions, entry)
		}
	}

	pendingSessions := make([]map[string]any, 0)
	for _, entry := range c.pending.byAPIKey(apiKey) {
		pendingSessions = append(pendingSessions, map[string]any{
			"sessionId":        entry.SessionID,
			"expectedClientId": entry.ExpectedClientID,
			"startedAt":        entry.StartedAt.UnixMilli(),
			"worldName":        entry.WorldName,
			"username":         entry.Username,
		})
	}

	return Result{Status: 200, Body: map[string]any{
		"activeSessions":  activeSessions,
		"pendingSessions": pendingSessions,
	}}
}

// Shutdown closes every pending browser, then every active one. Each phase
// runs its closes concurrently and waits at most the shutdown grace, so one
// hung browser cannot stall the rest of the teardown.
func (c *Controller) Shutdown(ctx context.Context) {
	pending := c.pending.drain()
	handles := make([]browser.Handle, 0, len(pending))
	for _, entry := range pending {
		handles = append(handles, entry.Handle)
	}
	c.closeAll(ctx, handles, "pending")

	c.mu.Lock()
	handles = handles[:0]
	for id, handle := range c.active {
		handles = append(handles, handle)
		delete(c.active, id)
	}
	c.mu.Unlock()
	c.closeAll(ctx, handles, "active")
}

func (c *Controller) closeAll(ctx context.Context, handles []browser.Handle, phase string) {
	if len(handles) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, handle := range handles {
		wg.Add(1)
		go func(h browser.Handle) {
			defer wg.Done()
			c.closeBrowser(ctx, h)
		}(handle)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.logger.Info("browsers closed",
			logging.String("phase", phase), logging.Int("count", len(handles)))
	case <-time.After(c.shutdownGrace):
		c.logger.Warn("browser close grace lapsed", logging.String("phase", phase))
	case <-ctx.Done():
		c.logger.Warn("browser close cancelled", logging.String("phase", phase))
	}
}

func (c *Controller) closeBrowser(ctx context.Context, handle browser.Handle) {
	if err := c.driver.Close(ctx, handle); err != nil {
		c.logger.Warn("browser close failed",
			logging.String("handle", string(handle)), logging.Error(err))
	}
}

func handshakeFailure(err error) Result {
	switch {
	case errors.Is(err, handshake.ErrInvalidToken):
		return Result{Status: 401, Body: map[string]any{"error": "Invalid or expired handshake token"}}
	case errors.Is(err, handshake.ErrUnauthorized):
		return Result{Status: 401, Body: map[string]any{"error": "Unauthorized"}}
	case errors.Is(err, handshake.ErrNonceMismatch):
		return Result{Status: 401, Body: map[string]any{"error": "Invalid nonce"}}
	case errors.Is(err, handshake.ErrInvalidCiphertext):
		return Result{Status: 400, Body: map[string]any{"error": "Invalid encrypted data"}}
	default:
		return Result{Status: 500, Body: map[string]any{"error": "Failed to start session"}}
	}
}
