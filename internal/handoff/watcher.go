package handoff

import (
	"context"
	"sync"
	"time"

	"foundryvtt/relay/internal/handshake"
	"foundryvtt/relay/internal/logging"
	"foundryvtt/relay/internal/session"
	"foundryvtt/relay/internal/store"
)

// WatcherOptions configures the hand-off watcher.
type WatcherOptions struct {
	Store       store.Store
	Handshakes  *handshake.Service
	Controller  *session.Controller
	Coordinator *Coordinator
	InstanceID  string
	Logger      *logging.Logger
	Interval    time.Duration
}

// Watcher scans for parked start-session requests whose handshake this
// instance issued, runs the start flow locally, and publishes the outcome.
type Watcher struct {
	store       store.Store
	handshakes  *handshake.Service
	controller  *session.Controller
	coordinator *Coordinator
	instanceID  string
	logger      *logging.Logger
	interval    time.Duration
	inFlight    sync.WaitGroup
}

// NewWatcher constructs a hand-off watcher using the provided options.
func NewWatcher(opts WatcherOptions) *Watcher {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Watcher{
		store:       opts.Store,
		handshakes:  opts.Handshakes,
		controller:  opts.Controller,
		coordinator: opts.Coordinator,
		instanceID:  opts.InstanceID,
		logger:      logger,
		interval:    interval,
	}
}

// Run scans on the configured interval until the context is cancelled. It
// only makes sense against a shared store; with the local fallback there is
// no second instance to hand anything off to.
func (w *Watcher) Run(ctx context.Context) {
	if !w.store.Shared() {
		w.logger.Info("handoff watcher idle, store is instance-local")
		return
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep dispatches every parked request this instance owns. Exported so a
// startup catch-up pass can run one scan before serving traffic. Each request
// runs the full start flow, which blocks for up to the client-attach window,
// so requests get their own goroutine; the delete claim in process keeps a
// later sweep from running the same token twice.
func (w *Watcher) Sweep(ctx context.Context) {
	keys, err := w.store.Scan(ctx, pendingKeyPrefix+"*")
	if err != nil {
		w.logger.Warn("handoff scan failed", logging.Error(err))
		return
	}
	for _, key := range keys {
		token := key[len(pendingKeyPrefix):]
		w.inFlight.Add(1)
		go func() {
			defer w.inFlight.Done()
			w.process(ctx, token)
		}()
	}
}

// Wait blocks until every dispatched request has finished, so a shutdown can
// let in-flight hand-offs publish their outcomes.
func (w *Watcher) Wait() {
	w.inFlight.Wait()
}

func (w *Watcher) process(ctx context.Context, token string) {
	//1.- Only the instance holding the handshake may run the flow; everyone
	// else leaves the parked request alone.
	record, err := w.handshakes.Peek(ctx, token)
	if err != nil {
		// Handshake gone: expired before anyone could act. The parked
		// request will expire on its own TTL.
		return
	}
	if record.InstanceID != w.instanceID {
		return
	}

	fields, err := w.store.HGetAll(ctx, pendingKey(token))
	if err != nil || len(fields) == 0 {
		return
	}
	//2.- Claim the parked request; losing the delete race means another
	// goroutine or a restarted twin got here first.
	removed, err := w.store.Delete(ctx, pendingKey(token))
	if err != nil || removed != 1 {
		return
	}

	w.logger.Info("processing handed-off session start",
		logging.String("token_prefix", tokenPrefix(token)))
	result := w.controller.StartSession(ctx, token, fields["apiKey"], fields["encryptedPassword"])
	if err := w.coordinator.Publish(ctx, token, result); err != nil {
		w.logger.Error("publish handoff result failed", logging.Error(err))
	}
}
