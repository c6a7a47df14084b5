// Package forward decides, per request, whether this instance serves a REST
// call locally or proxies it to the instance holding the target client's
// websocket. The decision is conservative: every proxy failure falls back to
// local handling, which at worst yields the same client-not-connected answer
// the caller would have gotten anyway.
package forward

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"foundryvtt/relay/internal/auth"
	"foundryvtt/relay/internal/clients"
	"foundryvtt/relay/internal/logging"
	"foundryvtt/relay/internal/session"
	"foundryvtt/relay/internal/store"
)

const defaultProxyTimeout = 10 * time.Second

// hopHeaders never cross the proxy boundary; the local response writer owns
// framing.
var hopHeaders = []string{"Connection", "Content-Length", "Transfer-Encoding"}

// FlyAddress builds the private-network address of a sibling instance on the
// Fly.io internal DNS scheme.
func FlyAddress(appName string, port int) func(instanceID string) string {
	return func(instanceID string) string {
		return fmt.Sprintf("http://%s.vm.%s.internal:%d", instanceID, appName, port)
	}
}

// ForwarderOptions configures the forwarding middleware.
type ForwarderOptions struct {
	Clients    *clients.Registry
	Sessions   *session.Registry
	Store      store.Store
	InstanceID string
	Signer     *auth.InternalSigner
	Address    func(instanceID string) string
	Timeout    time.Duration
	Logger     *logging.Logger
	Client     *http.Client
}

// Forwarder wraps REST handlers with the local-or-proxy decision.
type Forwarder struct {
	clients    *clients.Registry
	sessions   *session.Registry
	store      store.Store
	instanceID string
	signer     *auth.InternalSigner
	address    func(instanceID string) string
	logger     *logging.Logger
	client     *http.Client
}

// NewForwarder constructs the middleware using the provided options.
func NewForwarder(opts ForwarderOptions) *Forwarder {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultProxyTimeout
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &Forwarder{
		clients:    opts.Clients,
		sessions:   opts.Sessions,
		store:      opts.Store,
		instanceID: strings.TrimSpace(opts.InstanceID),
		signer:     opts.Signer,
		address:    opts.Address,
		logger:     logger,
		client:     client,
	}
}

// Middleware returns next wrapped with the forwarding decision.
func (f *Forwarder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, forwardable := f.decide(r)
		if !forwardable {
			next.ServeHTTP(w, r)
			return
		}
		//1.- Buffer the body so a failed proxy attempt can still replay the
		// request against the local handler.
		var body []byte
		if r.Body != nil {
			body, _ = io.ReadAll(r.Body)
			_ = r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))
		}
		if f.proxy(w, r, owner, body) {
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		//2.- Any proxy failure degrades to local handling rather than a
		// hard error; the local handler produces the authoritative
		// client-not-connected response if the client truly is elsewhere.
		next.ServeHTTP(w, r)
	})
}

// decide returns the owning instance id when the request targets a client
// that lives elsewhere.
func (f *Forwarder) decide(r *http.Request) (string, bool) {
	//1.- A verified internal hop is already at its destination; forwarding
	// again could bounce a request between instances forever.
	if token := r.Header.Get(auth.InternalTokenHeader); token != "" && f.signer != nil {
		if origin, err := f.signer.Verify(token); err == nil {
			f.logger.Debug("serving forwarded request",
				logging.String("origin_instance", origin),
				logging.String("path", r.URL.Path))
			return "", false
		}
		f.logger.Warn("unverifiable internal token, serving locally",
			logging.String("path", r.URL.Path))
		return "", false
	}

	apiKey := auth.APIKey(r)
	clientID := strings.TrimSpace(r.URL.Query().Get("clientId"))
	if apiKey == "" || clientID == "" {
		return "", false
	}

	//2.- Client attached here: serve locally and refresh session activity.
	if f.clients.Get(clientID) != nil {
		f.touch(r.Context(), apiKey)
		return "", false
	}

	//3.- Someone else owns the key's connection: forward to them.
	owner, err := f.store.Get(r.Context(), "apikey_instance:"+apiKey)
	if err != nil || owner == "" || owner == f.instanceID {
		return "", false
	}
	if f.address == nil || f.signer == nil {
		return "", false
	}
	return owner, true
}

func (f *Forwarder) touch(ctx context.Context, apiKey string) {
	if f.sessions == nil {
		return
	}
	if s, err := f.sessions.FindActiveByAPIKey(ctx, apiKey); err == nil {
		if err := f.sessions.Touch(ctx, s.ID); err != nil {
			f.logger.Debug("session activity refresh failed", logging.Error(err))
		}
	}
}

// proxy relays the request to owner, reporting whether a response was written.
func (f *Forwarder) proxy(w http.ResponseWriter, r *http.Request, owner string, body []byte) bool {
	target := f.address(owner) + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	ctx := r.Context()
	if f.client.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.client.Timeout)
		defer cancel()
	}
	outbound, err := http.NewRequestWithContext(ctx, r.Method, target, bytes.NewReader(body))
	if err != nil {
		f.logger.Warn("build forwarded request failed", logging.Error(err))
		return false
	}
	//1.- Copy headers except Host, which must name the target instance, and
	// sign the hop so the receiver can trust it without re-forwarding.
	for name, values := range r.Header {
		if strings.EqualFold(name, "Host") {
			continue
		}
		for _, value := range values {
			outbound.Header.Add(name, value)
		}
	}
	token, err := f.signer.Sign(f.instanceID)
	if err != nil {
		f.logger.Warn("sign forwarded request failed", logging.Error(err))
		return false
	}
	outbound.Header.Set(auth.InternalTokenHeader, token)

	resp, err := f.client.Do(outbound)
	if err != nil {
		f.logger.Warn("forward to instance failed",
			logging.String("owner_instance", owner), logging.Error(err))
		return false
	}
	defer resp.Body.Close()

	f.logger.Info("request forwarded",
		logging.String("owner_instance", owner),
		logging.String("path", r.URL.Path),
		logging.Int("status", resp.StatusCode))

	header := w.Header()
	for name, values := range resp.Header {
		if isHopHeader(name) {
			continue
		}
		for _, value := range values {
			header.Add(name, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		f.logger.Warn("stream forwarded response failed", logging.Error(err))
	}
	return true
}

func isHopHeader(name string) bool {
	for _, hop := range hopHeaders {
		if strings.EqualFold(name, hop) {
			return true
		}
	}
	return false
}
