package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"foundryvtt/relay/internal/logging"
)

const (
	sendBufferSize  = 256
	writeDeadline   = 10 * time.Second
	closeBadClient  = 4000
	closeMissingKey = 4001
)

// identifyMessage is the first frame a client sends after attaching, carrying
// its world and system metadata.
type identifyMessage struct {
	Type string   `json:"type"`
	Data Metadata `json:"data"`
}

// SocketHandler upgrades /relay requests and feeds connections into the registry.
type SocketHandler struct {
	registry     *Registry
	logger       *logging.Logger
	pingInterval time.Duration
	upgrader     websocket.Upgrader
}

// NewSocketHandler constructs the relay WebSocket endpoint handler.
func NewSocketHandler(registry *Registry, logger *logging.Logger, pingInterval time.Duration) *SocketHandler {
	if logger == nil {
		logger = logging.L()
	}
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &SocketHandler{
		registry:     registry,
		logger:       logger,
		pingInterval: pingInterval,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements http.Handler for the /relay endpoint.
func (h *SocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	apiKey := strings.TrimSpace(r.URL.Query().Get("token"))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", logging.Error(err))
		return
	}
	if !ValidClientID(id) {
		h.reject(conn, closeBadClient, "client id must match foundry-{userId}")
		return
	}
	if apiKey == "" {
		h.reject(conn, closeMissingKey, "missing api key token")
		return
	}

	client := &Client{
		id:     id,
		apiKey: apiKey,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
	}
	if previous := h.registry.Register(r.Context(), client); previous != nil {
		h.logger.Info("replaced existing client connection", logging.String("client_id", id))
	}
	h.logger.Info("client attached", logging.String("client_id", id))

	go h.readLoop(client)
	go h.writeLoop(client)
}

func (h *SocketHandler) reject(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeDeadline)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

// readLoop consumes inbound frames. The only frame the coordination core acts
// on is the identify message; everything else is relay traffic handled by the
// wider REST surface.
func (h *SocketHandler) readLoop(client *Client) {
	defer func() {
		h.registry.Remove(context.Background(), client)
		client.close()
		h.logger.Info("client detached", logging.String("client_id", client.id))
	}()
	for {
		_, payload, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg identifyMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		if msg.Type == "identify" {
			h.registry.announce(context.Background(), client, msg.Data)
			h.logger.Debug("client identified",
				logging.String("client_id", client.id),
				logging.String("world", msg.Data.WorldTitle))
		}
	}
}

func (h *SocketHandler) writeLoop(client *Client) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		client.close()
	}()
	for {
		select {
		case payload, ok := <-client.send:
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := client.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := client.conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		}
	}
}
