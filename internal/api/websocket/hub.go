// Package websocket carries the event stream and the RPC surface over a
// persistent connection. Each connection authenticates at most once via an
// auth frame; every other frame is dispatched through the same RPC router
// the HTTP transport uses.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nexa-labs/assistant-gateway/internal/api/rpc"
	apperrors "github.com/nexa-labs/assistant-gateway/internal/errors"
	"github.com/nexa-labs/assistant-gateway/internal/metrics"
	"github.com/nexa-labs/assistant-gateway/internal/service/authn"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 64

	// Per-connection inbound frame budget.
	messagesPerSecond = 20
	messageBurst      = 40
)

var (
	// ErrSendBufferFull: the connection's outbound queue is saturated.
	ErrSendBufferFull = errors.New("send buffer full")

	// ErrConnectionClosed: the connection detached; a broadcaster holding
	// a stale snapshot gets this instead of a panic.
	ErrConnectionClosed = errors.New("connection closed")
)

// Frame is the inbound wire envelope. Type "auth" performs the handshake;
// any other frame is an RPC request.
type Frame struct {
	Type string `json:"type,omitempty"`

	// Handshake fields.
	Token        string   `json:"token,omitempty"`
	UserID       string   `json:"userId,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	PresenceKey  string   `json:"presenceKey,omitempty"`

	// RPC fields.
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// eventFrame is the outbound envelope for server-initiated events.
type eventFrame struct {
	Type    string      `json:"type"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// Handler upgrades HTTP requests and owns the per-connection lifecycle.
type Handler struct {
	upgrader websocket.Upgrader
	registry *Registry
	router   *rpc.Router
	resolver *authn.Resolver
	logger   *zap.Logger
}

func NewHandler(registry *Registry, router *rpc.Router, resolver *authn.Resolver, logger *zap.Logger) *Handler {
	return &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from the assistant frontends; origin
			// policy is enforced at the edge.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		registry: registry,
		router:   router,
		resolver: resolver,
		logger:   logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	// Per-connection context: RPC calls in flight when the client drops
	// (a pending confirmation, say) are cancelled instead of running out
	// their timeouts. Deliberately not derived from r.Context(), which
	// ends when ServeHTTP returns.
	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		id:       uuid.New(),
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		handler:  h,
		remoteIP: rpc.ClientIP(r),
		limiter:  rate.NewLimiter(rate.Limit(messagesPerSecond), messageBurst),
		ctx:      ctx,
		cancel:   cancel,
	}

	h.registry.Register(client.id, client)
	metrics.ActiveConnections.Inc()

	go client.writePump()
	go client.readPump()
}

// Client is one live connection. Writes are funneled through the send
// channel; the write pump is the only goroutine touching the socket for
// writes.
type Client struct {
	id       uuid.UUID
	conn     *websocket.Conn
	send     chan []byte
	handler  *Handler
	remoteIP string
	limiter  *rate.Limiter
	ctx      context.Context
	cancel   context.CancelFunc

	// mu guards closed and creds. The send channel is closed exactly
	// once, under the lock, and nobody writes to it after closed is set;
	// a broadcast racing a disconnect sees ErrConnectionClosed, not a
	// panic.
	mu     sync.Mutex
	closed bool

	// creds are captured at handshake and replayed on every RPC frame so
	// the router re-verifies the token each call.
	creds authn.Credentials
}

func (c *Client) setCredentials(creds authn.Credentials) {
	c.mu.Lock()
	c.creds = creds
	c.mu.Unlock()
}

func (c *Client) credentials() authn.Credentials {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds
}

// Send implements the registry Sender: it enqueues an event frame without
// blocking the broadcaster.
func (c *Client) Send(event string, payload interface{}) error {
	data, err := json.Marshal(eventFrame{Type: "event", Event: event, Payload: payload})
	if err != nil {
		return err
	}
	return c.trySend(data)
}

func (c *Client) trySend(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *Client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.handler.logger.Warn("websocket read error",
					zap.String("connection_id", c.id.String()),
					zap.Error(err))
			}
			return
		}

		if !c.limiter.Allow() {
			c.sendError("", apperrors.CodeInvalidRequest, "rate limited")
			continue
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError("", apperrors.CodeInvalidRequest, "malformed frame")
			continue
		}

		switch {
		case frame.Type == "auth":
			c.handleAuth(frame)
		case frame.Method != "":
			// Dispatch off the read loop so a blocking call (a pending
			// confirmation, say) cannot stop the loop from observing a
			// disconnect and cancelling the connection context.
			go c.handleRPC(frame)
		default:
			c.sendError(frame.ID, apperrors.CodeInvalidRequest, "frame requires a type or method")
		}
	}
}

// handleAuth performs the at-most-once handshake: resolve credentials,
// attach the resulting context to the registry, and acknowledge.
func (c *Client) handleAuth(frame Frame) {
	creds := authn.Credentials{
		BearerToken:  frame.Token,
		LegacyUserID: frame.UserID,
	}

	authCtx, err := c.handler.resolver.ResolveUser(creds)
	if err != nil {
		metrics.AuthFailuresTotal.WithLabelValues("user", "token").Inc()
		c.sendError("", apperrors.CodeTokenInvalid, "invalid or expired token")
		return
	}
	if authCtx.IsZero() {
		metrics.AuthFailuresTotal.WithLabelValues("user", "missing").Inc()
		c.sendError("", apperrors.CodeUnauthorized, "authentication required")
		return
	}

	if err := c.handler.registry.Attach(c.id, authCtx, frame.Capabilities, frame.PresenceKey); err != nil {
		c.sendError("", apperrors.CodeInvalidRequest, err.Error())
		return
	}
	c.setCredentials(creds)

	ack, _ := json.Marshal(map[string]interface{}{
		"type":         "auth.ok",
		"connectionId": c.id.String(),
	})
	c.enqueue(ack)
}

// handleRPC dispatches a request frame through the shared router. Frames
// sent before the handshake carry empty credentials, so only public
// methods succeed.
func (c *Client) handleRPC(frame Frame) {
	call := &rpc.Call{
		ID:           frame.ID,
		Method:       frame.Method,
		Params:       frame.Params,
		Credentials:  c.credentials(),
		RemoteIP:     c.remoteIP,
		ConnectionID: c.id,
	}

	resp := c.handler.router.Dispatch(c.ctx, call)
	data, err := json.Marshal(resp)
	if err != nil {
		c.handler.logger.Error("response marshal failed",
			zap.String("method", frame.Method), zap.Error(err))
		return
	}
	c.enqueue(data)
}

func (c *Client) sendError(id, code, message string) {
	data, _ := json.Marshal(rpc.Response{
		ID:    id,
		Error: &rpc.ErrorBody{Code: code, Message: message},
	})
	c.enqueue(data)
}

func (c *Client) enqueue(data []byte) {
	if err := c.trySend(data); err != nil {
		c.handler.logger.Warn("dropping frame",
			zap.String("connection_id", c.id.String()),
			zap.Error(err))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) close() {
	c.cancel()
	c.handler.registry.Detach(c.id)
	metrics.ActiveConnections.Dec()
	c.closeSend()
	c.conn.Close()
}

// closeSend marks the client closed and shuts the send channel down,
// stopping the write pump. Senders that lost the race get
// ErrConnectionClosed from trySend.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}
