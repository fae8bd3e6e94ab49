package websocket

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nexa-labs/assistant-gateway/internal/domain/principal"
)

// ErrAlreadyAuthenticated: a connection is authenticated at most once per
// session; re-authentication requires a new connection.
var ErrAlreadyAuthenticated = errors.New("connection already authenticated")

// ErrConnectionNotFound: the connection id is unknown or already detached.
var ErrConnectionNotFound = errors.New("connection not found")

// Sender delivers one event frame to a single connection.
type Sender interface {
	Send(event string, payload interface{}) error
}

// ConnectionRecord is the registry's view of one live connection.
// Capabilities and presence key are fixed at handshake; Auth is populated
// at most once.
type ConnectionRecord struct {
	ID           uuid.UUID
	Auth         principal.AuthContext
	Capabilities []string
	PresenceKey  string
}

// HasCapability reports whether the connection declared a capability at
// handshake.
func (r ConnectionRecord) HasCapability(name string) bool {
	for _, c := range r.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

type connEntry struct {
	record ConnectionRecord
	sender Sender
}

// Registry tracks live connections and the AuthContext attached to each
// after handshake. It owns ConnectionRecord state exclusively: records
// mutate only on handshake-complete and on disconnect.
type Registry struct {
	mu     sync.RWMutex
	conns  map[uuid.UUID]*connEntry
	logger *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		conns:  make(map[uuid.UUID]*connEntry),
		logger: logger,
	}
}

// Register creates an unauthenticated record for a new transport
// connection.
func (r *Registry) Register(id uuid.UUID, sender Sender) {
	r.mu.Lock()
	r.conns[id] = &connEntry{
		record: ConnectionRecord{ID: id},
		sender: sender,
	}
	total := len(r.conns)
	r.mu.Unlock()

	r.logger.Info("connection registered",
		zap.String("connection_id", id.String()),
		zap.Int("total_connections", total))
}

// Attach populates the authenticated fields after a successful handshake.
// Capabilities and presence key are immutable from here on.
func (r *Registry) Attach(id uuid.UUID, auth principal.AuthContext, capabilities []string, presenceKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.conns[id]
	if !ok {
		return ErrConnectionNotFound
	}
	if !entry.record.Auth.IsZero() {
		return ErrAlreadyAuthenticated
	}

	entry.record.Auth = auth
	entry.record.Capabilities = append([]string(nil), capabilities...)
	entry.record.PresenceKey = presenceKey
	return nil
}

// Get returns a copy of the record for a connection.
func (r *Registry) Get(id uuid.UUID) (ConnectionRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.conns[id]
	if !ok {
		return ConnectionRecord{}, false
	}
	return entry.record, true
}

// Detach removes a connection. Safe to call for unknown ids.
func (r *Registry) Detach(id uuid.UUID) {
	r.mu.Lock()
	_, ok := r.conns[id]
	delete(r.conns, id)
	total := len(r.conns)
	r.mu.Unlock()

	if ok {
		r.logger.Info("connection detached",
			zap.String("connection_id", id.String()),
			zap.Int("total_connections", total))
	}
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Broadcast sends an event to every authenticated connection.
func (r *Registry) Broadcast(event string, payload interface{}) {
	r.BroadcastWhere(event, payload, nil)
}

// BroadcastWhere sends an event to every authenticated connection the
// predicate accepts (nil accepts all). A connection detached mid-broadcast
// is simply skipped; send failures are logged, never fatal.
func (r *Registry) BroadcastWhere(event string, payload interface{}, predicate func(ConnectionRecord) bool) {
	r.mu.RLock()
	targets := make([]*connEntry, 0, len(r.conns))
	for _, entry := range r.conns {
		if entry.record.Auth.IsZero() {
			continue
		}
		if predicate != nil && !predicate(entry.record) {
			continue
		}
		targets = append(targets, entry)
	}
	r.mu.RUnlock()

	for _, entry := range targets {
		if err := entry.sender.Send(event, payload); err != nil {
			r.logger.Warn("broadcast send failed",
				zap.String("connection_id", entry.record.ID.String()),
				zap.String("event", event),
				zap.Error(err))
		}
	}
}

// SendToUser delivers an event to every connection authenticated as the
// given user.
func (r *Registry) SendToUser(userID string, event string, payload interface{}) bool {
	sent := false
	r.BroadcastWhere(event, payload, func(rec ConnectionRecord) bool {
		id, ok := rec.Auth.UserID()
		match := ok && id == userID
		if match {
			sent = true
		}
		return match
	})
	return sent
}
