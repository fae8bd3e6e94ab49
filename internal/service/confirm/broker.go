// Package confirm implements the sensitive-operation confirmation broker.
// A handler that needs explicit human approval registers a pending entry,
// the connected clients are asked over the event stream, and the handler
// suspends until a verdict, a timeout, or caller cancellation. Exactly one
// of those paths completes any given confirmation: removal from the
// pending map is the single gate that decides the race.
package confirm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventConfirmRequest is broadcast to clients when approval is needed.
const EventConfirmRequest = "assistant.confirm.request"

var (
	// ErrNotFound: the requestId is unknown, already resolved, or expired.
	ErrNotFound = errors.New("pending confirmation not found")

	// ErrTimeout: nobody answered before the deadline. Distinct from an
	// explicit rejection so callers can tell "user said no" from "no
	// answer".
	ErrTimeout = errors.New("confirmation timed out")
)

// Level grades how sensitive the operation is, for display purposes.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelDanger  Level = "danger"
)

// RequestPayload is the wire shape of a confirmation request event.
type RequestPayload struct {
	RequestID   string `json:"requestId"`
	UserID      string `json:"userId"`
	Action      string `json:"action"`
	Description string `json:"description"`
	Level       Level  `json:"level"`
	TimeoutMS   int64  `json:"timeoutMs"`
}

// Broadcaster delivers an event to the connections of one user. A
// confirmation request is visible only to the user whose operation it
// gates, never to other tenants.
type Broadcaster interface {
	SendToUser(userID string, event string, payload interface{}) bool
}

type verdict struct {
	approved bool
	timedOut bool
}

type pendingEntry struct {
	payload   RequestPayload
	createdAt time.Time
	expiresAt time.Time
	timer     *time.Timer
	done      chan verdict // buffered; the winner of the gate writes once
}

// Broker manages pending confirmations.
type Broker struct {
	mu             sync.Mutex
	pending        map[string]*pendingEntry
	broadcaster    Broadcaster
	defaultTimeout time.Duration
	logger         *zap.Logger
}

func NewBroker(broadcaster Broadcaster, defaultTimeout time.Duration, logger *zap.Logger) *Broker {
	if defaultTimeout <= 0 {
		defaultTimeout = 60 * time.Second
	}
	return &Broker{
		pending:        make(map[string]*pendingEntry),
		broadcaster:    broadcaster,
		defaultTimeout: defaultTimeout,
		logger:         logger,
	}
}

// Request sends a confirmation request to userID's connections and blocks
// until it is approved, rejected, timed out, or the caller's context ends.
// Requests are sent in creation order; resolution is strictly by
// requestId, so out-of-order answers are fine.
func (b *Broker) Request(ctx context.Context, userID, action, description string, level Level, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}

	now := time.Now()
	entry := &pendingEntry{
		payload: RequestPayload{
			RequestID:   uuid.New().String(),
			UserID:      userID,
			Action:      action,
			Description: description,
			Level:       level,
			TimeoutMS:   timeout.Milliseconds(),
		},
		createdAt: now,
		expiresAt: now.Add(timeout),
		done:      make(chan verdict, 1),
	}
	requestID := entry.payload.RequestID

	b.mu.Lock()
	b.pending[requestID] = entry
	entry.timer = time.AfterFunc(timeout, func() {
		if won, e := b.take(requestID); won {
			e.done <- verdict{timedOut: true}
		}
	})
	b.mu.Unlock()

	b.logger.Info("confirmation requested",
		zap.String("request_id", requestID),
		zap.String("user_id", userID),
		zap.String("action", action),
		zap.String("level", string(level)),
		zap.Duration("timeout", timeout))

	if !b.broadcaster.SendToUser(userID, EventConfirmRequest, entry.payload) {
		// No connection to ask; the request stays pending until the
		// timeout in case the user reconnects.
		b.logger.Warn("confirmation request undeliverable",
			zap.String("request_id", requestID),
			zap.String("user_id", userID))
	}

	select {
	case v := <-entry.done:
		if v.timedOut {
			b.logger.Info("confirmation timed out", zap.String("request_id", requestID))
			return false, ErrTimeout
		}
		b.logger.Info("confirmation resolved",
			zap.String("request_id", requestID),
			zap.Bool("approved", v.approved))
		return v.approved, nil

	case <-ctx.Done():
		if won, e := b.take(requestID); won {
			e.timer.Stop()
			return false, ctx.Err()
		}
		// A resolution won the gate just before cancellation; honor it.
		v := <-entry.done
		if v.timedOut {
			return false, ErrTimeout
		}
		return v.approved, nil
	}
}

// Resolve delivers a client verdict. Unknown, already-resolved, and
// expired requestIds return ErrNotFound with no side effects — as does a
// resolver who is not the user the request belongs to, so one tenant can
// neither approve nor probe another's confirmations.
func (b *Broker) Resolve(requestID, userID string, approved bool) error {
	b.mu.Lock()
	entry, ok := b.pending[requestID]
	if !ok || entry.payload.UserID != userID {
		b.mu.Unlock()
		return ErrNotFound
	}
	delete(b.pending, requestID)
	b.mu.Unlock()

	entry.timer.Stop()
	entry.done <- verdict{approved: approved}
	return nil
}

// Pending returns a snapshot of unresolved confirmations, oldest first.
func (b *Broker) Pending() []RequestPayload {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]RequestPayload, 0, len(b.pending))
	entries := make([]*pendingEntry, 0, len(b.pending))
	for _, e := range b.pending {
		entries = append(entries, e)
	}
	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			if entries[j].createdAt.Before(entries[i].createdAt) {
				entries[i], entries[j] = entries[j], entries[i]
			}
		}
	}
	for _, e := range entries {
		out = append(out, e.payload)
	}
	return out
}

// Shutdown cancels every pending confirmation; waiters observe a timeout
// outcome.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	entries := b.pending
	b.pending = make(map[string]*pendingEntry)
	b.mu.Unlock()

	for _, e := range entries {
		e.timer.Stop()
		e.done <- verdict{timedOut: true}
	}
}

// take removes the entry from the pending map. The removal is the gate:
// whichever of resolve / timeout / cancellation removes the entry first
// owns its completion, and everyone else sees not-found.
func (b *Broker) take(requestID string) (bool, *pendingEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.pending[requestID]
	if !ok {
		return false, nil
	}
	delete(b.pending, requestID)
	return true, entry
}
