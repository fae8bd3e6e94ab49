package websocket

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nexa-labs/assistant-gateway/internal/domain/principal"
)

type recordingSender struct {
	mu     sync.Mutex
	events []string
	fail   error
}

func (s *recordingSender) Send(event string, payload interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func attachUser(t *testing.T, r *Registry, userID string, caps ...string) (uuid.UUID, *recordingSender) {
	t.Helper()
	id := uuid.New()
	sender := &recordingSender{}
	r.Register(id, sender)
	require.NoError(t, r.Attach(id, principal.NewUserContext(userID), caps, ""))
	return id, sender
}

func TestRegistry_AttachOnce(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	id := uuid.New()
	r.Register(id, &recordingSender{})

	require.NoError(t, r.Attach(id, principal.NewUserContext("user-1"), []string{"chat"}, "desk"))

	// A second attach must not replace the identity.
	err := r.Attach(id, principal.NewUserContext("user-2"), nil, "")
	assert.ErrorIs(t, err, ErrAlreadyAuthenticated)

	rec, ok := r.Get(id)
	require.True(t, ok)
	userID, _ := rec.Auth.UserID()
	assert.Equal(t, "user-1", userID)
	assert.Equal(t, "desk", rec.PresenceKey)
}

func TestRegistry_AttachUnknownConnection(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	err := r.Attach(uuid.New(), principal.NewUserContext("user-1"), nil, "")
	assert.ErrorIs(t, err, ErrConnectionNotFound)
}

func TestRegistry_CapabilitiesImmutable(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	caps := []string{"chat", "confirm"}
	id, _ := attachUser(t, r, "user-1", caps...)

	// Mutating the caller's slice must not leak into the record.
	caps[0] = "mutated"

	rec, ok := r.Get(id)
	require.True(t, ok)
	assert.True(t, rec.HasCapability("chat"))
	assert.True(t, rec.HasCapability("confirm"))
	assert.False(t, rec.HasCapability("mutated"))
}

func TestRegistry_Detach(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	id, _ := attachUser(t, r, "user-1")

	assert.Equal(t, 1, r.Count())
	r.Detach(id)
	assert.Equal(t, 0, r.Count())

	_, ok := r.Get(id)
	assert.False(t, ok)

	// Detaching twice is safe.
	r.Detach(id)
}

func TestRegistry_BroadcastSkipsUnauthenticated(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	_, authed := attachUser(t, r, "user-1")

	anon := &recordingSender{}
	r.Register(uuid.New(), anon)

	r.Broadcast("notice", map[string]string{"msg": "hi"})

	assert.Equal(t, 1, authed.count())
	assert.Equal(t, 0, anon.count())
}

func TestRegistry_BroadcastToleratesFailedSend(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	_, healthy := attachUser(t, r, "user-1")

	id := uuid.New()
	broken := &recordingSender{fail: errors.New("connection reset")}
	r.Register(id, broken)
	require.NoError(t, r.Attach(id, principal.NewUserContext("user-2"), nil, ""))

	// One broken connection never stops delivery to the rest.
	r.Broadcast("notice", nil)
	assert.Equal(t, 1, healthy.count())
}

func TestRegistry_BroadcastWithConcurrentDetach(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	ids := make([]uuid.UUID, 0, 50)
	for i := 0; i < 50; i++ {
		id, _ := attachUser(t, r, "user-1")
		ids = append(ids, id)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			r.Broadcast("tick", i)
		}
	}()
	go func() {
		defer wg.Done()
		for _, id := range ids {
			r.Detach(id)
		}
	}()
	wg.Wait()

	assert.Equal(t, 0, r.Count())
}

func TestRegistry_SendToUser(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	_, mine1 := attachUser(t, r, "user-1")
	_, mine2 := attachUser(t, r, "user-1")
	_, other := attachUser(t, r, "user-2")

	sent := r.SendToUser("user-1", "confirm", nil)
	assert.True(t, sent)
	assert.Equal(t, 1, mine1.count())
	assert.Equal(t, 1, mine2.count())
	assert.Equal(t, 0, other.count())

	assert.False(t, r.SendToUser("nobody", "confirm", nil))
}

func TestRegistry_BroadcastWhere(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	_, plain := attachUser(t, r, "user-1")
	_, confirmer := attachUser(t, r, "user-2", "confirm")

	r.BroadcastWhere("assistant.confirm.request", nil, func(rec ConnectionRecord) bool {
		return rec.HasCapability("confirm")
	})

	assert.Equal(t, 0, plain.count())
	assert.Equal(t, 1, confirmer.count())
}
