package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nexa-labs/assistant-gateway/internal/service/authn"
)

// SessionPrefix namespaces refresh-session keys in Redis.
const SessionPrefix = "session:"

// redisSessionStore implements authn.SessionStore. Each session is a TTL
// key; a per-principal set enables revoke-all. Redis TTL handles expiry.
type redisSessionStore struct {
	client *redis.Client
	tracer trace.Tracer
}

// NewRedisSessionStore creates a Redis-backed refresh-session store.
func NewRedisSessionStore(client *redis.Client) authn.SessionStore {
	return &redisSessionStore{
		client: client,
		tracer: otel.Tracer("infrastructure.cache.session"),
	}
}

func (s *redisSessionStore) Create(ctx context.Context, principalID string, ttl time.Duration) (string, error) {
	ctx, span := s.tracer.Start(ctx, "session.create",
		trace.WithAttributes(attribute.String("principal_id", principalID)))
	defer span.End()

	sessionID := uuid.New().String()
	key := s.key(sessionID)

	pipe := s.client.Pipeline()
	pipe.Set(ctx, key, principalID, ttl)
	pipe.SAdd(ctx, s.principalKey(principalID), sessionID)
	pipe.Expire(ctx, s.principalKey(principalID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to create session: %w", err)
	}

	span.SetAttributes(attribute.String("session_id", sessionID))
	return sessionID, nil
}

func (s *redisSessionStore) Validate(ctx context.Context, sessionID string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "session.validate")
	defer span.End()

	exists, err := s.client.Exists(ctx, s.key(sessionID)).Result()
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to check session: %w", err)
	}
	valid := exists > 0
	span.SetAttributes(attribute.Bool("valid", valid))
	return valid, nil
}

func (s *redisSessionStore) Revoke(ctx context.Context, sessionID string) error {
	ctx, span := s.tracer.Start(ctx, "session.revoke")
	defer span.End()

	key := s.key(sessionID)
	principalID, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to load session: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, s.principalKey(principalID), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

func (s *redisSessionStore) RevokeAll(ctx context.Context, principalID string) error {
	ctx, span := s.tracer.Start(ctx, "session.revoke_all",
		trace.WithAttributes(attribute.String("principal_id", principalID)))
	defer span.End()

	principalKey := s.principalKey(principalID)
	sessionIDs, err := s.client.SMembers(ctx, principalKey).Result()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	pipe := s.client.Pipeline()
	for _, sessionID := range sessionIDs {
		pipe.Del(ctx, s.key(sessionID))
	}
	pipe.Del(ctx, principalKey)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to revoke sessions: %w", err)
	}

	span.SetAttributes(attribute.Int("sessions_revoked", len(sessionIDs)))
	return nil
}

func (s *redisSessionStore) key(sessionID string) string {
	return SessionPrefix + sessionID
}

func (s *redisSessionStore) principalKey(principalID string) string {
	return fmt.Sprintf("%sprincipal:%s", SessionPrefix, principalID)
}
