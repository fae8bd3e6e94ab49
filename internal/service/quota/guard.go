// Package quota implements the per-user quota guard that sits in front of
// quota-tagged RPC methods. The guard owns the method→quota-type mapping
// and the allow/deny decision; usage state lives behind the Store
// interface so deployments can swap the backing service.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrStoreUnavailable distinguishes a backing-store failure from a
// legitimate quota rejection. It is never folded into "allowed": callers
// choose fail-open or fail-closed explicitly.
var ErrStoreUnavailable = errors.New("quota store unavailable")

// Type is a named resource dimension tracked independently per user.
type Type string

const (
	TypeAICalls        Type = "ai_calls"
	TypeTokens         Type = "tokens"
	TypeStorageBytes   Type = "storage_bytes"
	TypeSkillExecution Type = "skill_execution"
)

// Unlimited is the sentinel limit meaning no cap.
const Unlimited int64 = -1

// binding associates an RPC method with a quota type and the default
// amount one invocation consumes. Variable-cost methods use default 0 and
// pass the real amount to Record.
type binding struct {
	Type          Type
	DefaultAmount int64
}

var methodBindings = map[string]binding{
	"chat.send":     {TypeAICalls, 1},
	"chat.stream":   {TypeAICalls, 1},
	"agent.run":     {TypeAICalls, 1},
	"skill.execute": {TypeSkillExecution, 1},
	"file.upload":   {TypeStorageBytes, 0},
	"media.upload":  {TypeStorageBytes, 0},
}

// CheckResult is the outcome of a quota check.
type CheckResult struct {
	Allowed   bool      `json:"allowed"`
	Type      Type      `json:"quota_type"`
	Used      int64     `json:"used"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	Reason    string    `json:"reason,omitempty"`
	ResetsAt  time.Time `json:"resets_at,omitempty"`
}

// Usage is one entry of a per-user summary.
type Usage struct {
	Type      Type      `json:"quota_type"`
	Used      int64     `json:"used"`
	Limit     int64     `json:"limit"`
	ResetsAt  time.Time `json:"resets_at"`
}

// Store is the narrow contract to the backing quota service. Increments
// for the same user must be serialized by the store itself; the guard
// holds no usage state.
type Store interface {
	CheckQuota(ctx context.Context, userID string, t Type) (used, limit int64, resetsAt time.Time, err error)
	RecordUsage(ctx context.Context, userID string, t Type, amount int64) error
	GetSummary(ctx context.Context, userID string) ([]Usage, error)
}

// Guard decides whether a quota-tagged method may run and records
// consumption after it succeeds.
type Guard struct {
	store  Store
	logger *zap.Logger
}

func NewGuard(store Store, logger *zap.Logger) *Guard {
	return &Guard{store: store, logger: logger}
}

// Binding exposes the quota type for a method, false when the method is
// not quota-gated.
func Binding(method string) (Type, bool) {
	b, ok := methodBindings[method]
	return b.Type, ok
}

// Check reads current usage and the configured limit for the method's
// quota type. It returns (nil, nil) when the method is not quota-gated.
// used == limit is disallowed; only limit == -1 bypasses the comparison.
func (g *Guard) Check(ctx context.Context, userID, method string) (*CheckResult, error) {
	b, ok := methodBindings[method]
	if !ok {
		return nil, nil
	}

	used, limit, resetsAt, err := g.store.CheckQuota(ctx, userID, b.Type)
	if err != nil {
		g.logger.Error("quota store check failed",
			zap.String("user_id", userID),
			zap.String("method", method),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	result := &CheckResult{
		Type:     b.Type,
		Used:     used,
		Limit:    limit,
		ResetsAt: resetsAt,
	}
	if limit == Unlimited {
		result.Allowed = true
		result.Remaining = Unlimited
		return result, nil
	}

	result.Allowed = used < limit
	result.Remaining = limit - used
	if result.Remaining < 0 {
		result.Remaining = 0
	}
	if !result.Allowed {
		result.Reason = fmt.Sprintf("%s quota exhausted: %d of %d used", b.Type, used, limit)
	}
	return result, nil
}

// Record increments usage after the guarded operation succeeded. amount
// <= 0 uses the method's default; variable-cost callers pass the real
// amount. Methods that are not quota-gated are a no-op.
func (g *Guard) Record(ctx context.Context, userID, method string, amount int64) error {
	b, ok := methodBindings[method]
	if !ok {
		return nil
	}
	if amount <= 0 {
		amount = b.DefaultAmount
	}
	if amount == 0 {
		return nil
	}

	if err := g.store.RecordUsage(ctx, userID, b.Type, amount); err != nil {
		g.logger.Error("quota usage record failed",
			zap.String("user_id", userID),
			zap.String("method", method),
			zap.Int64("amount", amount),
			zap.Error(err))
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	g.logger.Debug("quota usage recorded",
		zap.String("user_id", userID),
		zap.String("quota_type", string(b.Type)),
		zap.Int64("amount", amount))
	return nil
}

// Summary returns the per-type usage for a user.
func (g *Guard) Summary(ctx context.Context, userID string) ([]Usage, error) {
	summary, err := g.store.GetSummary(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return summary, nil
}
