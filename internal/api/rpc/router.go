// Package rpc implements the gateway's method-dispatch surface. Every
// inbound call, whether it arrived over HTTP or a WebSocket frame, passes
// through the same pipeline: resolve an auth context, enforce quota for
// quota-tagged methods, run the handler, record consumption on success,
// and feed the outcome to the audit collaborator.
package rpc

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	apperrors "github.com/nexa-labs/assistant-gateway/internal/errors"
	"github.com/nexa-labs/assistant-gateway/internal/metrics"
	"github.com/nexa-labs/assistant-gateway/internal/service/audit"
	"github.com/nexa-labs/assistant-gateway/internal/service/authn"
	"github.com/nexa-labs/assistant-gateway/internal/service/quota"
	"github.com/nexa-labs/assistant-gateway/internal/service/risk"
)

// HandlerFunc handles one call. Returning an error produces a structured
// error response; anything that is not an AppError becomes INTERNAL_ERROR.
type HandlerFunc func(ctx context.Context, call *Call) (interface{}, error)

// AccessLevel states which principal a method requires.
type AccessLevel int

const (
	// AccessPublic methods run without an auth context (login, refresh).
	AccessPublic AccessLevel = iota
	// AccessUser methods require a user context.
	AccessUser
	// AccessAdmin methods require an admin context.
	AccessAdmin
)

type route struct {
	handler HandlerFunc
	access  AccessLevel
}

// Router owns the method table and the dispatch pipeline.
type Router struct {
	routes   map[string]route
	resolver *authn.Resolver
	guard    *quota.Guard
	auditor  *audit.Logger
	logger   *zap.Logger
	tracer   trace.Tracer
}

func NewRouter(resolver *authn.Resolver, guard *quota.Guard, auditor *audit.Logger, logger *zap.Logger) *Router {
	return &Router{
		routes:   make(map[string]route),
		resolver: resolver,
		guard:    guard,
		auditor:  auditor,
		logger:   logger,
		tracer:   otel.Tracer("api.rpc"),
	}
}

// Register adds a method to the table. Registering a duplicate method
// panics; the table is assembled once at startup.
func (r *Router) Register(method string, access AccessLevel, h HandlerFunc) {
	if _, exists := r.routes[method]; exists {
		panic("rpc: duplicate method " + method)
	}
	r.routes[method] = route{handler: h, access: access}
}

// Dispatch runs one call through the full pipeline and always returns a
// response; errors never escape as panics or nils.
func (r *Router) Dispatch(ctx context.Context, call *Call) *Response {
	started := time.Now()
	ctx, span := r.tracer.Start(ctx, "rpc.dispatch",
		trace.WithAttributes(attribute.String("rpc.method", call.Method)))
	defer span.End()

	resp := r.dispatch(ctx, call)

	outcome := "success"
	if resp.Error != nil {
		outcome = resp.Error.Code
		span.SetAttributes(attribute.String("rpc.error_code", resp.Error.Code))
	}
	metrics.RPCRequestsTotal.WithLabelValues(call.Method, outcome).Inc()
	metrics.RPCRequestDuration.WithLabelValues(call.Method).Observe(time.Since(started).Seconds())

	r.audit(ctx, call, resp)
	return resp
}

func (r *Router) dispatch(ctx context.Context, call *Call) *Response {
	rt, ok := r.routes[call.Method]
	if !ok {
		return errorResponse(call.ID, apperrors.NewRouteNotFoundError(call.Method))
	}

	if err := r.authenticate(call, rt.access); err != nil {
		return errorResponse(call.ID, err)
	}

	quotaCheck, err := r.checkQuota(ctx, call, rt.access)
	if err != nil {
		return errorResponse(call.ID, err)
	}

	result, err := rt.handler(ctx, call)
	if err != nil {
		return errorResponse(call.ID, err)
	}

	// Consumption is recorded only after the guarded operation succeeded.
	if quotaCheck != nil {
		userID, _ := call.Auth.UserID()
		if err := r.guard.Record(ctx, userID, call.Method, call.quotaAmount); err != nil {
			// The operation already succeeded; a recording failure is
			// logged but does not fail the call.
			r.logger.Error("quota record failed after success",
				zap.String("method", call.Method),
				zap.String("user_id", userID),
				zap.Error(err))
		}
	}

	return resultResponse(call.ID, result)
}

// authenticate resolves and attaches the auth context a route requires.
func (r *Router) authenticate(call *Call, access AccessLevel) error {
	switch access {
	case AccessPublic:
		return nil

	case AccessUser:
		authCtx, err := r.resolver.ResolveUser(call.Credentials)
		if err != nil {
			metrics.AuthFailuresTotal.WithLabelValues("user", "token").Inc()
			return apperrors.NewTokenInvalidError("invalid or expired token")
		}
		if authCtx.IsZero() {
			metrics.AuthFailuresTotal.WithLabelValues("user", "missing").Inc()
			return apperrors.NewUnauthorizedError("authentication required")
		}
		call.Auth = authCtx
		return nil

	case AccessAdmin:
		authCtx, err := r.resolver.ResolveAdmin(call.Credentials)
		if err != nil {
			metrics.AuthFailuresTotal.WithLabelValues("admin", "token").Inc()
			return apperrors.NewTokenInvalidError("invalid or expired token")
		}
		if authCtx.IsZero() {
			metrics.AuthFailuresTotal.WithLabelValues("admin", "missing").Inc()
			return apperrors.NewAdminUnauthorizedError("admin authentication required")
		}
		call.Auth = authCtx
		return nil
	}
	return nil
}

// checkQuota enforces quota for quota-tagged methods. Only user-scoped
// methods are quota-gated. A reachable store that says no yields
// QUOTA_EXCEEDED with a self-throttling payload; an unreachable store is
// an internal error, never a silent allow.
func (r *Router) checkQuota(ctx context.Context, call *Call, access AccessLevel) (*quota.CheckResult, error) {
	if access != AccessUser {
		return nil, nil
	}
	userID, ok := call.Auth.UserID()
	if !ok {
		return nil, nil
	}

	check, err := r.guard.Check(ctx, userID, call.Method)
	if err != nil {
		if errors.Is(err, quota.ErrStoreUnavailable) {
			return nil, apperrors.NewInternalError("quota service unavailable").WithCause(err)
		}
		return nil, err
	}
	if check == nil {
		return nil, nil
	}
	if !check.Allowed {
		metrics.QuotaRejectionsTotal.WithLabelValues(string(check.Type)).Inc()
		return nil, apperrors.NewQuotaExceededError(check.Reason).WithDetails(map[string]interface{}{
			"quotaType": check.Type,
			"used":      check.Used,
			"limit":     check.Limit,
			"remaining": check.Remaining,
			"resetsAt":  check.ResetsAt,
		})
	}
	return check, nil
}

// audit feeds the call outcome to the risk pipeline. Login and refresh
// bodies are not audited with params; only method, outcome, and principal.
func (r *Router) audit(ctx context.Context, call *Call, resp *Response) {
	category, action := splitMethod(call.Method)

	in := risk.Input{
		Category:  category,
		Action:    action,
		Result:    "success",
		IPAddress: call.RemoteIP,
	}
	if userID, ok := call.Auth.UserID(); ok {
		in.UserID = userID
	} else if adminID, ok := call.Auth.AdminID(); ok {
		in.UserID = adminID
	}
	if resp.Error != nil {
		in.Result = "failure"
		in.ErrorMessage = resp.Error.Message
	}

	r.auditor.Record(ctx, in)
}

func splitMethod(method string) (category, action string) {
	parts := strings.SplitN(method, ".", 2)
	if len(parts) == 1 {
		return "rpc", parts[0]
	}
	return parts[0], strings.ReplaceAll(parts[1], ".", "_")
}
