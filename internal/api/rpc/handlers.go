package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/nexa-labs/assistant-gateway/internal/errors"
	"github.com/nexa-labs/assistant-gateway/internal/infrastructure/auth"
	"github.com/nexa-labs/assistant-gateway/internal/metrics"
	"github.com/nexa-labs/assistant-gateway/internal/service/authn"
	"github.com/nexa-labs/assistant-gateway/internal/service/confirm"
	"github.com/nexa-labs/assistant-gateway/internal/service/quota"
)

// Detail codes carried inside INVALID_REQUEST errors so clients can react
// without parsing messages.
const (
	DetailUnauthorized         = "UNAUTHORIZED"
	DetailTokenInvalid         = "TOKEN_INVALID"
	DetailMFARequired          = "MFA_REQUIRED"
	DetailRateLimited          = "RATE_LIMITED"
	DetailConfirmationRejected = "CONFIRMATION_REJECTED"
	DetailConfirmationTimeout  = "CONFIRMATION_TIMEOUT"
)

// Skills whose execution requires an explicit human go-ahead from the
// connected client.
var sensitiveSkills = map[string]bool{
	"system.exec":     true,
	"fs.delete":       true,
	"browser.control": true,
}

// Handlers wires the gateway services to the RPC method table.
type Handlers struct {
	authSvc *authn.Service
	guard   *quota.Guard
	broker  *confirm.Broker
	logger  *zap.Logger
}

func NewHandlers(authSvc *authn.Service, guard *quota.Guard, broker *confirm.Broker, logger *zap.Logger) *Handlers {
	return &Handlers{
		authSvc: authSvc,
		guard:   guard,
		broker:  broker,
		logger:  logger,
	}
}

// Mount registers every method on the router.
func (h *Handlers) Mount(r *Router) {
	// Authentication surface.
	r.Register("auth.login", AccessPublic, h.Login)
	r.Register("auth.refreshToken", AccessPublic, h.RefreshToken)
	r.Register("auth.logout", AccessPublic, h.Logout)
	r.Register("auth.logoutAll", AccessUser, h.LogoutAll)
	r.Register("admin.login", AccessPublic, h.AdminLogin)
	r.Register("admin.refreshToken", AccessPublic, h.AdminRefreshToken)
	r.Register("admin.logout", AccessPublic, h.AdminLogout)
	r.Register("admin.logoutAll", AccessAdmin, h.LogoutAll)

	// Quota-tagged assistant surface.
	r.Register("chat.send", AccessUser, h.ChatSend)
	r.Register("chat.stream", AccessUser, h.ChatSend)
	r.Register("agent.run", AccessUser, h.AgentRun)
	r.Register("skill.execute", AccessUser, h.SkillExecute)
	r.Register("file.upload", AccessUser, h.FileUpload)
	r.Register("media.upload", AccessUser, h.FileUpload)

	// Quota introspection.
	r.Register("quota.summary", AccessUser, h.QuotaSummary)

	// Confirmation surface.
	r.Register("assistant.confirm.response", AccessUser, h.ConfirmResponse)
	r.Register("assistant.confirm.pending", AccessAdmin, h.ConfirmPending)
}

// --- authentication ---

type loginParams struct {
	Identifier string `json:"identifier" validate:"required"`
	Password   string `json:"password" validate:"required"`
	MFACode    string `json:"mfaCode"`
}

func (h *Handlers) Login(ctx context.Context, call *Call) (interface{}, error) {
	var p loginParams
	if err := call.Bind(&p); err != nil {
		return nil, err
	}

	pair, user, err := h.authSvc.Login(ctx, p.Identifier, p.Password, p.MFACode)
	if err != nil {
		return nil, loginError(err)
	}

	return map[string]interface{}{
		"accessToken":  pair.AccessToken,
		"refreshToken": pair.RefreshToken,
		"expiresIn":    pair.ExpiresIn,
		"principal": map[string]interface{}{
			"id":    user.ID,
			"email": user.Email,
		},
	}, nil
}

type adminLoginParams struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (h *Handlers) AdminLogin(ctx context.Context, call *Call) (interface{}, error) {
	var p adminLoginParams
	if err := call.Bind(&p); err != nil {
		return nil, err
	}

	pair, admin, err := h.authSvc.AdminLogin(ctx, p.Username, p.Password)
	if err != nil {
		return nil, loginError(err)
	}

	return map[string]interface{}{
		"accessToken":  pair.AccessToken,
		"refreshToken": pair.RefreshToken,
		"expiresIn":    pair.ExpiresIn,
		"principal": map[string]interface{}{
			"id":       admin.ID,
			"username": admin.Username,
			"role":     admin.Role,
		},
	}, nil
}

func loginError(err error) error {
	switch {
	case errors.Is(err, authn.ErrMFARequired):
		return apperrors.NewValidationError(apperrors.CodeInvalidRequest, "mfa code required").
			WithDetails(map[string]interface{}{"code": DetailMFARequired})
	case errors.Is(err, authn.ErrBadCredentials):
		return apperrors.NewValidationError(apperrors.CodeInvalidRequest, "invalid credentials").
			WithDetails(map[string]interface{}{"code": DetailUnauthorized})
	case errors.Is(err, authn.ErrTooManyAttempts):
		return apperrors.NewValidationError(apperrors.CodeInvalidRequest, "too many login attempts").
			WithDetails(map[string]interface{}{"code": DetailRateLimited})
	default:
		return apperrors.NewInternalError("login failed").WithCause(err)
	}
}

type refreshParams struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

func (h *Handlers) RefreshToken(ctx context.Context, call *Call) (interface{}, error) {
	return h.refresh(ctx, call, auth.SchemeUser)
}

func (h *Handlers) AdminRefreshToken(ctx context.Context, call *Call) (interface{}, error) {
	return h.refresh(ctx, call, auth.SchemeAdmin)
}

func (h *Handlers) refresh(ctx context.Context, call *Call, scheme auth.SchemeID) (interface{}, error) {
	var p refreshParams
	if err := call.Bind(&p); err != nil {
		return nil, err
	}

	pair, err := h.authSvc.Refresh(ctx, scheme, p.RefreshToken)
	if err != nil {
		return nil, apperrors.NewValidationError(apperrors.CodeInvalidRequest, "invalid refresh token").
			WithDetails(map[string]interface{}{"code": DetailTokenInvalid})
	}

	return map[string]interface{}{
		"accessToken":  pair.AccessToken,
		"refreshToken": pair.RefreshToken,
		"expiresIn":    pair.ExpiresIn,
	}, nil
}

func (h *Handlers) Logout(ctx context.Context, call *Call) (interface{}, error) {
	return h.logout(ctx, call, auth.SchemeUser)
}

func (h *Handlers) AdminLogout(ctx context.Context, call *Call) (interface{}, error) {
	return h.logout(ctx, call, auth.SchemeAdmin)
}

// logout always succeeds; revocation failures are swallowed by the
// service layer.
func (h *Handlers) logout(ctx context.Context, call *Call, scheme auth.SchemeID) (interface{}, error) {
	var p refreshParams
	if err := call.Bind(&p); err == nil {
		h.authSvc.Logout(ctx, scheme, p.RefreshToken)
	}
	return map[string]interface{}{"success": true}, nil
}

func (h *Handlers) LogoutAll(ctx context.Context, call *Call) (interface{}, error) {
	err := h.authSvc.LogoutAll(ctx, call.Auth.PrincipalID())
	return map[string]interface{}{"success": err == nil}, nil
}

// --- assistant surface ---

type chatSendParams struct {
	Message string `json:"message" validate:"required"`
	ChatID  string `json:"chatId"`
}

func (h *Handlers) ChatSend(ctx context.Context, call *Call) (interface{}, error) {
	var p chatSendParams
	if err := call.Bind(&p); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"messageId": uuid.New().String(),
		"status":    "queued",
	}, nil
}

type agentRunParams struct {
	AgentID string                 `json:"agentId" validate:"required"`
	Input   map[string]interface{} `json:"input"`
}

func (h *Handlers) AgentRun(ctx context.Context, call *Call) (interface{}, error) {
	var p agentRunParams
	if err := call.Bind(&p); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"runId":  uuid.New().String(),
		"status": "started",
	}, nil
}

type skillExecuteParams struct {
	Skill string                 `json:"skill" validate:"required"`
	Args  map[string]interface{} `json:"args"`
}

// SkillExecute runs a skill; sensitive skills first require an explicit
// human confirmation from the connected client.
func (h *Handlers) SkillExecute(ctx context.Context, call *Call) (interface{}, error) {
	var p skillExecuteParams
	if err := call.Bind(&p); err != nil {
		return nil, err
	}

	if sensitiveSkills[p.Skill] {
		userID, _ := call.Auth.UserID()
		approved, err := h.broker.Request(ctx, userID, p.Skill,
			fmt.Sprintf("Allow execution of skill %q?", p.Skill),
			confirm.LevelDanger, 0)
		if err != nil {
			if errors.Is(err, confirm.ErrTimeout) {
				metrics.ConfirmationsTotal.WithLabelValues("timeout").Inc()
				return nil, apperrors.NewValidationError(apperrors.CodeInvalidRequest, "confirmation timed out").
					WithDetails(map[string]interface{}{"code": DetailConfirmationTimeout})
			}
			return nil, apperrors.NewInternalError("confirmation failed").WithCause(err)
		}
		if !approved {
			metrics.ConfirmationsTotal.WithLabelValues("rejected").Inc()
			return nil, apperrors.NewValidationError(apperrors.CodeInvalidRequest, "confirmation rejected").
				WithDetails(map[string]interface{}{"code": DetailConfirmationRejected})
		}
		metrics.ConfirmationsTotal.WithLabelValues("approved").Inc()
	}

	return map[string]interface{}{
		"executionId": uuid.New().String(),
		"status":      "completed",
	}, nil
}

type fileUploadParams struct {
	Filename  string `json:"filename" validate:"required"`
	SizeBytes int64  `json:"sizeBytes" validate:"required,gt=0"`
}

// FileUpload is a variable-cost quota method: consumption equals the
// uploaded byte count, not the per-call default.
func (h *Handlers) FileUpload(ctx context.Context, call *Call) (interface{}, error) {
	var p fileUploadParams
	if err := call.Bind(&p); err != nil {
		return nil, err
	}
	call.ConsumeQuota(p.SizeBytes)

	return map[string]interface{}{
		"fileId":   uuid.New().String(),
		"received": p.SizeBytes,
	}, nil
}

func (h *Handlers) QuotaSummary(ctx context.Context, call *Call) (interface{}, error) {
	userID, _ := call.Auth.UserID()
	summary, err := h.guard.Summary(ctx, userID)
	if err != nil {
		return nil, apperrors.NewInternalError("quota service unavailable").WithCause(err)
	}
	return map[string]interface{}{"quotas": summary}, nil
}

// --- confirmations ---

type confirmResponseParams struct {
	RequestID string `json:"requestId" validate:"required"`
	Approved  *bool  `json:"approved" validate:"required"`
}

func (h *Handlers) ConfirmResponse(ctx context.Context, call *Call) (interface{}, error) {
	var p confirmResponseParams
	if err := call.Bind(&p); err != nil {
		return nil, err
	}

	// Only the user whose operation is gated may answer; anyone else sees
	// not-found, indistinguishable from an unknown requestId.
	userID, _ := call.Auth.UserID()
	if err := h.broker.Resolve(p.RequestID, userID, *p.Approved); err != nil {
		return nil, apperrors.NewNotFoundError("pending confirmation")
	}
	return map[string]interface{}{"success": true}, nil
}

func (h *Handlers) ConfirmPending(ctx context.Context, call *Call) (interface{}, error) {
	return map[string]interface{}{"pending": h.broker.Pending()}, nil
}
