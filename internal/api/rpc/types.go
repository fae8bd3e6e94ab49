package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/nexa-labs/assistant-gateway/internal/domain/principal"
	apperrors "github.com/nexa-labs/assistant-gateway/internal/errors"
	"github.com/nexa-labs/assistant-gateway/internal/service/authn"
)

// Request is the wire envelope of one RPC call, carried identically over
// HTTP POST and WebSocket frames.
type Request struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the wire envelope of one RPC result.
type Response struct {
	ID     string      `json:"id,omitempty"`
	Result interface{} `json:"result,omitempty"`
	Error  *ErrorBody  `json:"error,omitempty"`
}

// ErrorBody is the structured error payload.
type ErrorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Call is one in-flight RPC invocation: the envelope plus everything the
// transport learned about the caller.
type Call struct {
	ID     string
	Method string
	Params json.RawMessage

	// Credentials as extracted at the transport boundary.
	Credentials authn.Credentials

	// Auth is populated by the router before the handler runs, for
	// methods that require authentication.
	Auth principal.AuthContext

	// RemoteIP feeds risk evaluation.
	RemoteIP string

	// ConnectionID is the WebSocket connection, zero for plain HTTP.
	ConnectionID uuid.UUID

	// quotaAmount overrides the method's default consumption for
	// variable-cost operations.
	quotaAmount int64
}

// ConsumeQuota sets the amount recorded against the caller's quota when
// the handler succeeds. Used by variable-cost methods such as uploads.
func (c *Call) ConsumeQuota(amount int64) {
	c.quotaAmount = amount
}

// validate is shared; a validator.Validate is stateless after construction.
var validate = validator.New()

// Bind unmarshals and validates the call's params into v. The request
// schema is checked once here at the boundary; handlers work with typed
// values only.
func (c *Call) Bind(v interface{}) error {
	if len(c.Params) == 0 {
		return apperrors.NewValidationError(apperrors.CodeInvalidRequest, "missing params")
	}
	if err := json.Unmarshal(c.Params, v); err != nil {
		return apperrors.NewValidationError(apperrors.CodeInvalidRequest,
			fmt.Sprintf("malformed params: %v", err))
	}
	if err := validate.Struct(v); err != nil {
		return apperrors.NewValidationError(apperrors.CodeInvalidRequest,
			fmt.Sprintf("invalid params: %v", err))
	}
	return nil
}

// errorResponse builds a Response from an error, mapping AppErrors to
// their structured codes and everything else to INTERNAL_ERROR.
func errorResponse(id string, err error) *Response {
	body := &ErrorBody{
		Code:    apperrors.GetCode(err),
		Message: "An internal error occurred",
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		body.Message = appErr.Message
		body.Details = appErr.Details
	}
	return &Response{ID: id, Error: body}
}

// resultResponse builds a success Response.
func resultResponse(id string, result interface{}) *Response {
	return &Response{ID: id, Result: result}
}
