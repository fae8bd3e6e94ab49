// Package principal defines the authenticated identity model for the
// gateway. An AuthContext is produced only by the authn resolver; nothing
// else in the codebase constructs one, so downstream code can trust that a
// non-zero context went through token verification (or the explicitly
// configured legacy escape hatch).
package principal

import (
	"time"
)

// Kind discriminates the variants of an AuthContext.
type Kind string

const (
	KindUser  Kind = "user"
	KindAdmin Kind = "admin"
)

// TokenType is the claim that binds a token to one verification scheme.
// A user token is never valid under the admin scheme and vice versa.
type TokenType string

const (
	TokenTypeUser  TokenType = "user"
	TokenTypeAdmin TokenType = "admin"
)

// TokenPayload is the decoded, verified content of a bearer token.
type TokenPayload struct {
	Subject   string
	Issuer    string
	TokenType TokenType
	Role      string // admin tokens only
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// AuthContext is a tagged variant: user, admin, or zero (unauthenticated).
// The tag is fixed at construction and never re-interpreted.
type AuthContext struct {
	kind    Kind
	userID  string
	adminID string
	role    string
}

// NewUserContext builds a user-scheme context.
func NewUserContext(userID string) AuthContext {
	return AuthContext{kind: KindUser, userID: userID}
}

// NewAdminContext builds an admin-scheme context.
func NewAdminContext(adminID, role string) AuthContext {
	return AuthContext{kind: KindAdmin, adminID: adminID, role: role}
}

// IsZero reports whether the context is unauthenticated.
func (c AuthContext) IsZero() bool {
	return c.kind == ""
}

func (c AuthContext) Kind() Kind {
	return c.kind
}

// UserID returns the user id and whether this is a user context.
func (c AuthContext) UserID() (string, bool) {
	if c.kind != KindUser {
		return "", false
	}
	return c.userID, true
}

// AdminID returns the admin id and whether this is an admin context.
func (c AuthContext) AdminID() (string, bool) {
	if c.kind != KindAdmin {
		return "", false
	}
	return c.adminID, true
}

// Role returns the admin role, empty for non-admin contexts.
func (c AuthContext) Role() string {
	if c.kind != KindAdmin {
		return ""
	}
	return c.role
}

// PrincipalID returns the subject id regardless of variant. Callers that
// need the variant should switch on Kind instead.
func (c AuthContext) PrincipalID() string {
	switch c.kind {
	case KindUser:
		return c.userID
	case KindAdmin:
		return c.adminID
	}
	return ""
}
