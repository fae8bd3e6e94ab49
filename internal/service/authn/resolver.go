package authn

import (
	"errors"

	"github.com/nexa-labs/assistant-gateway/internal/domain/principal"
	"github.com/nexa-labs/assistant-gateway/internal/infrastructure/auth"
)

// Credentials are the authentication-bearing fields of an inbound request
// or WebSocket handshake, extracted once at the transport boundary.
type Credentials struct {
	// BearerToken is the raw token from the Authorization header or
	// handshake payload, empty when none was supplied.
	BearerToken string

	// LegacyUserID is the plain userId parameter some internal callers
	// still send instead of a token.
	LegacyUserID string
}

// Resolver turns request credentials into an AuthContext. Both resolve
// methods are pure functions of their input and the codec; they have no
// side effects.
type Resolver struct {
	codec             *auth.Codec
	allowLegacyUserID bool
}

func NewResolver(codec *auth.Codec, allowLegacyUserID bool) *Resolver {
	return &Resolver{codec: codec, allowLegacyUserID: allowLegacyUserID}
}

// ResolveUser resolves the end-user path. A supplied token is trusted
// exclusively: when verification fails the request hard-fails, it never
// downgrades to the legacy userId field. The legacy field is consulted
// only when no token was supplied at all, and only when the deployment
// explicitly enables it.
func (r *Resolver) ResolveUser(creds Credentials) (principal.AuthContext, error) {
	if creds.BearerToken != "" {
		payload, err := r.codec.Verify(auth.SchemeUser, creds.BearerToken)
		if err != nil {
			return principal.AuthContext{}, err
		}
		return principal.NewUserContext(payload.Subject), nil
	}

	if r.allowLegacyUserID && creds.LegacyUserID != "" {
		return principal.NewUserContext(creds.LegacyUserID), nil
	}

	return principal.AuthContext{}, nil
}

// ResolveAdmin resolves the administrator path. Bearer tokens only; no
// legacy fallback exists for admins.
func (r *Resolver) ResolveAdmin(creds Credentials) (principal.AuthContext, error) {
	if creds.BearerToken == "" {
		return principal.AuthContext{}, nil
	}
	payload, err := r.codec.Verify(auth.SchemeAdmin, creds.BearerToken)
	if err != nil {
		return principal.AuthContext{}, err
	}
	return principal.NewAdminContext(payload.Subject, payload.Role), nil
}

// IsTokenError reports whether err came from token verification, as
// opposed to a missing token.
func IsTokenError(err error) bool {
	return errors.Is(err, auth.ErrTokenInvalid) || errors.Is(err, auth.ErrTokenExpired)
}
