// Package auth implements the token codec: signing and verification of
// bearer tokens under two non-interchangeable schemes (end-user and
// administrator). Each scheme carries its own secret, issuer, and expected
// token_type claim; a token signed for one scheme is rejected by the other
// even when the signature itself is valid.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/nexa-labs/assistant-gateway/internal/domain/principal"
)

// Sentinel errors. The codec never panics or leaks jwt internals across its
// boundary; callers branch on these.
var (
	ErrNoToken      = errors.New("no bearer token supplied")
	ErrTokenInvalid = errors.New("token invalid")
	ErrTokenExpired = errors.New("token expired")
)

// SchemeID selects one of the two verification schemes.
type SchemeID string

const (
	SchemeUser  SchemeID = "user"
	SchemeAdmin SchemeID = "admin"
)

// Scheme is one independent signing configuration.
type Scheme struct {
	Secret        []byte
	Issuer        string
	TokenType     principal.TokenType
	TokenExpiry   time.Duration
	RefreshExpiry time.Duration
}

// Codec verifies and issues tokens for both schemes.
type Codec struct {
	schemes map[SchemeID]Scheme
}

// claims is the on-wire JWT claim set.
type claims struct {
	jwt.RegisteredClaims
	TokenType string `json:"token_type"`
	Role      string `json:"role,omitempty"`
}

// NewCodec creates a codec from the two scheme configurations.
func NewCodec(user, admin Scheme) *Codec {
	return &Codec{
		schemes: map[SchemeID]Scheme{
			SchemeUser:  user,
			SchemeAdmin: admin,
		},
	}
}

// BearerToken extracts the token from an Authorization header value.
// A missing or malformed header yields ("", false), not an error, so
// callers can fall back to legacy identification.
func BearerToken(header string) (string, bool) {
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// Verify validates raw against the named scheme and returns the decoded
// payload. Expiry is checked against wall-clock time at verification.
func (c *Codec) Verify(id SchemeID, raw string) (*principal.TokenPayload, error) {
	if raw == "" {
		return nil, ErrNoToken
	}
	scheme, ok := c.schemes[id]
	if !ok {
		return nil, fmt.Errorf("unknown scheme %q", id)
	}

	var cl claims
	token, err := jwt.ParseWithClaims(raw, &cl, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return scheme.Secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}

	// Cross-scheme replay defense: both the issuer and the token_type claim
	// must match the verifying scheme.
	if cl.Issuer != scheme.Issuer || cl.TokenType != string(scheme.TokenType) {
		return nil, ErrTokenInvalid
	}

	payload := &principal.TokenPayload{
		Subject:   cl.Subject,
		Issuer:    cl.Issuer,
		TokenType: scheme.TokenType,
		Role:      cl.Role,
	}
	if cl.IssuedAt != nil {
		payload.IssuedAt = cl.IssuedAt.Time
	}
	if cl.ExpiresAt != nil {
		payload.ExpiresAt = cl.ExpiresAt.Time
	}
	return payload, nil
}

// Issue signs a new access token for subject under the named scheme.
// role is carried only for admin tokens.
func (c *Codec) Issue(id SchemeID, subject, role string) (string, error) {
	scheme, ok := c.schemes[id]
	if !ok {
		return "", fmt.Errorf("unknown scheme %q", id)
	}

	now := time.Now()
	cl := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    scheme.Issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(scheme.TokenExpiry)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
		TokenType: string(scheme.TokenType),
	}
	if id == SchemeAdmin {
		cl.Role = role
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, cl)
	return token.SignedString(scheme.Secret)
}

// IssueRefresh signs a refresh token bound to a session id. Refresh tokens
// use the scheme's secret and issuer but carry audience "refresh" so they
// can never be presented as access tokens.
func (c *Codec) IssueRefresh(id SchemeID, subject, sessionID string) (string, error) {
	scheme, ok := c.schemes[id]
	if !ok {
		return "", fmt.Errorf("unknown scheme %q", id)
	}

	now := time.Now()
	cl := jwt.RegisteredClaims{
		Issuer:    scheme.Issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{"refresh"},
		ExpiresAt: jwt.NewNumericDate(now.Add(scheme.RefreshExpiry)),
		NotBefore: jwt.NewNumericDate(now),
		IssuedAt:  jwt.NewNumericDate(now),
		ID:        sessionID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, cl)
	return token.SignedString(scheme.Secret)
}

// VerifyRefresh validates a refresh token and returns (subject, sessionID).
func (c *Codec) VerifyRefresh(id SchemeID, raw string) (string, string, error) {
	if raw == "" {
		return "", "", ErrNoToken
	}
	scheme, ok := c.schemes[id]
	if !ok {
		return "", "", fmt.Errorf("unknown scheme %q", id)
	}

	var cl jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(raw, &cl, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return scheme.Secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", "", ErrTokenExpired
		}
		return "", "", ErrTokenInvalid
	}
	if !token.Valid || cl.Issuer != scheme.Issuer {
		return "", "", ErrTokenInvalid
	}
	if len(cl.Audience) == 0 || cl.Audience[0] != "refresh" {
		return "", "", ErrTokenInvalid
	}
	return cl.Subject, cl.ID, nil
}

// HashPassword hashes a password for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// ComparePassword compares a password with its stored hash.
func ComparePassword(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}
