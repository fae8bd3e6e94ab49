// Package authn implements the authentication side of the gateway: the
// context resolver consulted on every request, and the login / refresh /
// logout operations behind the auth.* and admin.* RPC methods.
package authn

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/nexa-labs/assistant-gateway/internal/infrastructure/auth"
)

var (
	// ErrBadCredentials covers unknown principals and wrong passwords.
	// Callers surface it as UNAUTHORIZED without detail.
	ErrBadCredentials = errors.New("invalid credentials")

	// ErrMFARequired signals that the account has MFA enabled and no
	// code accompanied the login request.
	ErrMFARequired = errors.New("mfa code required")

	// ErrSessionRevoked is returned when a refresh token's session no
	// longer exists.
	ErrSessionRevoked = errors.New("session revoked")

	// ErrTooManyAttempts is returned when login attempts for an account
	// exceed the configured window limit.
	ErrTooManyAttempts = errors.New("too many login attempts")
)

// User is the end-user record as seen by the gateway.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Active       bool
	MFAEnabled   bool
}

// Admin is the administrator record as seen by the gateway.
type Admin struct {
	ID           string
	Username     string
	PasswordHash string
	Role         string
	Active       bool
}

// UserRepository looks up end-user accounts.
type UserRepository interface {
	FindByIdentifier(ctx context.Context, identifier string) (*User, error)
	FindByID(ctx context.Context, id string) (*User, error)
}

// AdminRepository looks up administrator accounts.
type AdminRepository interface {
	FindByUsername(ctx context.Context, username string) (*Admin, error)
	FindByID(ctx context.Context, id string) (*Admin, error)
}

// SessionStore tracks refresh sessions so tokens can be revoked before
// they expire.
type SessionStore interface {
	Create(ctx context.Context, principalID string, ttl time.Duration) (string, error)
	Validate(ctx context.Context, sessionID string) (bool, error)
	Revoke(ctx context.Context, sessionID string) error
	RevokeAll(ctx context.Context, principalID string) error
}

// MFAVerifier checks a second factor for accounts that require one.
type MFAVerifier interface {
	Verify(ctx context.Context, userID, code string) (bool, error)
}

// AttemptLimiter throttles login attempts per account identifier.
type AttemptLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Reset(ctx context.Context, key string) error
}

// TokenPair is the result of a successful login or refresh.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64 // seconds
}

// Service implements login, refresh, and logout for both schemes.
type Service struct {
	codec    *auth.Codec
	users    UserRepository
	admins   AdminRepository
	sessions SessionStore
	mfa      MFAVerifier    // optional
	attempts AttemptLimiter // optional
	logger   *zap.Logger

	userExpiry         time.Duration
	userRefreshExpiry  time.Duration
	adminExpiry        time.Duration
	adminRefreshExpiry time.Duration
}

type ServiceParams struct {
	Codec    *auth.Codec
	Users    UserRepository
	Admins   AdminRepository
	Sessions SessionStore
	MFA      MFAVerifier
	Attempts AttemptLimiter
	Logger   *zap.Logger

	UserTokenExpiry    time.Duration
	UserRefreshExpiry  time.Duration
	AdminTokenExpiry   time.Duration
	AdminRefreshExpiry time.Duration
}

func NewService(p ServiceParams) *Service {
	return &Service{
		codec:              p.Codec,
		users:              p.Users,
		admins:             p.Admins,
		sessions:           p.Sessions,
		mfa:                p.MFA,
		attempts:           p.Attempts,
		logger:             p.Logger,
		userExpiry:         p.UserTokenExpiry,
		userRefreshExpiry:  p.UserRefreshExpiry,
		adminExpiry:        p.AdminTokenExpiry,
		adminRefreshExpiry: p.AdminRefreshExpiry,
	}
}

// Login authenticates an end user and mints a token pair.
func (s *Service) Login(ctx context.Context, identifier, password, mfaCode string) (*TokenPair, *User, error) {
	if s.attempts != nil {
		allowed, err := s.attempts.Allow(ctx, "user:"+identifier)
		if err != nil {
			// The limiter is advisory; a broken limiter must not lock
			// everyone out.
			s.logger.Warn("login limiter unavailable", zap.Error(err))
		} else if !allowed {
			return nil, nil, ErrTooManyAttempts
		}
	}

	user, err := s.users.FindByIdentifier(ctx, identifier)
	if err != nil || user == nil || !user.Active {
		return nil, nil, ErrBadCredentials
	}
	if err := auth.ComparePassword(user.PasswordHash, password); err != nil {
		return nil, nil, ErrBadCredentials
	}

	if user.MFAEnabled {
		if mfaCode == "" {
			return nil, nil, ErrMFARequired
		}
		if s.mfa != nil {
			ok, err := s.mfa.Verify(ctx, user.ID, mfaCode)
			if err != nil || !ok {
				return nil, nil, ErrBadCredentials
			}
		}
	}

	pair, err := s.mintPair(ctx, auth.SchemeUser, user.ID, "", s.userExpiry, s.userRefreshExpiry)
	if err != nil {
		return nil, nil, err
	}

	if s.attempts != nil {
		if err := s.attempts.Reset(ctx, "user:"+identifier); err != nil {
			s.logger.Warn("login limiter reset failed", zap.Error(err))
		}
	}

	s.logger.Info("user login",
		zap.String("user_id", user.ID))
	return pair, user, nil
}

// AdminLogin authenticates an administrator and mints a token pair under
// the admin scheme.
func (s *Service) AdminLogin(ctx context.Context, username, password string) (*TokenPair, *Admin, error) {
	if s.attempts != nil {
		allowed, err := s.attempts.Allow(ctx, "admin:"+username)
		if err != nil {
			s.logger.Warn("login limiter unavailable", zap.Error(err))
		} else if !allowed {
			return nil, nil, ErrTooManyAttempts
		}
	}

	admin, err := s.admins.FindByUsername(ctx, username)
	if err != nil || admin == nil || !admin.Active {
		return nil, nil, ErrBadCredentials
	}
	if err := auth.ComparePassword(admin.PasswordHash, password); err != nil {
		return nil, nil, ErrBadCredentials
	}

	pair, err := s.mintPair(ctx, auth.SchemeAdmin, admin.ID, admin.Role, s.adminExpiry, s.adminRefreshExpiry)
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info("admin login",
		zap.String("admin_id", admin.ID),
		zap.String("role", admin.Role))
	return pair, admin, nil
}

// Refresh exchanges a valid refresh token for a new pair. The old session
// is revoked and replaced so a stolen refresh token stops working after
// its first use by the legitimate client.
func (s *Service) Refresh(ctx context.Context, scheme auth.SchemeID, refreshToken string) (*TokenPair, error) {
	subject, sessionID, err := s.codec.VerifyRefresh(scheme, refreshToken)
	if err != nil {
		return nil, err
	}

	valid, err := s.sessions.Validate(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !valid {
		return nil, ErrSessionRevoked
	}
	if err := s.sessions.Revoke(ctx, sessionID); err != nil {
		s.logger.Warn("failed to revoke rotated session",
			zap.String("session_id", sessionID), zap.Error(err))
	}

	role := ""
	expiry, refreshExpiry := s.userExpiry, s.userRefreshExpiry
	if scheme == auth.SchemeAdmin {
		// The refresh token carries no role claim; reload the admin so
		// the re-minted access token keeps it and a deactivated admin
		// cannot refresh back in.
		admin, err := s.admins.FindByID(ctx, subject)
		if err != nil {
			return nil, err
		}
		if admin == nil || !admin.Active {
			return nil, ErrBadCredentials
		}
		role = admin.Role
		expiry, refreshExpiry = s.adminExpiry, s.adminRefreshExpiry
	}
	return s.mintPair(ctx, scheme, subject, role, expiry, refreshExpiry)
}

// Logout revokes the session behind a refresh token. Failures are
// swallowed: logout always succeeds from the caller's point of view.
func (s *Service) Logout(ctx context.Context, scheme auth.SchemeID, refreshToken string) {
	_, sessionID, err := s.codec.VerifyRefresh(scheme, refreshToken)
	if err != nil {
		return
	}
	if err := s.sessions.Revoke(ctx, sessionID); err != nil {
		s.logger.Warn("logout revoke failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

// LogoutAll revokes every session for a principal.
func (s *Service) LogoutAll(ctx context.Context, principalID string) error {
	if err := s.sessions.RevokeAll(ctx, principalID); err != nil {
		return err
	}
	s.logger.Info("all sessions revoked", zap.String("principal_id", principalID))
	return nil
}

func (s *Service) mintPair(ctx context.Context, scheme auth.SchemeID, subject, role string, expiry, refreshExpiry time.Duration) (*TokenPair, error) {
	sessionID, err := s.sessions.Create(ctx, subject, refreshExpiry)
	if err != nil {
		return nil, err
	}

	access, err := s.codec.Issue(scheme, subject, role)
	if err != nil {
		return nil, err
	}
	refresh, err := s.codec.IssueRefresh(scheme, subject, sessionID)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(expiry.Seconds()),
	}, nil
}
