package authn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nexa-labs/assistant-gateway/internal/domain/principal"
	"github.com/nexa-labs/assistant-gateway/internal/infrastructure/auth"
)

type mockUserRepo struct {
	mock.Mock
}

func (m *mockUserRepo) FindByIdentifier(ctx context.Context, identifier string) (*User, error) {
	args := m.Called(ctx, identifier)
	if u := args.Get(0); u != nil {
		return u.(*User), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*User, error) {
	args := m.Called(ctx, id)
	if u := args.Get(0); u != nil {
		return u.(*User), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockAdminRepo struct {
	mock.Mock
}

func (m *mockAdminRepo) FindByUsername(ctx context.Context, username string) (*Admin, error) {
	args := m.Called(ctx, username)
	if a := args.Get(0); a != nil {
		return a.(*Admin), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockAdminRepo) FindByID(ctx context.Context, id string) (*Admin, error) {
	args := m.Called(ctx, id)
	if a := args.Get(0); a != nil {
		return a.(*Admin), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockSessionStore struct {
	mock.Mock
}

func (m *mockSessionStore) Create(ctx context.Context, principalID string, ttl time.Duration) (string, error) {
	args := m.Called(ctx, principalID, ttl)
	return args.String(0), args.Error(1)
}

func (m *mockSessionStore) Validate(ctx context.Context, sessionID string) (bool, error) {
	args := m.Called(ctx, sessionID)
	return args.Bool(0), args.Error(1)
}

func (m *mockSessionStore) Revoke(ctx context.Context, sessionID string) error {
	return m.Called(ctx, sessionID).Error(0)
}

func (m *mockSessionStore) RevokeAll(ctx context.Context, principalID string) error {
	return m.Called(ctx, principalID).Error(0)
}

type mockMFA struct {
	mock.Mock
}

func (m *mockMFA) Verify(ctx context.Context, userID, code string) (bool, error) {
	args := m.Called(ctx, userID, code)
	return args.Bool(0), args.Error(1)
}

func newTestService(t *testing.T, users *mockUserRepo, admins *mockAdminRepo, sessions *mockSessionStore, mfa MFAVerifier) *Service {
	t.Helper()
	codec := auth.NewCodec(
		auth.Scheme{
			Secret:        []byte("user-secret"),
			Issuer:        "gateway",
			TokenType:     principal.TokenTypeUser,
			TokenExpiry:   time.Hour,
			RefreshExpiry: 24 * time.Hour,
		},
		auth.Scheme{
			Secret:        []byte("admin-secret"),
			Issuer:        "gateway-admin",
			TokenType:     principal.TokenTypeAdmin,
			TokenExpiry:   time.Hour,
			RefreshExpiry: 24 * time.Hour,
		},
	)
	return NewService(ServiceParams{
		Codec:              codec,
		Users:              users,
		Admins:             admins,
		Sessions:           sessions,
		MFA:                mfa,
		Logger:             zap.NewNop(),
		UserTokenExpiry:    time.Hour,
		UserRefreshExpiry:  24 * time.Hour,
		AdminTokenExpiry:   time.Hour,
		AdminRefreshExpiry: 24 * time.Hour,
	})
}

func activeUser(t *testing.T, password string) *User {
	t.Helper()
	hash, err := auth.HashPassword(password)
	require.NoError(t, err)
	return &User{
		ID:           "user-42",
		Email:        "dana@example.com",
		PasswordHash: hash,
		Active:       true,
	}
}

func TestLogin_Success(t *testing.T) {
	users := new(mockUserRepo)
	sessions := new(mockSessionStore)
	svc := newTestService(t, users, new(mockAdminRepo), sessions, nil)

	users.On("FindByIdentifier", mock.Anything, "dana@example.com").
		Return(activeUser(t, "hunter2"), nil)
	sessions.On("Create", mock.Anything, "user-42", 24*time.Hour).
		Return("sess-1", nil)

	pair, user, err := svc.Login(context.Background(), "dana@example.com", "hunter2", "")
	require.NoError(t, err)
	require.NotNil(t, pair)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, int64(3600), pair.ExpiresIn)
	assert.Equal(t, "user-42", user.ID)
	sessions.AssertExpectations(t)
}

func TestLogin_BadCredentials(t *testing.T) {
	tests := []struct {
		name  string
		setup func(users *mockUserRepo)
	}{
		{
			name: "unknown user",
			setup: func(users *mockUserRepo) {
				users.On("FindByIdentifier", mock.Anything, mock.Anything).
					Return(nil, nil)
			},
		},
		{
			name: "inactive user",
			setup: func(users *mockUserRepo) {
				u := activeUser(t, "hunter2")
				u.Active = false
				users.On("FindByIdentifier", mock.Anything, mock.Anything).
					Return(u, nil)
			},
		},
		{
			name: "wrong password",
			setup: func(users *mockUserRepo) {
				users.On("FindByIdentifier", mock.Anything, mock.Anything).
					Return(activeUser(t, "different-password"), nil)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			users := new(mockUserRepo)
			tt.setup(users)
			svc := newTestService(t, users, new(mockAdminRepo), new(mockSessionStore), nil)

			_, _, err := svc.Login(context.Background(), "dana@example.com", "hunter2", "")
			assert.ErrorIs(t, err, ErrBadCredentials)
		})
	}
}

func TestLogin_MFA(t *testing.T) {
	mfaUser := func() *User {
		u := activeUser(t, "hunter2")
		u.MFAEnabled = true
		return u
	}

	t.Run("missing code", func(t *testing.T) {
		users := new(mockUserRepo)
		users.On("FindByIdentifier", mock.Anything, mock.Anything).Return(mfaUser(), nil)
		svc := newTestService(t, users, new(mockAdminRepo), new(mockSessionStore), new(mockMFA))

		_, _, err := svc.Login(context.Background(), "dana@example.com", "hunter2", "")
		assert.ErrorIs(t, err, ErrMFARequired)
	})

	t.Run("wrong code", func(t *testing.T) {
		users := new(mockUserRepo)
		users.On("FindByIdentifier", mock.Anything, mock.Anything).Return(mfaUser(), nil)
		mfa := new(mockMFA)
		mfa.On("Verify", mock.Anything, "user-42", "000000").Return(false, nil)
		svc := newTestService(t, users, new(mockAdminRepo), new(mockSessionStore), mfa)

		_, _, err := svc.Login(context.Background(), "dana@example.com", "hunter2", "000000")
		assert.ErrorIs(t, err, ErrBadCredentials)
	})

	t.Run("valid code", func(t *testing.T) {
		users := new(mockUserRepo)
		users.On("FindByIdentifier", mock.Anything, mock.Anything).Return(mfaUser(), nil)
		mfa := new(mockMFA)
		mfa.On("Verify", mock.Anything, "user-42", "123456").Return(true, nil)
		sessions := new(mockSessionStore)
		sessions.On("Create", mock.Anything, "user-42", mock.Anything).Return("sess-1", nil)
		svc := newTestService(t, users, new(mockAdminRepo), sessions, mfa)

		pair, _, err := svc.Login(context.Background(), "dana@example.com", "hunter2", "123456")
		require.NoError(t, err)
		assert.NotEmpty(t, pair.AccessToken)
	})
}

type stubLimiter struct {
	allow  bool
	resets int
}

func (l *stubLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return l.allow, nil
}

func (l *stubLimiter) Reset(ctx context.Context, key string) error {
	l.resets++
	return nil
}

func TestLogin_Throttled(t *testing.T) {
	users := new(mockUserRepo)
	svc := newTestService(t, users, new(mockAdminRepo), new(mockSessionStore), nil)
	svc.attempts = &stubLimiter{allow: false}

	_, _, err := svc.Login(context.Background(), "dana@example.com", "hunter2", "")
	assert.ErrorIs(t, err, ErrTooManyAttempts)
	users.AssertNotCalled(t, "FindByIdentifier")
}

func TestLogin_SuccessResetsThrottle(t *testing.T) {
	users := new(mockUserRepo)
	users.On("FindByIdentifier", mock.Anything, mock.Anything).
		Return(activeUser(t, "hunter2"), nil)
	sessions := new(mockSessionStore)
	sessions.On("Create", mock.Anything, "user-42", mock.Anything).Return("sess-1", nil)
	svc := newTestService(t, users, new(mockAdminRepo), sessions, nil)
	limiter := &stubLimiter{allow: true}
	svc.attempts = limiter

	_, _, err := svc.Login(context.Background(), "dana@example.com", "hunter2", "")
	require.NoError(t, err)
	assert.Equal(t, 1, limiter.resets)
}

func TestAdminLogin(t *testing.T) {
	hash, err := auth.HashPassword("admin-pass")
	require.NoError(t, err)

	admins := new(mockAdminRepo)
	admins.On("FindByUsername", mock.Anything, "root").Return(&Admin{
		ID:           "admin-1",
		Username:     "root",
		PasswordHash: hash,
		Role:         "superadmin",
		Active:       true,
	}, nil)
	sessions := new(mockSessionStore)
	sessions.On("Create", mock.Anything, "admin-1", mock.Anything).Return("sess-a", nil)
	svc := newTestService(t, new(mockUserRepo), admins, sessions, nil)

	pair, admin, err := svc.AdminLogin(context.Background(), "root", "admin-pass")
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.Equal(t, "superadmin", admin.Role)
}

func TestRefresh_RotatesSession(t *testing.T) {
	sessions := new(mockSessionStore)
	svc := newTestService(t, new(mockUserRepo), new(mockAdminRepo), sessions, nil)

	refresh, err := svc.codec.IssueRefresh(auth.SchemeUser, "user-42", "sess-old")
	require.NoError(t, err)

	sessions.On("Validate", mock.Anything, "sess-old").Return(true, nil)
	sessions.On("Revoke", mock.Anything, "sess-old").Return(nil)
	sessions.On("Create", mock.Anything, "user-42", mock.Anything).Return("sess-new", nil)

	pair, err := svc.Refresh(context.Background(), auth.SchemeUser, refresh)
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)

	// The new refresh token is bound to the rotated session.
	_, sessionID, err := svc.codec.VerifyRefresh(auth.SchemeUser, pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "sess-new", sessionID)
	sessions.AssertExpectations(t)
}

func TestRefresh_AdminKeepsRole(t *testing.T) {
	admins := new(mockAdminRepo)
	admins.On("FindByID", mock.Anything, "admin-1").Return(&Admin{
		ID:       "admin-1",
		Username: "root",
		Role:     "superadmin",
		Active:   true,
	}, nil)
	sessions := new(mockSessionStore)
	sessions.On("Validate", mock.Anything, "sess-old").Return(true, nil)
	sessions.On("Revoke", mock.Anything, "sess-old").Return(nil)
	sessions.On("Create", mock.Anything, "admin-1", mock.Anything).Return("sess-new", nil)
	svc := newTestService(t, new(mockUserRepo), admins, sessions, nil)

	refresh, err := svc.codec.IssueRefresh(auth.SchemeAdmin, "admin-1", "sess-old")
	require.NoError(t, err)

	pair, err := svc.Refresh(context.Background(), auth.SchemeAdmin, refresh)
	require.NoError(t, err)

	// The re-minted access token still carries the role claim.
	payload, err := svc.codec.Verify(auth.SchemeAdmin, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "superadmin", payload.Role)
}

func TestRefresh_DeactivatedAdmin(t *testing.T) {
	admins := new(mockAdminRepo)
	admins.On("FindByID", mock.Anything, "admin-1").Return(&Admin{
		ID:     "admin-1",
		Role:   "superadmin",
		Active: false,
	}, nil)
	sessions := new(mockSessionStore)
	sessions.On("Validate", mock.Anything, "sess-old").Return(true, nil)
	sessions.On("Revoke", mock.Anything, "sess-old").Return(nil)
	svc := newTestService(t, new(mockUserRepo), admins, sessions, nil)

	refresh, err := svc.codec.IssueRefresh(auth.SchemeAdmin, "admin-1", "sess-old")
	require.NoError(t, err)

	_, err = svc.Refresh(context.Background(), auth.SchemeAdmin, refresh)
	assert.ErrorIs(t, err, ErrBadCredentials)
}

func TestRefresh_RevokedSession(t *testing.T) {
	sessions := new(mockSessionStore)
	svc := newTestService(t, new(mockUserRepo), new(mockAdminRepo), sessions, nil)

	refresh, err := svc.codec.IssueRefresh(auth.SchemeUser, "user-42", "sess-gone")
	require.NoError(t, err)
	sessions.On("Validate", mock.Anything, "sess-gone").Return(false, nil)

	_, err = svc.Refresh(context.Background(), auth.SchemeUser, refresh)
	assert.ErrorIs(t, err, ErrSessionRevoked)
}

func TestRefresh_WrongSchemeToken(t *testing.T) {
	svc := newTestService(t, new(mockUserRepo), new(mockAdminRepo), new(mockSessionStore), nil)

	refresh, err := svc.codec.IssueRefresh(auth.SchemeAdmin, "admin-1", "sess-a")
	require.NoError(t, err)

	_, err = svc.Refresh(context.Background(), auth.SchemeUser, refresh)
	assert.ErrorIs(t, err, auth.ErrTokenInvalid)
}

func TestLogout_SwallowsFailures(t *testing.T) {
	sessions := new(mockSessionStore)
	svc := newTestService(t, new(mockUserRepo), new(mockAdminRepo), sessions, nil)

	// Garbage token: nothing to revoke, no panic, no error surfaced.
	svc.Logout(context.Background(), auth.SchemeUser, "garbage")

	refresh, err := svc.codec.IssueRefresh(auth.SchemeUser, "user-42", "sess-1")
	require.NoError(t, err)
	sessions.On("Revoke", mock.Anything, "sess-1").Return(assert.AnError)

	svc.Logout(context.Background(), auth.SchemeUser, refresh)
	sessions.AssertExpectations(t)
}

func TestLogoutAll(t *testing.T) {
	sessions := new(mockSessionStore)
	sessions.On("RevokeAll", mock.Anything, "user-42").Return(nil)
	svc := newTestService(t, new(mockUserRepo), new(mockAdminRepo), sessions, nil)

	require.NoError(t, svc.LogoutAll(context.Background(), "user-42"))
	sessions.AssertExpectations(t)
}
