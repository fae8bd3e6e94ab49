package authn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexa-labs/assistant-gateway/internal/domain/principal"
	"github.com/nexa-labs/assistant-gateway/internal/infrastructure/auth"
)

func testResolverCodec(t *testing.T) *auth.Codec {
	t.Helper()
	return auth.NewCodec(
		auth.Scheme{
			Secret:      []byte("user-secret"),
			Issuer:      "gateway",
			TokenType:   principal.TokenTypeUser,
			TokenExpiry: time.Hour,
		},
		auth.Scheme{
			Secret:      []byte("admin-secret"),
			Issuer:      "gateway-admin",
			TokenType:   principal.TokenTypeAdmin,
			TokenExpiry: time.Hour,
		},
	)
}

func TestResolveUser_ValidToken(t *testing.T) {
	codec := testResolverCodec(t)
	resolver := NewResolver(codec, false)

	token, err := codec.Issue(auth.SchemeUser, "user-42", "")
	require.NoError(t, err)

	ctx, err := resolver.ResolveUser(Credentials{BearerToken: token})
	require.NoError(t, err)

	userID, ok := ctx.UserID()
	require.True(t, ok)
	assert.Equal(t, "user-42", userID)
}

func TestResolveUser_BadTokenNeverFallsBackToLegacyID(t *testing.T) {
	resolver := NewResolver(testResolverCodec(t), true)

	// A bad token with a legacy userId alongside must hard-fail; the
	// fallback exists only for requests with no token at all.
	ctx, err := resolver.ResolveUser(Credentials{
		BearerToken:  "garbage-token",
		LegacyUserID: "user-42",
	})
	assert.Error(t, err)
	assert.True(t, ctx.IsZero())
}

func TestResolveUser_LegacyFallback(t *testing.T) {
	tests := []struct {
		name        string
		allowLegacy bool
		creds       Credentials
		wantUser    string
		wantZero    bool
	}{
		{
			name:        "enabled and no token",
			allowLegacy: true,
			creds:       Credentials{LegacyUserID: "user-42"},
			wantUser:    "user-42",
		},
		{
			name:        "disabled",
			allowLegacy: false,
			creds:       Credentials{LegacyUserID: "user-42"},
			wantZero:    true,
		},
		{
			name:        "enabled but empty",
			allowLegacy: true,
			creds:       Credentials{},
			wantZero:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := NewResolver(testResolverCodec(t), tt.allowLegacy)

			ctx, err := resolver.ResolveUser(tt.creds)
			require.NoError(t, err)

			if tt.wantZero {
				assert.True(t, ctx.IsZero())
				return
			}
			userID, ok := ctx.UserID()
			require.True(t, ok)
			assert.Equal(t, tt.wantUser, userID)
		})
	}
}

func TestResolveUser_RejectsAdminToken(t *testing.T) {
	codec := testResolverCodec(t)
	resolver := NewResolver(codec, false)

	adminToken, err := codec.Issue(auth.SchemeAdmin, "admin-1", "superadmin")
	require.NoError(t, err)

	_, err = resolver.ResolveUser(Credentials{BearerToken: adminToken})
	assert.ErrorIs(t, err, auth.ErrTokenInvalid)
}

func TestResolveAdmin(t *testing.T) {
	codec := testResolverCodec(t)
	resolver := NewResolver(codec, true)

	t.Run("valid admin token", func(t *testing.T) {
		token, err := codec.Issue(auth.SchemeAdmin, "admin-1", "superadmin")
		require.NoError(t, err)

		ctx, err := resolver.ResolveAdmin(Credentials{BearerToken: token})
		require.NoError(t, err)

		adminID, ok := ctx.AdminID()
		require.True(t, ok)
		assert.Equal(t, "admin-1", adminID)
		assert.Equal(t, "superadmin", ctx.Role())
	})

	t.Run("user token rejected", func(t *testing.T) {
		token, err := codec.Issue(auth.SchemeUser, "user-42", "")
		require.NoError(t, err)

		_, err = resolver.ResolveAdmin(Credentials{BearerToken: token})
		assert.ErrorIs(t, err, auth.ErrTokenInvalid)
	})

	t.Run("no legacy fallback for admins", func(t *testing.T) {
		ctx, err := resolver.ResolveAdmin(Credentials{LegacyUserID: "admin-1"})
		require.NoError(t, err)
		assert.True(t, ctx.IsZero())
	})
}
