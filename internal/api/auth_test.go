package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npezzotti/gochat-hub/internal/testutil"
)

func TestUserId(t *testing.T) {
	tcases := []struct {
		name     string
		ctx      context.Context
		userId   string
		expected bool
	}{
		{
			name:     "no user ID",
			ctx:      context.Background(),
			expected: false,
		},
		{
			name:     "empty user ID",
			ctx:      WithUserId(context.Background(), ""),
			expected: false,
		},
		{
			name:     "user ID set",
			ctx:      WithUserId(context.Background(), "alice"),
			userId:   "alice",
			expected: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			userId, ok := UserId(tc.ctx)
			assert.Equal(t, tc.expected, ok, "expected UserId to return %v", tc.expected)
			assert.Equal(t, tc.userId, userId, "expected UserId to return %q", tc.userId)
		})
	}
}

func TestIssueToken(t *testing.T) {
	key := []byte("test-signing-key")
	app := &GoChatApp{log: testutil.TestLogger(t), signingKey: key}

	t.Run("round trip", func(t *testing.T) {
		token, err := IssueToken(key, "alice", time.Hour)
		require.NoError(t, err)

		userId, err := app.extractUserIdFromToken(token)
		assert.NoError(t, err)
		assert.Equal(t, "alice", userId, "expected user id claim to round trip")
	})

	t.Run("empty user id", func(t *testing.T) {
		_, err := IssueToken(key, "", time.Hour)
		assert.Error(t, err, "expected empty user id to be rejected")
	})
}

func Test_extractUserIdFromToken(t *testing.T) {
	key := []byte("test-signing-key")
	app := &GoChatApp{log: testutil.TestLogger(t), signingKey: key}

	signed := func(method jwt.SigningMethod, k any, claims jwt.MapClaims) string {
		token, err := jwt.NewWithClaims(method, claims).SignedString(k)
		require.NoError(t, err)
		return token
	}

	tcases := []struct {
		name  string
		token string
	}{
		{
			name:  "expired",
			token: signed(jwt.SigningMethodHS256, key, jwt.MapClaims{userIdClaim: "alice", expClaim: time.Now().Add(-time.Minute).Unix()}),
		},
		{
			name:  "wrong key",
			token: signed(jwt.SigningMethodHS256, []byte("other-key"), jwt.MapClaims{userIdClaim: "alice", expClaim: time.Now().Add(time.Hour).Unix()}),
		},
		{
			name:  "unsigned",
			token: signed(jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, jwt.MapClaims{userIdClaim: "alice"}),
		},
		{
			name:  "numeric user id",
			token: signed(jwt.SigningMethodHS256, key, jwt.MapClaims{userIdClaim: 42, expClaim: time.Now().Add(time.Hour).Unix()}),
		},
		{
			name:  "missing user id",
			token: signed(jwt.SigningMethodHS256, key, jwt.MapClaims{expClaim: time.Now().Add(time.Hour).Unix()}),
		},
		{
			name:  "garbage",
			token: "not-a-token",
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			userId, err := app.extractUserIdFromToken(tc.token)
			assert.Error(t, err, "expected token to be rejected")
			assert.Empty(t, userId)
		})
	}
}

func Test_tokenFromRequest(t *testing.T) {
	tcases := []struct {
		name     string
		setup    func(r *http.Request)
		expected string
		wantErr  bool
	}{
		{
			name: "cookie",
			setup: func(r *http.Request) {
				r.AddCookie(createJwtCookie("from-cookie", defaultJwtExpiration))
			},
			expected: "from-cookie",
		},
		{
			name: "bearer header",
			setup: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer from-header")
			},
			expected: "from-header",
		},
		{
			name: "cookie wins over header",
			setup: func(r *http.Request) {
				r.AddCookie(createJwtCookie("from-cookie", defaultJwtExpiration))
				r.Header.Set("Authorization", "Bearer from-header")
			},
			expected: "from-cookie",
		},
		{
			name: "basic auth is ignored",
			setup: func(r *http.Request) {
				r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
			},
			wantErr: true,
		},
		{
			name:    "no token",
			setup:   func(r *http.Request) {},
			wantErr: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			tc.setup(req)

			token, err := tokenFromRequest(req)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.expected, token)
		})
	}
}

func Test_createJwtCookie(t *testing.T) {
	cookie := createJwtCookie("token-value", time.Hour)

	assert.Equal(t, tokenCookieKey, cookie.Name)
	assert.Equal(t, "token-value", cookie.Value)
	assert.Equal(t, "/", cookie.Path)
	assert.True(t, cookie.HttpOnly, "expected cookie to be http only")
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)
	assert.WithinDuration(t, time.Now().Add(time.Hour), cookie.Expires, time.Minute)
}
