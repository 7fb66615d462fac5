package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureIdentity(t *testing.T, cfg *JWTConfig, req *http.Request) (Identity, bool, int) {
	t.Helper()
	var got Identity
	var ok bool
	h := cfg.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok = FromContext(r.Context())
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return got, ok, rec.Code
}

func TestMiddleware_BearerToken(t *testing.T) {
	cfg := NewJWTConfig("secret", false)
	token, err := cfg.Issue("u1", []string{RoleAdmin}, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	id, ok, code := captureIdentity(t, cfg, req)
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "u1", id.UserID)
	assert.True(t, id.IsAdmin())
}

func TestMiddleware_RejectsBadTokens(t *testing.T) {
	cfg := NewJWTConfig("secret", false)
	other := NewJWTConfig("other", false)
	foreign, err := other.Issue("u1", nil, time.Hour)
	require.NoError(t, err)
	expired, err := cfg.Issue("u1", nil, -time.Minute)
	require.NoError(t, err)

	for _, token := range []string{foreign, expired, "garbage"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		_, _, code := captureIdentity(t, cfg, req)
		assert.Equal(t, http.StatusUnauthorized, code)
	}
}

func TestMiddleware_Anonymous(t *testing.T) {
	_, ok, code := captureIdentity(t, NewJWTConfig("secret", false), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.False(t, ok)
	assert.Equal(t, http.StatusOK, code)
}

func TestMiddleware_DevHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-ID", "u7")

	_, ok, _ := captureIdentity(t, NewJWTConfig("secret", false), req)
	assert.False(t, ok, "dev headers are ignored unless enabled")

	id, ok, _ := captureIdentity(t, NewJWTConfig("secret", true), req)
	require.True(t, ok)
	assert.Equal(t, "u7", id.UserID)
	assert.False(t, id.IsAdmin())
}
