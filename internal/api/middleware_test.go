package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"chattr/internal/apperr"
	"chattr/internal/auth"
	"chattr/internal/store"
)

func newTestAPI(t *testing.T) (*API, string) {
	t.Helper()
	s, err := store.NewBbolt(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	authService := auth.NewService(ctx, auth.Config{TokenExpiry: time.Hour}, s)
	_, err = authService.Register(ctx, "alice", "password-alice", "Alice")
	require.NoError(t, err)
	token, _, err := authService.Login(ctx, "alice", "password-alice")
	require.NoError(t, err)

	return New(authService, nil, nil, time.Hour, 1024, "pub"), token
}

func echoAccount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"account": accountID(r)})
}

func TestRequireAuth(t *testing.T) {
	a, token := newTestAPI(t)
	handler := a.RequireAuth(echoAccount)

	// No token at all.
	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest("GET", "/api/me", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Garbage token.
	req := httptest.NewRequest("GET", "/api/me", nil)
	req.Header.Set("token", "nonsense")
	rec = httptest.NewRecorder()
	handler(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Header token.
	req = httptest.NewRequest("GET", "/api/me", nil)
	req.Header.Set("token", token)
	rec = httptest.NewRecorder()
	handler(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Cookie token.
	req = httptest.NewRequest("GET", "/api/me", nil)
	req.AddCookie(&http.Cookie{Name: "token", Value: token})
	rec = httptest.NewRecorder()
	handler(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Query token, the websocket handshake path.
	req = httptest.NewRequest("GET", "/api/ws?token="+token, nil)
	rec = httptest.NewRecorder()
	handler(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireSameOrigin(t *testing.T) {
	handler := RequireSameOrigin(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Non-browser clients carry no Origin.
	req := httptest.NewRequest("POST", "http://chat.example/api/login", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest("POST", "http://chat.example/api/login", nil)
	req.Header.Set("Origin", "http://chat.example")
	rec = httptest.NewRecorder()
	handler(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest("POST", "http://chat.example/api/login", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	handler(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestThrottled(t *testing.T) {
	limiter := NewIPLimiter(rate.Every(time.Minute), 2)
	handler := Throttled(limiter, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("POST", "/api/login", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	handler(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// Other addresses are unaffected.
	other := httptest.NewRequest("POST", "/api/login", nil)
	other.RemoteAddr = "10.0.0.2:1234"
	rec = httptest.NewRecorder()
	handler(rec, other)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestWriteErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{apperr.Validation("bad"), http.StatusBadRequest},
		{apperr.Conflict("dup"), http.StatusConflict},
		{apperr.NotFound("gone"), http.StatusNotFound},
		{apperr.Forbidden("no"), http.StatusForbidden},
		{apperr.Transient("later", nil), http.StatusServiceUnavailable},
		{apperr.Internal("boom", nil), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeError(rec, tc.err)
		require.Equal(t, tc.status, rec.Code, "error %v", tc.err)
	}
}
