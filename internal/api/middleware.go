package api

import (
	"context"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/time/rate"

	"chattr/internal/apperr"
)

type contextKey string

const accountIDKey contextKey = "accountID"

func accountID(r *http.Request) string {
	id, _ := r.Context().Value(accountIDKey).(string)
	return id
}

// getToken accepts the session token from the header, cookie or query
// string, in that order. The query form exists for the websocket
// handshake where custom headers are awkward.
func getToken(r *http.Request) string {
	if token := r.Header.Get("token"); token != "" {
		return token
	}
	if cookie, err := r.Cookie("token"); err == nil {
		return cookie.Value
	}
	return r.URL.Query().Get("token")
}

// RequireAuth resolves the session token to an account and stores it in
// the request context.
func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := getToken(r)
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
			return
		}
		id, err := a.auth.Session(token)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or expired session"})
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), accountIDKey, id)))
	}
}

// RequireSameOrigin rejects cross-site browser requests on the
// credential endpoints. Requests without an Origin header (curl, native
// clients) pass through.
func RequireSameOrigin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next(w, r)
			return
		}
		parsed, err := url.Parse(origin)
		if err != nil || parsed.Host != r.Host {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "cross-origin request rejected"})
			return
		}
		next(w, r)
	}
}

// IPLimiter throttles per remote address. Used on login and register to
// slow down credential guessing; the map is never pruned because the
// server restarts often enough in practice.
type IPLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func NewIPLimiter(limit rate.Limit, burst int) *IPLimiter {
	return &IPLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

func (l *IPLimiter) allow(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[addr]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[addr] = lim
	}
	return lim.Allow()
}

// Throttled wraps a handler with a per-IP rate limit.
func Throttled(limiter *IPLimiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !limiter.allow(r.RemoteAddr) {
			writeError(w, apperr.Transient("too many attempts, try again later", nil))
			return
		}
		next(w, r)
	}
}
