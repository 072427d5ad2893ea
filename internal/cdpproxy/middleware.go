package cdpproxy

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wallcrawler/sessioncore/internal/errs"
	"github.com/wallcrawler/sessioncore/internal/obslog"
)

func isManagementPath(path string) bool {
	return path == "/health" || path == "/metrics"
}

// loggingMiddleware logs every request's method, path and duration.
func (p *Proxy) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		obslog.Log(obslog.Entry{
			Component: "cdpproxy",
			EventType: "REQUEST",
			SessionID: p.sessionID,
			ProjectID: p.projectID,
			Status:    r.Method + " " + r.URL.Path,
			Duration:  time.Since(start).Milliseconds(),
		})
	})
}

// metricsMiddleware is a pass-through slot in the chain: it records no
// request counts or durations. /metrics reports the connection counters
// the proxy keeps itself.
func (p *Proxy) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware enforces the per-session fixed-window limit on
// everything but the management endpoints.
func (p *Proxy) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isManagementPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if !p.rateLimiter.CheckRateLimit(p.sessionID) {
			p.errorTracker.RecordError("rate_limit_exceeded", p.sessionID)
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// circuitBreakerMiddleware rejects requests while the breaker is open,
// sparing Chrome further load once it has stopped responding.
func (p *Proxy) circuitBreakerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isManagementPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if !p.circuitBreaker.CanExecute() {
			p.errorTracker.RecordError("circuit_breaker_open", "chrome_unavailable")
			http.Error(w, "service temporarily unavailable", http.StatusServiceUnavailable)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authMiddleware validates the bearer token's scope against this proxy's
// sessionID/projectID before any CDP traffic is forwarded. A rejected
// WebSocket upgrade is completed and then closed with the reason-specific
// code from §6 (4401 invalid/expired, 4403 session mismatch) rather than
// bounced with a pre-upgrade HTTP error, since a browser automation client
// dialing `/cdp` as a WebSocket never sees the HTTP status line.
func (p *Proxy) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isManagementPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		tok := tokenFromRequest(r)
		if tok == "" {
			p.errorTracker.RecordError("missing_auth_token", r.RemoteAddr)
			p.rejectAuth(w, r, closeAuthInvalid, "unauthorized: missing token")
			return
		}

		claims, err := p.tokens.Verify(r.Context(), tok, p.sessionID, p.projectID)
		if err != nil {
			p.errorTracker.RecordError("invalid_auth_token", err.Error())
			p.rejectAuth(w, r, closeCodeFor(err), "unauthorized: "+err.Error())
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WebSocket close codes per §6: 4401 token invalid/expired, 4403 session
// mismatch.
const (
	closeAuthInvalid  = 4401
	closeAuthMismatch = 4403
)

// closeCodeFor maps a Verify failure's reason to the close code from §6;
// anything not explicitly a session mismatch is treated as invalid/expired.
func closeCodeFor(err error) int {
	var e *errs.Error
	if ae, ok := err.(*errs.Error); ok {
		e = ae
	}
	if e != nil && e.Reason == "session_mismatch" {
		return closeAuthMismatch
	}
	return closeAuthInvalid
}

// rejectAuth completes a WebSocket upgrade and immediately closes it with
// code, or returns a plain 401 for non-upgrade requests.
func (p *Proxy) rejectAuth(w http.ResponseWriter, r *http.Request, code int, reason string) {
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		return
	}
	http.Error(w, reason, http.StatusUnauthorized)
}
