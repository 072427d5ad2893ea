// Package cdpproxy is the CDP Auth Proxy (C7): a per-session, per-container
// sidecar that terminates the browser automation client's WebSocket/HTTP
// connection, validates its bearer token against the session and project it
// was scoped to, and forwards CDP traffic to the local Chrome instance.
package cdpproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wallcrawler/sessioncore/internal/obslog"
	"github.com/wallcrawler/sessioncore/internal/statemachine"
	"github.com/wallcrawler/sessioncore/internal/store"
	"github.com/wallcrawler/sessioncore/internal/token"
	"github.com/wallcrawler/sessioncore/internal/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Shutdowner is invoked by the idle watchdog once it decides the container
// should terminate itself. The caller supplies this (e.g. a function that
// calls os.Exit or signals the container's supervisor) since the proxy
// itself has no authority to stop its own host.
type Shutdowner func(reason string)

// Proxy is the CDP Auth Proxy for a single session's container.
type Proxy struct {
	chromeAddr string
	sessionID  string
	projectID  string
	keepAlive  bool
	tokens     *token.Service
	store      *store.Store

	connMu           sync.RWMutex
	activeConns      map[string]*connection
	liveConnections  int64
	totalConnections int64

	rateLimiter    *RateLimiter
	errorTracker   *ErrorTracker
	circuitBreaker *CircuitBreaker

	idleGrace      time.Duration
	minLifetime    time.Duration
	watchdogPeriod time.Duration
	startedAt      time.Time
	lastBusyAt     atomic.Value // time.Time

	shutdown Shutdowner
	server   *http.Server
}

// connection is a single active client<->Chrome WebSocket pairing.
type connection struct {
	id          string
	clientIP    string
	connectedAt time.Time
	client      *websocket.Conn
	chrome      *websocket.Conn
}

// Config bundles the Proxy's deployment-specific settings, matching the
// watchdog parameters named by the component's idle-shutdown contract.
type Config struct {
	ChromeAddr     string
	SessionID      string
	ProjectID      string
	KeepAlive      bool
	IdleGrace      time.Duration
	MinLifetime    time.Duration
	WatchdogPeriod time.Duration
	Shutdown       Shutdowner

	// Store reports the READY<->ACTIVE transitions driven by connection
	// activity (§4.6). Nil is accepted for tests/standalone runs that
	// don't wire a Session Store, in which case those transitions are
	// simply not observable outside this process.
	Store *store.Store
}

// New builds a Proxy scoped to one session's container.
func New(tokens *token.Service, cfg Config) *Proxy {
	watchdogPeriod := cfg.WatchdogPeriod
	if watchdogPeriod == 0 {
		watchdogPeriod = 5 * time.Second
	}
	p := &Proxy{
		chromeAddr:     cfg.ChromeAddr,
		sessionID:      cfg.SessionID,
		projectID:      cfg.ProjectID,
		keepAlive:      cfg.KeepAlive,
		tokens:         tokens,
		store:          cfg.Store,
		activeConns:    make(map[string]*connection),
		rateLimiter:    NewRateLimiter(),
		errorTracker:   NewErrorTracker(),
		circuitBreaker: NewCircuitBreaker(),
		idleGrace:      cfg.IdleGrace,
		minLifetime:    cfg.MinLifetime,
		watchdogPeriod: watchdogPeriod,
		startedAt:      time.Now(),
		shutdown:       cfg.Shutdown,
	}
	p.lastBusyAt.Store(time.Now())
	return p
}

// Handler assembles the middleware chain in the order logging -> metrics ->
// rate limiting -> circuit breaker -> auth, matching the order the proxy's
// request handling was grounded on.
func (p *Proxy) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/cdp", p.handleCDP)
	mux.HandleFunc("/cdp/", p.handleCDP)
	mux.HandleFunc("/health", p.handleHealth)
	mux.HandleFunc("/metrics", p.handleMetrics)

	var h http.Handler = mux
	h = p.authMiddleware(h)
	h = p.circuitBreakerMiddleware(h)
	h = p.rateLimitMiddleware(h)
	h = p.metricsMiddleware(h)
	h = p.loggingMiddleware(h)
	return h
}

// Serve starts the watchdog and the HTTP server, blocking until ctx is
// cancelled, then shuts the server down gracefully.
func (p *Proxy) Serve(ctx context.Context, port int) error {
	p.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: p.Handler(),
	}

	go p.watchdog(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := p.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		p.closeAllConnections("container shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return p.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// closeAllConnections sends close code 1001 (§6: "container shutting down")
// to every live client connection ahead of the listener tearing down.
func (p *Proxy) closeAllConnections(reason string) {
	p.connMu.RLock()
	conns := make([]*connection, 0, len(p.activeConns))
	for _, c := range p.activeConns {
		conns = append(conns, c)
	}
	p.connMu.RUnlock()

	for _, c := range conns {
		c.client.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, reason))
	}
}

// ctxKey namespaces values this package stores on a request context.
type ctxKey int

const claimsKey ctxKey = iota

func tokenFromRequest(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func (p *Proxy) markBusy() { p.lastBusyAt.Store(time.Now()) }

func (p *Proxy) handleCDP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Upgrade") == "websocket" {
		p.handleWebSocket(w, r)
		return
	}
	p.handleHTTP(w, r)
}

func (p *Proxy) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer clientConn.Close()

	chromeEndpoint, err := p.getChromeWebSocketEndpoint(r.URL.Path)
	if err != nil {
		clientConn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "failed to resolve chrome target"))
		return
	}

	chromeConn, _, err := websocket.DefaultDialer.Dial(chromeEndpoint, nil)
	if err != nil {
		p.circuitBreaker.RecordFailure()
		p.errorTracker.RecordError("chrome_connection_failed", err.Error())
		clientConn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "chrome cdp unavailable"))
		return
	}
	defer chromeConn.Close()
	p.circuitBreaker.RecordSuccess()

	conn := &connection{
		id:          fmt.Sprintf("%s_%d", p.sessionID, time.Now().UnixNano()),
		clientIP:    r.RemoteAddr,
		connectedAt: time.Now(),
		client:      clientConn,
		chrome:      chromeConn,
	}

	p.connMu.Lock()
	p.activeConns[conn.id] = conn
	p.totalConnections++
	live := atomic.AddInt64(&p.liveConnections, 1)
	p.connMu.Unlock()
	p.markBusy()

	obslog.ProxyConnection(p.sessionID, "CDP_CONNECTED", nil)
	if live == 1 {
		p.markActive(context.Background())
	}

	p.pipe(conn)

	p.connMu.Lock()
	delete(p.activeConns, conn.id)
	p.connMu.Unlock()
	live = atomic.AddInt64(&p.liveConnections, -1)
	p.markBusy()

	obslog.ProxyConnection(p.sessionID, "CDP_DISCONNECTED", nil)
	if live == 0 && p.keepAlive {
		p.markIdleReady(context.Background())
	}
}

// markActive reports the READY -> ACTIVE transition on the first
// authenticated CDP connection (§4.6). Best-effort: a failure here never
// blocks CDP traffic, since the store write is a side-channel audit of
// state the proxy itself already knows is true.
func (p *Proxy) markActive(ctx context.Context) {
	if p.store == nil {
		return
	}
	_, err := p.store.UpdateIf(ctx, p.sessionID, types.InternalReady, func(s types.Session) types.Session {
		s.InternalStatus = types.InternalActive
		s.Status = statemachine.ClientStatus(types.InternalActive, false)
		s.AppendEvent(types.EventEnvelope{Type: "ACTIVE", Reason: "first_cdp_connection"})
		return s
	})
	if err != nil {
		obslog.ProxyConnection(p.sessionID, "ACTIVE_TRANSITION_FAILED", map[string]interface{}{"error": err.Error()})
	}
}

// markIdleReady reports the ACTIVE -> READY transition once the last CDP
// connection drops on a keepAlive session (§4.6); the session then idles
// toward either a fresh connection or the TTL sweep closing it out (B4).
func (p *Proxy) markIdleReady(ctx context.Context) {
	if p.store == nil {
		return
	}
	_, err := p.store.UpdateIf(ctx, p.sessionID, types.InternalActive, func(s types.Session) types.Session {
		s.InternalStatus = types.InternalReady
		s.Status = statemachine.ClientStatus(types.InternalReady, false)
		s.AppendEvent(types.EventEnvelope{Type: "READY", Reason: "all_connections_dropped"})
		return s
	})
	if err != nil {
		obslog.ProxyConnection(p.sessionID, "READY_TRANSITION_FAILED", map[string]interface{}{"error": err.Error()})
	}
}

// pipe runs the bidirectional forwarding loop for one connection. Each
// direction gets its own goroutine; a write deadline bounds how long a slow
// reader can back-pressure the other side before the connection is torn
// down with an internal-error close code (§4.7).
func (p *Proxy) pipe(conn *connection) {
	done := make(chan struct{}, 2)

	forward := func(from, to *websocket.Conn) {
		defer func() { done <- struct{}{} }()
		for {
			messageType, message, err := from.ReadMessage()
			if err != nil {
				return
			}
			p.markBusy()
			to.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := to.WriteMessage(messageType, message); err != nil {
				to.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(1011, "downstream too slow"))
				return
			}
		}
	}

	go forward(conn.client, conn.chrome)
	go forward(conn.chrome, conn.client)
	<-done
}

func (p *Proxy) handleHTTP(w http.ResponseWriter, r *http.Request) {
	target := fmt.Sprintf("http://%s%s", p.chromeAddr, p.getChromeHTTPEndpoint(r.URL.Path))

	if r.URL.RawQuery != "" {
		params, _ := url.ParseQuery(r.URL.RawQuery)
		params.Del("token")
		if len(params) > 0 {
			target += "?" + params.Encode()
		}
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		http.Error(w, "error building chrome request", http.StatusInternalServerError)
		return
	}
	for key, values := range r.Header {
		if key == "Authorization" || strings.HasPrefix(key, "X-") {
			continue
		}
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		p.circuitBreaker.RecordFailure()
		p.errorTracker.RecordError("chrome_http_failed", err.Error())
		http.Error(w, "chrome cdp unavailable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	p.circuitBreaker.RecordSuccess()
	p.markBusy()

	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// pageInfo mirrors the subset of Chrome's /json target listing the proxy
// needs to resolve a bare /cdp/ connection to a concrete page target.
type pageInfo struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	WebSocketDebuggerUrl string `json:"webSocketDebuggerUrl"`
}

func (p *Proxy) getPageInfo() (*pageInfo, error) {
	resp, err := http.Get(fmt.Sprintf("http://%s/json", p.chromeAddr))
	if err != nil {
		return nil, fmt.Errorf("get chrome page list: %w", err)
	}
	defer resp.Body.Close()

	var pages []pageInfo
	if err := json.NewDecoder(resp.Body).Decode(&pages); err != nil {
		return nil, fmt.Errorf("decode chrome page list: %w", err)
	}
	for _, pg := range pages {
		if pg.Type == "page" {
			return &pg, nil
		}
	}
	if len(pages) > 0 {
		return &pages[0], nil
	}
	return nil, fmt.Errorf("no chrome targets available")
}

func (p *Proxy) getChromeWebSocketEndpoint(requestPath string) (string, error) {
	cdpPath := strings.TrimPrefix(requestPath, "/cdp")
	if cdpPath == "" || cdpPath == "/" {
		pg, err := p.getPageInfo()
		if err != nil {
			return "", err
		}
		if pg.WebSocketDebuggerUrl != "" {
			return pg.WebSocketDebuggerUrl, nil
		}
		return fmt.Sprintf("ws://%s/devtools/page/%s", p.chromeAddr, pg.ID), nil
	}
	return fmt.Sprintf("ws://%s%s", p.chromeAddr, cdpPath), nil
}

func (p *Proxy) getChromeHTTPEndpoint(requestPath string) string {
	cdpPath := strings.TrimPrefix(requestPath, "/cdp")
	if cdpPath == "" || cdpPath == "/" {
		return "/json"
	}
	return cdpPath
}

// watchdog implements the idle-shutdown contract of §4.7: once there are no
// live connections for idleGrace, and the container has lived past
// minLifetime, it asks the host to terminate.
func (p *Proxy) watchdog(ctx context.Context) {
	ticker := time.NewTicker(p.watchdogPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.keepAlive {
				// B4: a keepAlive session never self-terminates on idleness;
				// only the Lifecycle Reconciler's TTL sweep closes it out.
				continue
			}
			if atomic.LoadInt64(&p.liveConnections) > 0 {
				continue
			}
			if time.Since(p.startedAt) < p.minLifetime {
				continue
			}
			lastBusy, _ := p.lastBusyAt.Load().(time.Time)
			if time.Since(lastBusy) < p.idleGrace {
				continue
			}
			if p.shutdown != nil {
				p.shutdown("idle_timeout")
			}
			return
		}
	}
}
