package cdpproxy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// handleHealth reports whether the local Chrome instance is reachable.
func (p *Proxy) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp, err := http.Get(fmt.Sprintf("http://%s/json/version", p.chromeAddr))
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "unhealthy",
			"error":  "chrome cdp unavailable",
		})
		return
	}
	resp.Body.Close()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "healthy",
		"chrome_addr": p.chromeAddr,
		"session_id":  p.sessionID,
	})
}

// handleMetrics reports connection counts and circuit-breaker state for
// operational visibility into a single container's proxy. Rate-limiter
// and error-tracker state are not included.
func (p *Proxy) handleMetrics(w http.ResponseWriter, r *http.Request) {
	p.connMu.RLock()
	active := len(p.activeConns)
	total := p.totalConnections
	p.connMu.RUnlock()

	p.circuitBreaker.mutex.RLock()
	breaker := map[string]interface{}{
		"state":         p.circuitBreaker.state,
		"failure_count": p.circuitBreaker.failureCount,
	}
	p.circuitBreaker.mutex.RUnlock()

	response := map[string]interface{}{
		"active_connections": active,
		"total_connections":  total,
		"live_connections":   atomic.LoadInt64(&p.liveConnections),
		"circuit_breaker":    breaker,
		"chrome_addr":        p.chromeAddr,
		"session_id":         p.sessionID,
		"uptime_seconds":     time.Since(p.startedAt).Seconds(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
