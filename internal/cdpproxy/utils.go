package cdpproxy

import (
	"sync"
	"time"
)

// RateLimiter enforces a fixed-window per-session request budget.
type RateLimiter struct {
	limits map[string]*sessionLimit
	mutex  sync.RWMutex
}

type sessionLimit struct {
	requestCount int64
	lastRequest  time.Time
	windowStart  time.Time
	maxRequests  int64
	blocked      bool
	blockedUntil time.Time
}

// ErrorTracker tallies error occurrences by type. The tallies are kept in
// memory only; the metrics endpoint does not report them.
type ErrorTracker struct {
	errors map[string]*errorPattern
	mutex  sync.RWMutex
}

type errorPattern struct {
	count          int64
	lastOccurrence time.Time
}

// CircuitBreaker guards Chrome connectivity: it opens after repeated
// failures and probes again after a cooldown.
type CircuitBreaker struct {
	failureCount    int64
	lastFailureTime time.Time
	state           CircuitState
	mutex           sync.RWMutex
}

// CircuitState is one of Closed, Open or HalfOpen.
type CircuitState int

const (
	Closed CircuitState = iota
	Open
	HalfOpen
)

const (
	rateLimitWindow   = time.Minute
	rateLimitMax      = 100
	rateLimitBlockFor = 5 * time.Minute
	rateLimitIdleEvict = 10 * time.Minute

	circuitBreakerThreshold = 5
	circuitBreakerCooldown  = 30 * time.Second
)

// NewRateLimiter builds a RateLimiter and starts its background eviction
// of entries idle for more than rateLimitIdleEvict.
func NewRateLimiter() *RateLimiter {
	rl := &RateLimiter{limits: make(map[string]*sessionLimit)}
	go rl.cleanup()
	return rl
}

// CheckRateLimit reports whether sessionID may make another request right
// now, starting a fresh window once the current one is older than
// rateLimitWindow.
func (rl *RateLimiter) CheckRateLimit(sessionID string) bool {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := time.Now()
	limit, exists := rl.limits[sessionID]
	if !exists {
		rl.limits[sessionID] = &sessionLimit{
			requestCount: 1,
			lastRequest:  now,
			windowStart:  now,
			maxRequests:  rateLimitMax,
		}
		return true
	}

	if limit.blocked && now.Before(limit.blockedUntil) {
		return false
	}

	if now.Sub(limit.windowStart) > rateLimitWindow {
		limit.requestCount = 1
		limit.windowStart = now
		limit.blocked = false
		limit.lastRequest = now
		return true
	}

	limit.requestCount++
	limit.lastRequest = now

	if limit.requestCount > limit.maxRequests {
		limit.blocked = true
		limit.blockedUntil = now.Add(rateLimitBlockFor)
		return false
	}
	return true
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mutex.Lock()
		now := time.Now()
		for key, limit := range rl.limits {
			if now.Sub(limit.lastRequest) > rateLimitIdleEvict {
				delete(rl.limits, key)
			}
		}
		rl.mutex.Unlock()
	}
}

// NewErrorTracker builds an empty ErrorTracker.
func NewErrorTracker() *ErrorTracker {
	return &ErrorTracker{errors: make(map[string]*errorPattern)}
}

// RecordError records one occurrence of errorType; detail is currently
// only used by callers for local logging, not retained here.
func (et *ErrorTracker) RecordError(errorType, detail string) {
	et.mutex.Lock()
	defer et.mutex.Unlock()

	pattern, exists := et.errors[errorType]
	if !exists {
		et.errors[errorType] = &errorPattern{count: 1, lastOccurrence: time.Now()}
		return
	}
	pattern.count++
	pattern.lastOccurrence = time.Now()
}

// NewCircuitBreaker builds a CircuitBreaker starting Closed.
func NewCircuitBreaker() *CircuitBreaker {
	return &CircuitBreaker{state: Closed}
}

// CanExecute reports whether a request may proceed to Chrome, flipping
// Open to HalfOpen once the cooldown has elapsed.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case Open:
		if time.Since(cb.lastFailureTime) > circuitBreakerCooldown {
			cb.state = HalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess resets the breaker to Closed.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.failureCount = 0
	cb.state = Closed
}

// RecordFailure counts a failure, opening the breaker once the threshold
// is reached.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.failureCount++
	cb.lastFailureTime = time.Now()
	if cb.failureCount >= circuitBreakerThreshold {
		cb.state = Open
	}
}
