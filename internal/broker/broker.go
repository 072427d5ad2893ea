// Package broker is the Readiness Broker (C4): an in-process pub/sub
// keyed by sessionId that wakes a blocked provisioning call when its
// session becomes READY or FAILED, backed by an external fan-out bus for
// cross-instance delivery.
package broker

import (
	"context"
	"sync"

	"github.com/wallcrawler/sessioncore/internal/types"
)

// waiter is a single-shot subscription: it receives at most one event.
type waiter struct {
	ch        chan types.ReadyEvent
	closed    bool
	delivered bool
}

// Fanout is the external cross-instance bus a Broker publishes to and
// receives from, so that a waiter on instance A is woken by a publish
// that happened on instance B.
type Fanout interface {
	Publish(ctx context.Context, ev types.ReadyEvent) error
}

// Broker is the Readiness Broker. Local delivery is a mutex-guarded map of
// single-buffered channels, modeled on the sessionReadyChannels pattern
// this module is grounded on; cross-instance delivery goes through
// Fanout, with inbound fanout deliveries re-entering via Deliver.
type Broker struct {
	mu      sync.Mutex
	waiters map[string]*waiter
	fanout  Fanout
}

// New builds a Broker. fanout may be nil for single-instance deployments
// or tests, in which case Publish only delivers locally.
func New(fanout Fanout) *Broker {
	return &Broker{waiters: make(map[string]*waiter), fanout: fanout}
}

// Subscribe allocates a single-shot waiter for sessionID. Callers must
// call this before launching the container (subscribe-before-launch,
// §4.5 step 4) to avoid missing a publish that races the subscription.
func (b *Broker) Subscribe(sessionID string) <-chan types.ReadyEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	w := &waiter{ch: make(chan types.ReadyEvent, 1)}
	b.waiters[sessionID] = w
	return w.ch
}

// Unsubscribe idempotently removes the waiter for sessionID, releasing
// its channel. Safe to call multiple times or after the event already
// fired.
func (b *Broker) Unsubscribe(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	w, ok := b.waiters[sessionID]
	if !ok {
		return
	}
	delete(b.waiters, sessionID)
	if !w.closed {
		w.closed = true
		close(w.ch)
	}
}

// Publish delivers ev to the local waiter for its session, if any, and
// fans it out to peer instances via the external bus. A waiter receives
// at most one event; further publishes for an already-delivered waiter
// are dropped until the eventual Unsubscribe removes it.
func (b *Broker) Publish(ctx context.Context, ev types.ReadyEvent) {
	b.deliverLocal(ev)
	if b.fanout != nil {
		// best-effort: a fanout failure must not block the caller, since
		// the local waiter (if any) has already been served.
		_ = b.fanout.Publish(ctx, ev)
	}
}

// Deliver is called by the fanout's receive loop (e.g. the SNS message
// handler) when a notification arrives from a peer instance. It only
// needs to reach a local waiter; no further fan-out is performed to
// avoid publish loops.
func (b *Broker) Deliver(ev types.ReadyEvent) {
	b.deliverLocal(ev)
}

func (b *Broker) deliverLocal(ev types.ReadyEvent) {
	// The lock is held across the send so Unsubscribe cannot close the
	// channel in between; the send itself never blocks.
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.waiters[ev.SessionID]
	if !ok || w.closed || w.delivered {
		return
	}

	select {
	case w.ch <- ev:
		w.delivered = true
	default:
		// channel already has a buffered event; the waiter has already
		// been served.
	}
}
