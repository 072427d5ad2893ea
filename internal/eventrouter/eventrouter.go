// Package eventrouter is the Event Router (C3): normalizes container-
// lifecycle events and Session Store change records into state-machine
// transitions and Readiness Broker publishes.
package eventrouter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wallcrawler/sessioncore/internal/broker"
	"github.com/wallcrawler/sessioncore/internal/statemachine"
	"github.com/wallcrawler/sessioncore/internal/store"
	"github.com/wallcrawler/sessioncore/internal/token"
	"github.com/wallcrawler/sessioncore/internal/types"
)

// ContainerPlatform is the narrow surface the router needs to resolve a
// task's session tag; the public address arrives on the lifecycle event.
type ContainerPlatform interface {
	DescribeTaskSessionID(ctx context.Context, cluster, taskID string) (string, error)
}

// Router is the Event Router.
type Router struct {
	store    *store.Store
	broker   *broker.Broker
	tokens   *token.Service
	platform ContainerPlatform
	cluster  string

	seenMu sync.Mutex
	seen   map[string]time.Time
	seenTTL time.Duration
}

// New builds a Router over its collaborators.
func New(st *store.Store, br *broker.Broker, tokens *token.Service, platform ContainerPlatform, cluster string) *Router {
	return &Router{
		store:    st,
		broker:   br,
		tokens:   tokens,
		platform: platform,
		cluster:  cluster,
		seen:     make(map[string]time.Time),
		seenTTL:  10 * time.Minute,
	}
}

// dedupe reports whether (sessionID, status) was already processed
// recently, guarding against at-least-once redelivery (§4.3).
func (r *Router) dedupe(sessionID string, status types.InternalStatus) bool {
	key := sessionID + "|" + string(status)

	r.seenMu.Lock()
	defer r.seenMu.Unlock()

	now := time.Now()
	for k, t := range r.seen {
		if now.Sub(t) > r.seenTTL {
			delete(r.seen, k)
		}
	}

	if _, ok := r.seen[key]; ok {
		return true
	}
	r.seen[key] = now
	return false
}

// HandleLifecycleEvent processes a container-platform report about one
// task, resolving its session via the SESSION_ID tag set at launch.
func (r *Router) HandleLifecycleEvent(ctx context.Context, ev types.LifecycleEvent) error {
	sessionID, err := r.platform.DescribeTaskSessionID(ctx, r.cluster, ev.TaskID)
	if err != nil {
		return fmt.Errorf("resolve session for task %s: %w", ev.TaskID, err)
	}
	if sessionID == "" {
		return nil // not one of ours, or tag missing: nothing to correlate
	}

	current, err := r.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	switch ev.Phase {
	case types.PhaseProvisioning:
		if r.dedupe(sessionID, types.InternalProvisioning) {
			return nil
		}
		if !statemachine.Allowed(current.InternalStatus, types.InternalProvisioning) {
			return nil
		}
		_, err := r.store.UpdateIf(ctx, sessionID, current.InternalStatus, func(s types.Session) types.Session {
			s.InternalStatus = types.InternalProvisioning
			s.StartedAt = time.Now().UTC().Format(time.RFC3339)
			s.AppendEvent(types.EventEnvelope{Type: "PROVISIONING", Timestamp: s.UpdatedAt})
			return s
		})
		return err

	case types.PhaseRunning:
		return r.handleRunning(ctx, sessionID, current, ev)

	case types.PhaseStopped:
		return r.handleStopped(ctx, sessionID, current, ev)
	}
	return nil
}

func (r *Router) handleRunning(ctx context.Context, sessionID string, current types.Session, ev types.LifecycleEvent) error {
	if ev.PublicAddress == "" {
		// container running but not yet chrome-ready; nothing to transition yet.
		return nil
	}
	if r.dedupe(sessionID, types.InternalReady) {
		return nil
	}
	if !statemachine.AllowedOn(current.InternalStatus, types.InternalReady, statemachine.TriggerChromeReady) {
		return nil
	}

	connectURL := fmt.Sprintf("wss://%s/cdp?token=%s", ev.PublicAddress, current.SigningKey)

	updated, err := r.store.UpdateIf(ctx, sessionID, current.InternalStatus, func(s types.Session) types.Session {
		s.InternalStatus = types.InternalReady
		s.Status = statemachine.ClientStatus(types.InternalReady, false)
		s.PublicAddress = ev.PublicAddress
		s.ConnectURL = connectURL
		s.ReadyAt = time.Now().UTC().Format(time.RFC3339)
		s.AppendEvent(types.EventEnvelope{Type: "READY", Timestamp: s.UpdatedAt})
		return s
	})
	if err != nil {
		return err
	}

	r.broker.Publish(ctx, types.ReadyEvent{SessionID: sessionID, Kind: types.ReadyEventReady, Snapshot: updated})
	return nil
}

func (r *Router) handleStopped(ctx context.Context, sessionID string, current types.Session, ev types.LifecycleEvent) error {
	if current.InternalStatus.Terminal() {
		return nil // idempotent no-op per §4.6
	}

	failed := ev.ExitCode != nil && *ev.ExitCode != 0
	dest := types.InternalStopped
	trigger := statemachine.TriggerLifecycleStopped
	if failed || current.InternalStatus == types.InternalCreating || current.InternalStatus == types.InternalProvisioning {
		dest = types.InternalFailed
	}
	if !statemachine.AllowedOn(current.InternalStatus, dest, trigger) && !statemachine.Allowed(current.InternalStatus, dest) {
		return nil
	}
	if r.dedupe(sessionID, dest) {
		return nil
	}

	updated, err := r.store.UpdateIf(ctx, sessionID, current.InternalStatus, func(s types.Session) types.Session {
		s.InternalStatus = dest
		s.Status = statemachine.ClientStatus(dest, false)
		s.TerminatedAt = time.Now().UTC().Format(time.RFC3339)
		s.AppendEvent(types.EventEnvelope{Type: string(dest), Timestamp: s.UpdatedAt, Reason: ev.Reason})
		return s
	})
	if err != nil {
		return err
	}

	if dest == types.InternalFailed {
		r.broker.Publish(ctx, types.ReadyEvent{SessionID: sessionID, Kind: types.ReadyEventFailed, Reason: ev.Reason, Snapshot: updated})
	}
	return nil
}

// HandleStateChange processes a before/after image from the Store,
// filtering for transitions into READY/FAILED and publishing a
// readiness notification for the first waiter that subscribed before
// this publish.
func (r *Router) HandleStateChange(ctx context.Context, rec types.StateChangeRecord) {
	if rec.Before.InternalStatus == rec.After.InternalStatus {
		return
	}

	switch rec.After.InternalStatus {
	case types.InternalReady:
		r.broker.Publish(ctx, types.ReadyEvent{SessionID: rec.SessionID, Kind: types.ReadyEventReady, Snapshot: rec.After})
	case types.InternalFailed:
		r.broker.Publish(ctx, types.ReadyEvent{SessionID: rec.SessionID, Kind: types.ReadyEventFailed, Snapshot: rec.After})
	}
}
