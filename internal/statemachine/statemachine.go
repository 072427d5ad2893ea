// Package statemachine is the canonical transition table over a
// session's InternalStatus.
package statemachine

import "github.com/wallcrawler/sessioncore/internal/types"

// Trigger names the event that drives a transition, for logging and for
// disambiguating transitions that share a destination.
type Trigger string

const (
	TriggerLifecycleRunningPending Trigger = "lifecycle_running_pending"
	TriggerChromeReady             Trigger = "chrome_ready"
	TriggerFirstCDPConnection      Trigger = "first_cdp_connection"
	TriggerAllConnectionsDropped   Trigger = "all_connections_dropped"
	TriggerReleaseRequested        Trigger = "release_requested"
	TriggerTTLExpired              Trigger = "ttl_expired"
	TriggerIdleTimeout             Trigger = "idle_timeout"
	TriggerLifecycleStopped        Trigger = "lifecycle_stopped"
	TriggerLaunchError             Trigger = "launch_error"
	TriggerWatchdog                Trigger = "watchdog"
)

// legal maps a source status to the set of destinations reachable from it
// and the trigger that licenses each edge, per the transition table.
var legal = map[types.InternalStatus]map[types.InternalStatus][]Trigger{
	types.InternalCreating: {
		types.InternalProvisioning: {TriggerLifecycleRunningPending},
		types.InternalFailed:       {TriggerLaunchError},
	},
	types.InternalProvisioning: {
		types.InternalReady: {TriggerChromeReady},
		types.InternalFailed: {TriggerLifecycleStopped, TriggerLaunchError, TriggerWatchdog},
	},
	types.InternalReady: {
		types.InternalActive:      {TriggerFirstCDPConnection},
		types.InternalTerminating: {TriggerReleaseRequested, TriggerTTLExpired, TriggerIdleTimeout},
		types.InternalFailed:      {TriggerLifecycleStopped, TriggerWatchdog},
	},
	types.InternalActive: {
		types.InternalReady:       {TriggerAllConnectionsDropped},
		types.InternalTerminating: {TriggerReleaseRequested, TriggerTTLExpired, TriggerIdleTimeout},
		types.InternalFailed:      {TriggerLifecycleStopped, TriggerWatchdog},
	},
	types.InternalTerminating: {
		types.InternalStopped: {TriggerLifecycleStopped},
		types.InternalFailed:  {TriggerWatchdog},
	},
}

// Allowed reports whether the transition from src to dst is legal at all
// (irrespective of trigger). A same-state write is an idempotent no-op and
// is allowed for every status, terminal ones included; terminal states
// reject every other destination.
func Allowed(src, dst types.InternalStatus) bool {
	if src == dst {
		return true
	}
	if src.Terminal() {
		return false
	}
	dests, ok := legal[src]
	if !ok {
		return false
	}
	_, ok = dests[dst]
	return ok
}

// AllowedOn reports whether the transition from src to dst is legal under
// the given trigger specifically.
func AllowedOn(src, dst types.InternalStatus, trigger Trigger) bool {
	dests, ok := legal[src]
	if !ok {
		return false
	}
	triggers, ok := dests[dst]
	if !ok {
		return false
	}
	for _, t := range triggers {
		if t == trigger {
			return true
		}
	}
	return false
}

// ClientStatus projects an InternalStatus to the small client-visible
// Status enum.
func ClientStatus(internal types.InternalStatus, timedOut bool) types.Status {
	return types.ClientStatus(internal, timedOut)
}
