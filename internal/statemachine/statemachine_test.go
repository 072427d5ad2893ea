package statemachine

import (
	"testing"

	"github.com/wallcrawler/sessioncore/internal/types"
)

func TestAllowedPermitsTableEdges(t *testing.T) {
	cases := []struct {
		src, dst types.InternalStatus
	}{
		{types.InternalCreating, types.InternalProvisioning},
		{types.InternalProvisioning, types.InternalReady},
		{types.InternalReady, types.InternalActive},
		{types.InternalActive, types.InternalReady},
		{types.InternalReady, types.InternalTerminating},
		{types.InternalTerminating, types.InternalStopped},
	}
	for _, c := range cases {
		if !Allowed(c.src, c.dst) {
			t.Errorf("Allowed(%s, %s) = false, want true", c.src, c.dst)
		}
	}
}

func TestAllowedRejectsSkippedStates(t *testing.T) {
	if Allowed(types.InternalCreating, types.InternalActive) {
		t.Errorf("Allowed(CREATING, ACTIVE) = true, want false (skips PROVISIONING/READY)")
	}
	if Allowed(types.InternalCreating, types.InternalStopped) {
		t.Errorf("Allowed(CREATING, STOPPED) = true, want false")
	}
}

func TestAllowedTerminalStatesRejectFurtherTransitions(t *testing.T) {
	if Allowed(types.InternalStopped, types.InternalActive) {
		t.Errorf("Allowed(STOPPED, ACTIVE) = true, want false")
	}
	if Allowed(types.InternalFailed, types.InternalReady) {
		t.Errorf("Allowed(FAILED, READY) = true, want false")
	}
}

func TestAllowedSameStateIsIdempotentNoOp(t *testing.T) {
	if !Allowed(types.InternalReady, types.InternalReady) {
		t.Errorf("Allowed(READY, READY) = false, want true (idempotent)")
	}
	if !Allowed(types.InternalStopped, types.InternalStopped) {
		t.Errorf("Allowed(STOPPED, STOPPED) = false, want true (idempotent)")
	}
}

func TestAllowedOnRequiresMatchingTrigger(t *testing.T) {
	if !AllowedOn(types.InternalReady, types.InternalTerminating, TriggerTTLExpired) {
		t.Errorf("AllowedOn(READY, TERMINATING, TriggerTTLExpired) = false, want true")
	}
	if AllowedOn(types.InternalReady, types.InternalTerminating, TriggerChromeReady) {
		t.Errorf("AllowedOn(READY, TERMINATING, TriggerChromeReady) = true, want false")
	}
	if AllowedOn(types.InternalReady, types.InternalActive, TriggerTTLExpired) {
		t.Errorf("AllowedOn(READY, ACTIVE, TriggerTTLExpired) = true, want false")
	}
}

func TestClientStatusDelegatesToTypes(t *testing.T) {
	if got := ClientStatus(types.InternalActive, false); got != types.StatusRunning {
		t.Errorf("ClientStatus(ACTIVE, false) = %s, want %s", got, types.StatusRunning)
	}
}
