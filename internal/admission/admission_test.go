package admission

import (
	"context"
	"strings"
	"testing"

	"github.com/wallcrawler/sessioncore/internal/errs"
)

func TestNormalizeTimeoutDefaultsWhenZero(t *testing.T) {
	got := NormalizeTimeout(0, 3600, 7200)
	if got != 3600 {
		t.Errorf("NormalizeTimeout(0, 3600, 7200) = %d, want 3600", got)
	}
}

func TestNormalizeTimeoutClampsToFloor(t *testing.T) {
	got := NormalizeTimeout(10, 3600, 7200)
	if got != 60 {
		t.Errorf("NormalizeTimeout(10, ...) = %d, want 60", got)
	}
}

func TestNormalizeTimeoutClampsToProjectCeiling(t *testing.T) {
	got := NormalizeTimeout(99999, 3600, 7200)
	if got != 7200 {
		t.Errorf("NormalizeTimeout(99999, ..., 7200) = %d, want 7200", got)
	}
}

func TestNormalizeTimeoutPassesThroughWithinBounds(t *testing.T) {
	got := NormalizeTimeout(1800, 3600, 7200)
	if got != 1800 {
		t.Errorf("NormalizeTimeout(1800, ...) = %d, want 1800", got)
	}
}

func TestValidateUserMetadataAcceptsWithinBudget(t *testing.T) {
	if err := ValidateUserMetadata(map[string]string{"k": "v"}); err != nil {
		t.Errorf("ValidateUserMetadata(small map) = %v, want nil", err)
	}
}

func TestValidateUserMetadataRejectsOverBudget(t *testing.T) {
	big := strings.Repeat("x", MaxUserMetadataBytes+1)
	err := ValidateUserMetadata(map[string]string{"k": big})
	if err == nil {
		t.Fatal("ValidateUserMetadata(oversized map) = nil, want error")
	}
	if !errs.Is(err, errs.KindValidation) {
		t.Errorf("ValidateUserMetadata error kind = %v, want KindValidation", err)
	}
}

func TestKeyIDIsStableAndNonReversible(t *testing.T) {
	a := KeyID("wc_abc123")
	b := KeyID("wc_abc123")
	if a != b {
		t.Errorf("KeyID is not stable: %q != %q", a, b)
	}
	if strings.Contains(a, "abc123") {
		t.Errorf("KeyID(%q) leaks the raw key: %q", "wc_abc123", a)
	}
	if KeyID("wc_abc123") == KeyID("wc_abc124") {
		t.Errorf("KeyID collided for distinct keys")
	}
}

func TestResolveRejectsMalformedKeyWithoutTouchingDynamoDB(t *testing.T) {
	c := New(nil, nil, "keys-table", "projects-table")

	_, err := c.Resolve(context.Background(), "not-a-wc-key")
	if err == nil {
		t.Fatal("Resolve(malformed key) = nil error, want auth error")
	}
	if !errs.Is(err, errs.KindAuth) {
		t.Errorf("Resolve(malformed key) kind = %v, want KindAuth", err)
	}
}

func TestResolveRejectsBareKeyPrefix(t *testing.T) {
	c := New(nil, nil, "keys-table", "projects-table")

	_, err := c.Resolve(context.Background(), apiKeyPrefix)
	if !errs.Is(err, errs.KindAuth) {
		t.Errorf("Resolve(bare prefix) kind = %v, want KindAuth", err)
	}
}

func TestWithRedisAddrEmptyIsNoOp(t *testing.T) {
	c := New(nil, nil, "keys-table", "projects-table", WithRedisAddr(""))
	if c.rdb != nil {
		t.Errorf("WithRedisAddr(\"\") configured a redis client, want nil")
	}
}
