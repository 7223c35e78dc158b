package ratelimit

import (
	"testing"
	"time"
)

var t0 = time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)

func TestCanCallFirstCall(t *testing.T) {
	tr := NewTracker(Policy{})
	var s State
	if !tr.CanCall(&s, t0) {
		t.Fatal("first call on a fresh target should be allowed")
	}
}

func TestCanCallMinSpacing(t *testing.T) {
	tr := NewTracker(DefaultPolicy())
	var s State
	tr.OnCallIssued(&s, t0)

	for _, d := range []time.Duration{0, 500 * time.Millisecond, 1999 * time.Millisecond} {
		if tr.CanCall(&s, t0.Add(d)) {
			t.Errorf("CanCall at +%v = true, want false", d)
		}
	}
	if !tr.CanCall(&s, t0.Add(2000*time.Millisecond)) {
		t.Error("CanCall at +2000ms = false, want true")
	}
}

func TestCanCallCooldown(t *testing.T) {
	tr := NewTracker(DefaultPolicy())
	var s State
	tr.OnCallIssued(&s, t0)
	tr.OnRateLimited(&s, 15*time.Second, t0)

	if !s.IsCooldown {
		t.Fatal("IsCooldown should be set after OnRateLimited")
	}
	if want := t0.Add(15 * time.Second); !s.CooldownUntil.Equal(want) {
		t.Errorf("CooldownUntil = %v, want %v", s.CooldownUntil, want)
	}
	if tr.CanCall(&s, t0.Add(14*time.Second)) {
		t.Error("call before CooldownUntil should be rejected")
	}
	if !tr.CanCall(&s, t0.Add(15*time.Second)) {
		t.Error("call at CooldownUntil should be allowed")
	}
	if s.IsCooldown {
		t.Error("CanCall should lazily clear an expired cooldown")
	}
}

func TestOnRateLimitedDefaultCooldown(t *testing.T) {
	tr := NewTracker(Policy{})
	var s State
	tr.OnRateLimited(&s, 0, t0)
	if want := t0.Add(DefaultCooldown); !s.CooldownUntil.Equal(want) {
		t.Errorf("CooldownUntil = %v, want %v", s.CooldownUntil, want)
	}
}

func TestOnRateLimitedReplacesWindow(t *testing.T) {
	tr := NewTracker(DefaultPolicy())
	var s State

	tr.OnRateLimited(&s, 60*time.Second, t0)
	// A later, shorter hint shortens the window rather than stacking.
	tr.OnRateLimited(&s, 5*time.Second, t0.Add(time.Second))
	if want := t0.Add(6 * time.Second); !s.CooldownUntil.Equal(want) {
		t.Errorf("CooldownUntil = %v, want %v", s.CooldownUntil, want)
	}
	if !tr.CanCall(&s, t0.Add(6*time.Second)) {
		t.Error("call after replaced window should be allowed")
	}

	// And a longer one extends it.
	tr.OnRateLimited(&s, 30*time.Second, t0.Add(10*time.Second))
	if want := t0.Add(40 * time.Second); !s.CooldownUntil.Equal(want) {
		t.Errorf("CooldownUntil = %v, want %v", s.CooldownUntil, want)
	}
}

func TestOnCooldownExpired(t *testing.T) {
	tr := NewTracker(DefaultPolicy())
	s := State{IsCooldown: true, CooldownUntil: t0}

	tr.OnCooldownExpired(&s, t0.Add(-time.Millisecond))
	if !s.IsCooldown {
		t.Error("cooldown should still be active before CooldownUntil")
	}
	tr.OnCooldownExpired(&s, t0)
	if s.IsCooldown {
		t.Error("cooldown should clear at CooldownUntil")
	}
}

func TestRemaining(t *testing.T) {
	tr := NewTracker(DefaultPolicy())
	var s State
	if got := tr.Remaining(&s, t0); got != 0 {
		t.Errorf("Remaining on fresh state = %v, want 0", got)
	}

	tr.OnCallIssued(&s, t0)
	if got := tr.Remaining(&s, t0.Add(500*time.Millisecond)); got != 1500*time.Millisecond {
		t.Errorf("Remaining (spacing) = %v, want 1.5s", got)
	}

	tr.OnRateLimited(&s, 10*time.Second, t0)
	if got := tr.Remaining(&s, t0.Add(time.Second)); got != 9*time.Second {
		t.Errorf("Remaining (cooldown) = %v, want 9s", got)
	}
}

func TestStatesAreIndependent(t *testing.T) {
	tr := NewTracker(DefaultPolicy())
	var detail, list State
	tr.OnRateLimited(&detail, 30*time.Second, t0)

	if tr.CanCall(&detail, t0.Add(time.Second)) {
		t.Error("detail target should be cooling down")
	}
	if !tr.CanCall(&list, t0.Add(time.Second)) {
		t.Error("list target must not inherit another target's cooldown")
	}
}
