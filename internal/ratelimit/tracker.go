// Package ratelimit gates outgoing poll and refresh calls per polling target.
// It enforces a fixed minimum spacing between calls and honours cooldown
// windows imposed by the backend through 429 responses.
package ratelimit

import (
	"time"
)

const (
	// DefaultMinSpacing is the minimum gap between two calls on one target.
	DefaultMinSpacing = 2 * time.Second
	// DefaultCooldown applies when a 429 carries no Retry-After hint.
	DefaultCooldown = 60 * time.Second
)

// State is the rate-limit bookkeeping for a single polling target. It is
// owned by exactly one scheduler and must not be shared across targets.
type State struct {
	IsCooldown    bool
	CooldownUntil time.Time // zero when no cooldown has been recorded
	LastCallAt    time.Time
}

// Policy configures a Tracker.
type Policy struct {
	MinSpacing      time.Duration
	DefaultCooldown time.Duration
}

// DefaultPolicy returns the stock spacing and cooldown values.
func DefaultPolicy() Policy {
	return Policy{MinSpacing: DefaultMinSpacing, DefaultCooldown: DefaultCooldown}
}

// Tracker applies a Policy to States. It holds no per-target data, so one
// Tracker can serve every target; each target keeps its own State.
type Tracker struct {
	policy Policy
}

// NewTracker creates a Tracker. Zero policy fields fall back to defaults;
// a negative MinSpacing disables spacing.
func NewTracker(p Policy) *Tracker {
	if p.MinSpacing == 0 {
		p.MinSpacing = DefaultMinSpacing
	}
	if p.MinSpacing < 0 {
		p.MinSpacing = 0
	}
	if p.DefaultCooldown <= 0 {
		p.DefaultCooldown = DefaultCooldown
	}
	return &Tracker{policy: p}
}

// Policy returns the effective policy.
func (t *Tracker) Policy() Policy {
	return t.policy
}

// CanCall reports whether a call on the target may be issued at now. An
// expired cooldown is cleared as a side effect.
func (t *Tracker) CanCall(s *State, now time.Time) bool {
	t.OnCooldownExpired(s, now)
	if s.IsCooldown && now.Before(s.CooldownUntil) {
		return false
	}
	if !s.LastCallAt.IsZero() && now.Sub(s.LastCallAt) < t.policy.MinSpacing {
		return false
	}
	return true
}

// OnCallIssued records that a call went out at now.
func (t *Tracker) OnCallIssued(s *State, now time.Time) {
	s.LastCallAt = now
}

// OnRateLimited opens a cooldown window of retryAfter starting at now,
// replacing any existing window. A non-positive retryAfter uses the policy's
// default cooldown.
func (t *Tracker) OnRateLimited(s *State, retryAfter time.Duration, now time.Time) {
	if retryAfter <= 0 {
		retryAfter = t.policy.DefaultCooldown
	}
	s.IsCooldown = true
	s.CooldownUntil = now.Add(retryAfter)
}

// OnCooldownExpired clears the cooldown flag once now has reached
// CooldownUntil.
func (t *Tracker) OnCooldownExpired(s *State, now time.Time) {
	if s.IsCooldown && !now.Before(s.CooldownUntil) {
		s.IsCooldown = false
	}
}

// Remaining returns how long until CanCall would next return true.
func (t *Tracker) Remaining(s *State, now time.Time) time.Duration {
	var wait time.Duration
	if s.IsCooldown && now.Before(s.CooldownUntil) {
		wait = s.CooldownUntil.Sub(now)
	}
	if !s.LastCallAt.IsZero() {
		if gap := t.policy.MinSpacing - now.Sub(s.LastCallAt); gap > wait {
			wait = gap
		}
	}
	return wait
}
