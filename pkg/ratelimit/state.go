// Package ratelimit tracks the upstream API's request budget, advertised
// through X-RateLimit-Remaining and X-RateLimit-Reset, and gates requests
// before the budget runs out. State lives in Redis so every process talking
// to the same API shares one view.
package ratelimit

import "time"

// Thresholds decide when requests are throttled or blocked.
type Thresholds struct {
	// Critical blocks requests while fewer than this many remain.
	Critical int

	// Warning throttles requests while fewer than this many remain.
	Warning int

	// Healthy marks the state healthy at or above this many.
	Healthy int
}

// DefaultThresholds returns conservative thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{Critical: 2, Warning: 10, Healthy: 50}
}

// State is the last observed request budget.
type State struct {
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"reset_at"`
	LastUpdate time.Time `json:"last_update"`
	IsHealthy  bool      `json:"is_healthy"`
}

// IsStale reports whether the state is older than maxAge.
func (s *State) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// TimeUntilReset returns the time until the budget resets, or 0.
func (s *State) TimeUntilReset() time.Duration {
	d := time.Until(s.ResetAt)
	if d < 0 {
		return 0
	}
	return d
}

// NeedsBlock reports whether requests must wait for the reset.
// A window that has already reset never blocks.
func (s *State) NeedsBlock(th Thresholds) bool {
	return s.Remaining < th.Critical && s.TimeUntilReset() > 0
}

// NeedsThrottling reports whether requests should be slowed down.
func (s *State) NeedsThrottling(th Thresholds) bool {
	return s.Remaining < th.Warning && s.TimeUntilReset() > 0 && !s.NeedsBlock(th)
}

// UpdateHealth recomputes IsHealthy.
func (s *State) UpdateHealth(th Thresholds) {
	s.IsHealthy = s.Remaining >= th.Healthy
}
