// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package failure implements the Network Failure Manager (C2): a per-repo
// failure counter and exponential-backoff gate so a misconfigured or
// offline client never hammers the hub (§4.2).
package failure

import (
	"math/rand"
	"sync"
	"time"

	"github.com/pocket-cloud-mlx/modelengine/internal/model"
)

// Policy configures the backoff schedule (§3, §6 "backoff" config block).
type Policy struct {
	Base        time.Duration
	Factor      float64
	Cap         time.Duration
	JitterRatio float64
}

// DefaultPolicy matches §3's backoff schedule: base 30s, factor 2, cap 30m,
// jitter +-20%.
func DefaultPolicy() Policy {
	return Policy{Base: 30 * time.Second, Factor: 2, Cap: 30 * time.Minute, JitterRatio: 0.2}
}

// record is the per-repo failure state (§3 FailureRecord).
type record struct {
	consecutiveFailures uint32
	nextAllowedAt        time.Time
	lastErrorKind         engine.ErrorKind
}

// Manager is the single arbiter for "should I call the hub now?".
// Concurrent callers observe consistent scheduling.
type Manager struct {
	mu      sync.Mutex
	policy  Policy
	records map[string]*record
	now     func() time.Time
}

// New creates a Manager with the given policy. If now is nil, time.Now is
// used; tests may substitute a deterministic clock.
func New(policy Policy, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{policy: policy, records: make(map[string]*record), now: now}
}

// IsReady reports whether repoID may be contacted right now: true iff
// now >= next_allowed_at or no record exists.
func (m *Manager) IsReady(repoID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[repoID]
	if !ok {
		return true
	}
	return !m.now().Before(r.nextAllowedAt)
}

// PendingBackoff returns the remaining wait for repoID, or zero/false if
// none is pending.
func (m *Manager) PendingBackoff(repoID string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[repoID]
	if !ok {
		return 0, false
	}
	remaining := r.nextAllowedAt.Sub(m.now())
	if remaining <= 0 {
		return 0, false
	}
	return remaining, true
}

// RecordSuccess clears any failure record for repoID.
func (m *Manager) RecordSuccess(repoID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, repoID)
}

// RecordFailure registers a failure for repoID. Only network-class errors
// (connectivity, 5xx, 429, timeouts) should be passed here; callers must
// not call RecordFailure for 401/403/404, which are terminal and
// non-backoff-eligible (§4.2, §7, §9).
//
// retryAfter, when non-zero, seeds next_allowed_at directly (the hub's
// Retry-After header takes precedence over the computed exponential delay,
// per §4.4).
func (m *Manager) RecordFailure(repoID string, kind engine.ErrorKind, retryAfter time.Duration) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[repoID]
	if !ok {
		r = &record{}
		m.records[repoID] = r
	}
	r.consecutiveFailures++
	r.lastErrorKind = kind

	var wait time.Duration
	if retryAfter > 0 {
		wait = retryAfter
	} else {
		wait = m.scheduledDelay(r.consecutiveFailures)
	}
	r.nextAllowedAt = m.now().Add(wait)
	return wait
}

// scheduledDelay computes min(cap, base*factor^(n-1)) with +-jitter applied.
func (m *Manager) scheduledDelay(n uint32) time.Duration {
	base := float64(m.policy.Base)
	delay := base
	for i := uint32(1); i < n; i++ {
		delay *= m.policy.Factor
	}
	capped := float64(m.policy.Cap)
	if delay > capped {
		delay = capped
	}
	jitter := 1 + (rand.Float64()*2-1)*m.policy.JitterRatio
	return time.Duration(delay * jitter)
}

// MinDelay returns the lower bound min(cap, base*factor^(n-1))*(1-jitter),
// used by tests to assert backoff monotonicity (§8).
func (p Policy) MinDelay(n uint32) time.Duration {
	base := float64(p.Base)
	delay := base
	for i := uint32(1); i < n; i++ {
		delay *= p.Factor
	}
	capped := float64(p.Cap)
	if delay > capped {
		delay = capped
	}
	return time.Duration(delay * (1 - p.JitterRatio))
}

// GatedCount reports how many repos are currently withheld by the backoff
// gate, for the BackoffGatedRepos metric.
func (m *Manager) GatedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for _, r := range m.records {
		if now.Before(r.nextAllowedAt) {
			n++
		}
	}
	return n
}

// LastErrorKind returns the error kind that most recently triggered a
// failure for repoID, if any.
func (m *Manager) LastErrorKind(repoID string) (engine.ErrorKind, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[repoID]
	if !ok {
		return "", false
	}
	return r.lastErrorKind, true
}
