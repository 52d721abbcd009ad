// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package failure

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pocket-cloud-mlx/modelengine/internal/model"
)

func TestIsReadyTrueWithoutRecord(t *testing.T) {
	m := New(DefaultPolicy(), nil)
	require.True(t, m.IsReady("a/b"))
}

func TestRecordFailureGatesFurtherCalls(t *testing.T) {
	clock := time.Now()
	m := New(DefaultPolicy(), func() time.Time { return clock })

	m.RecordFailure("a/b", engine.KindNetworkError, 0)
	require.False(t, m.IsReady("a/b"))

	wait, ok := m.PendingBackoff("a/b")
	require.True(t, ok)
	require.InDelta(t, float64(24*time.Second), float64(wait), float64(12*time.Second))

	clock = clock.Add(40 * time.Second)
	require.True(t, m.IsReady("a/b"))
}

func TestRecordSuccessClearsRecord(t *testing.T) {
	m := New(DefaultPolicy(), nil)
	m.RecordFailure("a/b", engine.KindNetworkError, 0)
	m.RecordSuccess("a/b")
	require.True(t, m.IsReady("a/b"))
	_, ok := m.PendingBackoff("a/b")
	require.False(t, ok)
}

func TestBackoffMonotonicity(t *testing.T) {
	// Property from spec §8: after k consecutive failures, pending backoff
	// is >= min(cap, base*2^(k-1))*(1-jitter).
	clock := time.Now()
	policy := DefaultPolicy()
	m := New(policy, func() time.Time { return clock })

	for k := uint32(1); k <= 8; k++ {
		m.RecordFailure("a/b", engine.KindNetworkError, 0)
		wait, ok := m.PendingBackoff("a/b")
		require.True(t, ok)
		require.GreaterOrEqual(t, wait, policy.MinDelay(k))
		// Advance by one Cap; the record is kept, so the next iteration's
		// RecordFailure counts as another consecutive failure.
		clock = clock.Add(policy.Cap)
	}
}

func TestRetryAfterOverridesComputedDelay(t *testing.T) {
	clock := time.Now()
	m := New(DefaultPolicy(), func() time.Time { return clock })

	wait := m.RecordFailure("a/b", engine.KindRateLimited, 17*time.Second)
	require.Equal(t, 17*time.Second, wait)
}

func TestNoThunderingHerdWhileBackoffPending(t *testing.T) {
	clock := time.Now()
	m := New(DefaultPolicy(), func() time.Time { return clock })
	m.RecordFailure("a/b", engine.KindNetworkError, 0)

	calls := 0
	for i := 0; i < 5; i++ {
		if m.IsReady("a/b") {
			calls++
		}
	}
	require.Equal(t, 0, calls)
}
