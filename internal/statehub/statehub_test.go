// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package statehub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesCurrentStateImmediately(t *testing.T) {
	h := New()
	ch, cancel := h.Subscribe("acme/model1")
	defer cancel()

	st := <-ch
	require.Equal(t, StatusIdle, st.Status)
}

func TestTransitionIsNeverThrottled(t *testing.T) {
	h := New()
	ch, cancel := h.Subscribe("acme/model1")
	defer cancel()
	<-ch // initial

	for i := 0; i < 5; i++ {
		h.Transition("acme/model1", StatusDownloading, "")
	}
	count := 0
	for {
		select {
		case <-ch:
			count++
		default:
			require.Equal(t, 5, count)
			return
		}
	}
}

func TestReportBytesThrottles(t *testing.T) {
	h := New()
	ch, cancel := h.Subscribe("acme/model1")
	defer cancel()
	<-ch // initial

	for i := 0; i < 100; i++ {
		h.ReportBytes("acme/model1", "model.safetensors", 1, 1, int64(i), 100)
	}

	count := 0
	for {
		select {
		case <-ch:
			count++
		default:
			require.Less(t, count, 100, "throttle should have dropped publishes")
			return
		}
	}
}

func TestSeqMonotonicallyIncreases(t *testing.T) {
	h := New()
	h.Transition("acme/model1", StatusDownloading, "")
	first := h.Get("acme/model1").Seq
	h.Transition("acme/model1", StatusDownloaded, "")
	second := h.Get("acme/model1").Seq
	require.Greater(t, second, first)
}

func TestCancelStopsDelivery(t *testing.T) {
	h := New()
	ch, cancel := h.Subscribe("acme/model1")
	<-ch // initial
	cancel()

	h.Transition("acme/model1", StatusDownloading, "")
	_, ok := <-ch
	require.False(t, ok, "channel should be closed after cancel")
}

func TestStatusStringsAreStable(t *testing.T) {
	cases := map[Status]string{
		StatusIdle:        "idle",
		StatusDownloading: "downloading",
		StatusVerifying:   "verifying",
		StatusDownloaded:  "downloaded",
		StatusBackoffWait: "backoff_wait",
		StatusFailed:      "failed",
		StatusCancelled:   "cancelled",
	}
	for status, want := range cases {
		require.Equal(t, want, status.String())
	}
}

func TestReportBytesPopulatesActiveFile(t *testing.T) {
	h := New()
	h.ReportBytes("acme/model1", "model.safetensors", 2, 5, 50, 100)
	st := h.Get("acme/model1")
	require.Equal(t, ActiveFileStatus{Index: 2, Total: 5, Progress: 0.5}, st.ActiveFile)
}

func TestSetVerifyCountersIsNeverThrottled(t *testing.T) {
	h := New()
	ch, cancel := h.Subscribe("acme/model1")
	defer cancel()
	<-ch // initial

	for i := 0; i < 5; i++ {
		h.SetVerifyCounters("acme/model1", 1, i, i, 5)
	}
	st := h.Get("acme/model1")
	require.Equal(t, VerifyCounters{Missing: 1, Corrupt: 4, Repaired: 4, TotalToRepair: 5}, st.VerifyCounters)

	count := 0
	for {
		select {
		case <-ch:
			count++
		default:
			require.Equal(t, 5, count)
			return
		}
	}
}

func TestTransitionFailedRecordsDownloadError(t *testing.T) {
	h := New()
	h.TransitionFailed("acme/model1", "network unreachable", "network_error")
	st := h.Get("acme/model1")
	require.Equal(t, StatusFailed, st.Status)
	require.NotNil(t, st.DownloadError)
	require.Equal(t, "network_error", st.DownloadError.Kind)
	require.Equal(t, "network unreachable", st.DownloadError.Message)
}

func TestBeginAttemptClearsPriorAttemptDetail(t *testing.T) {
	h := New()
	h.TransitionFailed("acme/model1", "boom", "network_error")
	h.SetVerifyCounters("acme/model1", 1, 1, 0, 2)

	h.BeginAttempt("acme/model1", "attempt-2")
	st := h.Get("acme/model1")
	require.Nil(t, st.DownloadError)
	require.Equal(t, VerifyCounters{}, st.VerifyCounters)
	require.Equal(t, ActiveFileStatus{}, st.ActiveFile)
}

func TestSlowSubscriberDoesNotBlockWriter(t *testing.T) {
	h := New()
	_, cancel := h.Subscribe("acme/model1") // never drained; its 16-slot buffer fills up
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			h.Transition("acme/model1", StatusDownloading, "")
			time.Sleep(time.Millisecond)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("writer blocked on slow subscriber")
	}
}
