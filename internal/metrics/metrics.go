// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes the engine's Prometheus instrumentation: active
// downloads, backoff-gated repos, bytes transferred, and repair outcomes.
// It is ambient observability, not a spec'd component, but every engine
// deployment wires it the same way the HTTP and CLI surfaces do.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every metric the engine publishes, so callers construct
// one Registry and pass it wherever an operation needs to record
// something, instead of reaching for package-level globals.
type Registry struct {
	ActiveDownloads   prometheus.Gauge
	BackoffGatedRepos prometheus.Gauge
	BytesTransferred  prometheus.Counter
	FilesVerified     prometheus.Counter
	FilesRepaired     prometheus.Counter
	FilesUnrecoverable prometheus.Counter
	HubRequests       *prometheus.CounterVec
	DownloadDuration  prometheus.Histogram
}

// New constructs a Registry and registers every metric against reg.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		ActiveDownloads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "modelengine",
			Name:      "active_downloads",
			Help:      "Number of repos currently downloading.",
		}),
		BackoffGatedRepos: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "modelengine",
			Name:      "backoff_gated_repos",
			Help:      "Number of repos currently withheld by the network failure backoff gate.",
		}),
		BytesTransferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "modelengine",
			Name:      "bytes_transferred_total",
			Help:      "Total bytes streamed from the hub across all repos.",
		}),
		FilesVerified: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "modelengine",
			Name:      "files_verified_total",
			Help:      "Total files checked by the verification service.",
		}),
		FilesRepaired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "modelengine",
			Name:      "files_repaired_total",
			Help:      "Total files successfully re-downloaded during a repair pass.",
		}),
		FilesUnrecoverable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "modelengine",
			Name:      "files_unrecoverable_total",
			Help:      "Total files that remained corrupt after one repair round.",
		}),
		HubRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelengine",
			Name:      "hub_requests_total",
			Help:      "Repo download attempts by outcome (success, failed, cancelled, backoff).",
		}, []string{"kind"}),
		DownloadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "modelengine",
			Name:      "download_duration_seconds",
			Help:      "Wall-clock duration of a full repo download.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}

	reg.MustRegister(
		m.ActiveDownloads,
		m.BackoffGatedRepos,
		m.BytesTransferred,
		m.FilesVerified,
		m.FilesRepaired,
		m.FilesUnrecoverable,
		m.HubRequests,
		m.DownloadDuration,
	)
	return m
}

// Every recording method below tolerates a nil *Registry, so components
// can hold one unconditionally (from Config.Metrics being unset) without a
// nil check at every call site.

// IncActiveDownloads/DecActiveDownloads track repos with a download
// goroutine currently running (§4.6).
func (r *Registry) IncActiveDownloads() {
	if r == nil {
		return
	}
	r.ActiveDownloads.Inc()
}

func (r *Registry) DecActiveDownloads() {
	if r == nil {
		return
	}
	r.ActiveDownloads.Dec()
}

// SetBackoffGatedRepos records how many repos the Network Failure Manager
// is currently withholding (§4.2).
func (r *Registry) SetBackoffGatedRepos(n int) {
	if r == nil {
		return
	}
	r.BackoffGatedRepos.Set(float64(n))
}

// AddBytesTransferred accounts for n bytes streamed from the hub.
func (r *Registry) AddBytesTransferred(n int64) {
	if r == nil {
		return
	}
	r.BytesTransferred.Add(float64(n))
}

// IncFilesVerified accounts for one file checked by the verification
// service, whether or not it passed.
func (r *Registry) IncFilesVerified() {
	if r == nil {
		return
	}
	r.FilesVerified.Inc()
}

// AddFilesRepaired accounts for n files successfully re-downloaded during a
// repair pass.
func (r *Registry) AddFilesRepaired(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.FilesRepaired.Add(float64(n))
}

// AddFilesUnrecoverable accounts for n files that remained corrupt after
// one repair round (§4.7.c).
func (r *Registry) AddFilesUnrecoverable(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.FilesUnrecoverable.Add(float64(n))
}

// IncHubRequest tags one completed DownloadRepo attempt with its outcome
// kind ("success", "failed", "cancelled", "backoff").
func (r *Registry) IncHubRequest(kind string) {
	if r == nil {
		return
	}
	r.HubRequests.WithLabelValues(kind).Inc()
}

// ObserveDownloadDuration records a full repo download's wall-clock time.
func (r *Registry) ObserveDownloadDuration(d time.Duration) {
	if r == nil {
		return
	}
	r.DownloadDuration.Observe(d.Seconds())
}
