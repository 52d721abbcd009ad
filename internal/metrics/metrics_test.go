// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestRegistryRecordsActiveDownloads(t *testing.T) {
	r := New(prometheus.NewRegistry())
	r.IncActiveDownloads()
	r.IncActiveDownloads()
	r.DecActiveDownloads()
	require.Equal(t, float64(1), gaugeValue(t, r.ActiveDownloads))
}

func TestRegistryRecordsBytesAndDuration(t *testing.T) {
	r := New(prometheus.NewRegistry())
	r.AddBytesTransferred(512)
	r.AddBytesTransferred(256)
	require.Equal(t, float64(768), counterValue(t, r.BytesTransferred))

	r.ObserveDownloadDuration(2 * time.Second)
	var m dto.Metric
	require.NoError(t, r.DownloadDuration.(prometheus.Histogram).Write(&m))
	require.Equal(t, uint64(1), m.GetHistogram().GetSampleCount())
}

func TestRegistrySkipsZeroAndNegativeCounts(t *testing.T) {
	r := New(prometheus.NewRegistry())
	r.AddFilesRepaired(0)
	r.AddFilesUnrecoverable(-3)
	require.Equal(t, float64(0), counterValue(t, r.FilesRepaired))
	require.Equal(t, float64(0), counterValue(t, r.FilesUnrecoverable))

	r.AddFilesRepaired(2)
	require.Equal(t, float64(2), counterValue(t, r.FilesRepaired))
}

func TestRegistryHubRequestsByKind(t *testing.T) {
	r := New(prometheus.NewRegistry())
	r.IncHubRequest("success")
	r.IncHubRequest("success")
	r.IncHubRequest("failed")

	var m dto.Metric
	require.NoError(t, r.HubRequests.WithLabelValues("success").Write(&m))
	require.Equal(t, float64(2), m.GetCounter().GetValue())
}

func TestNilRegistryMethodsAreNoOps(t *testing.T) {
	var r *Registry
	require.NotPanics(t, func() {
		r.IncActiveDownloads()
		r.DecActiveDownloads()
		r.SetBackoffGatedRepos(4)
		r.AddBytesTransferred(10)
		r.IncFilesVerified()
		r.AddFilesRepaired(1)
		r.AddFilesUnrecoverable(1)
		r.IncHubRequest("success")
		r.ObserveDownloadDuration(time.Second)
	})
}
