// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func getFreePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// TestIntegration_FullPullFlow drives the server's HTTP surface end to end
// against a fake hub, exercising pull -> poll state -> verify.
func TestIntegration_FullPullFlow(t *testing.T) {
	hub := newFakeHub(t)
	defer hub.Close()

	srv := newTestServer(t, hub.URL)
	port := getFreePort(t)
	srv.config.Port = port

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.ListenAndServe(ctx)
	time.Sleep(100 * time.Millisecond)

	baseURL := "http://127.0.0.1:" + strconv.Itoa(port)

	resp, err := http.Get(baseURL + "/api/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	body := `{"repo": "owner/name"}`
	resp, err = http.Post(baseURL+"/api/pull", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	deadline := time.After(5 * time.Second)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			t.Fatal("pull did not reach downloaded state in time")
		case <-ticker.C:
			resp, err := http.Get(baseURL + "/api/repos/owner/name")
			require.NoError(t, err)
			var state map[string]any
			json.NewDecoder(resp.Body).Decode(&state)
			resp.Body.Close()

			if state["Status"] != nil {
				status, _ := state["Status"].(float64)
				// statehub.StatusDownloaded, see internal/statehub.
				if status == 3 {
					return
				}
			}
		}
	}
}

func TestIntegration_VerifyRoute(t *testing.T) {
	hub := newFakeHub(t)
	defer hub.Close()

	srv := newTestServer(t, hub.URL)
	port := getFreePort(t)
	srv.config.Port = port

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.ListenAndServe(ctx)
	time.Sleep(100 * time.Millisecond)

	baseURL := "http://127.0.0.1:" + strconv.Itoa(port)

	body := `{"repo": "owner/name"}`
	resp, err := http.Post(baseURL+"/api/pull", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	time.Sleep(500 * time.Millisecond)

	resp, err = http.Post(baseURL+"/api/verify/owner/name", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var verifyResp VerifyResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&verifyResp))
	require.Equal(t, "owner/name", verifyResp.Repo)
}
