// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/pocket-cloud-mlx/modelengine/pkg/engine"
)

// PullRequest is the request body for starting a download.
type PullRequest struct {
	Repo     string   `json:"repo"`
	Filters  []string `json:"filters,omitempty"`
	Excludes []string `json:"excludes,omitempty"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse represents a simple success message.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// VerifyResponse reports the outcome of a verify-and-repair pass.
type VerifyResponse struct {
	Repo   string `json:"repo"`
	Status string `json:"status"`
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handlePull starts a download for a repo and reports the repo's current
// state. A pull for a repo whose download is already in flight cancels
// that download and starts a new one (pkg/engine.StartDownload): downloads
// are keyed by repo_id, with no separate job IDs.
func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	var req PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Repo == "" {
		writeError(w, http.StatusBadRequest, "missing required field: repo", "")
		return
	}

	var opts []engine.DownloadOption
	if len(req.Filters) > 0 {
		opts = append(opts, engine.WithFilters(req.Filters...))
	}
	if len(req.Excludes) > 0 {
		opts = append(opts, engine.WithExcludes(req.Excludes...))
	}

	if err := s.engine.StartDownload(r.Context(), req.Repo, opts...); err != nil {
		if errors.Is(err, engine.ErrInvalidRepo) {
			writeError(w, http.StatusBadRequest, "invalid repo format", "expected owner/name")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to start download", err.Error())
		return
	}

	s.watchAndBroadcast(req.Repo)
	writeJSON(w, http.StatusAccepted, s.engine.GetState(req.Repo))
}

// watchAndBroadcast relays state-hub updates for repoID onto every
// connected WebSocket client until the download reaches a terminal state.
func (s *Server) watchAndBroadcast(repoID string) {
	ch, cancel := s.engine.Subscribe(repoID)
	go func() {
		defer cancel()
		for st := range ch {
			s.wsHub.BroadcastState(st)
			switch st.Status.String() {
			case "downloaded", "failed", "cancelled":
				return
			}
		}
	}()
}

// handleListRepos returns every repo with a complete-enough cache entry on
// disk (§4.5).
func (s *Server) handleListRepos(w http.ResponseWriter, r *http.Request) {
	repos, err := s.engine.EnumerateDownloaded()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enumerate cache", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"repos": repos,
		"count": len(repos),
	})
}

// handleGetRepoState returns the observable state of a single repo.
func (s *Server) handleGetRepoState(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing repo id", "")
		return
	}
	writeJSON(w, http.StatusOK, s.engine.GetState(id))
}

// handleDeleteRepo removes every on-disk trace of a repo.
func (s *Server) handleDeleteRepo(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing repo id", "")
		return
	}
	if err := s.engine.Delete(id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete repo", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: "repo deleted"})
}

// handleVerify runs a verify-and-repair pass for a repo (§4.7).
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing repo id", "")
		return
	}

	status, err := s.engine.VerifyAndRepair(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "verification failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, VerifyResponse{Repo: id, Status: status.String()})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, details string) {
	writeJSON(w, status, ErrorResponse{
		Error:   message,
		Details: details,
	})
}
