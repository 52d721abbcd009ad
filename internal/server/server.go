// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package server provides the HTTP and WebSocket surface the UI layer
// consumes (§6 of the spec treats the UI as an external collaborator;
// this is the interface it talks to): starting downloads, polling or
// subscribing to per-repo state, triggering verify/repair passes, and
// scraping Prometheus metrics.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pocket-cloud-mlx/modelengine/pkg/engine"
)

// Config holds server configuration.
type Config struct {
	Addr           string
	Port           int
	AllowedOrigins []string // CORS origins
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr: "0.0.0.0",
		Port: 8080,
	}
}

// Server is the HTTP server fronting an Engine.
type Server struct {
	config     Config
	engine     *engine.Engine
	httpServer *http.Server
	wsHub      *WSHub
}

// New creates a new server wrapping eng.
func New(cfg Config, eng *engine.Engine) *Server {
	return &Server{
		config: cfg,
		engine: eng,
		wsHub:  NewWSHub(),
	}
}

// ListenAndServe starts the HTTP server and blocks until ctx is cancelled
// or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	go s.wsHub.Run()

	mux := http.NewServeMux()
	s.registerAPIRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	addr := fmt.Sprintf("%s:%d", s.config.Addr, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.corsMiddleware(s.loggingMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("[server] listening on http://%s", addr)
	log.Printf("[server] api:     http://localhost:%d/api", s.config.Port)
	log.Printf("[server] metrics: http://localhost:%d/metrics", s.config.Port)

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)

	mux.HandleFunc("POST /api/pull", s.handlePull)
	mux.HandleFunc("GET /api/repos", s.handleListRepos)
	mux.HandleFunc("GET /api/repos/{id...}", s.handleGetRepoState)
	mux.HandleFunc("DELETE /api/repos/{id...}", s.handleDeleteRepo)
	mux.HandleFunc("POST /api/verify/{id...}", s.handleVerify)

	mux.HandleFunc("GET /api/ws", s.handleWebSocket)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start).Round(time.Millisecond))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" {
			allowed := len(s.config.AllowedOrigins) == 0
			for _, o := range s.config.AllowedOrigins {
				if o == "*" || o == origin {
					allowed = true
					break
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}
		}

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
