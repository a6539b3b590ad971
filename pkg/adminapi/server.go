// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package adminapi serves the bot's session status over HTTP.
package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/aiku/tagallbot/pkg/bot"
)

// StatusProvider reports the current session status.
type StatusProvider interface {
	Status() bot.Status
}

// StatusResponse is the JSON body of GET /api/status.
type StatusResponse struct {
	Backend      string    `json:"backend"`
	State        string    `json:"state"`
	Reason       string    `json:"reason,omitempty"`
	Since        time.Time `json:"since"`
	Attempts     int       `json:"attempts"`
	RetryPending bool      `json:"retry_pending"`
	LastError    string    `json:"last_error,omitempty"`
}

// NewRouter returns the admin API routes.
func NewRouter(provider StatusProvider, log zerolog.Logger) http.Handler {
	h := &handler{provider: provider, log: log}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.handleHealth)
	r.Route("/api", func(api chi.Router) {
		api.Get("/status", h.handleStatus)
	})
	return r
}

type handler struct {
	provider StatusProvider
	log      zerolog.Logger
}

// handleHealth returns 200 while the session is ready and 503 otherwise.
func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := h.provider.Status()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if !st.State.IsReady() {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_, _ = w.Write([]byte(string(st.State.Kind) + "\n"))
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := h.provider.Status()
	resp := StatusResponse{
		Backend:      st.Backend,
		State:        string(st.State.Kind),
		Reason:       st.State.Reason,
		Since:        st.Since,
		Attempts:     st.Attempts,
		RetryPending: st.RetryPending,
		LastError:    st.LastError,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Warn().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Msg("Failed to write status response")
	}
}

// Server runs the admin API on its own listener.
type Server struct {
	server *http.Server
	log    zerolog.Logger
}

// New creates a server listening on addr.
func New(addr string, provider StatusProvider, log zerolog.Logger) *Server {
	log = log.With().Str("component", "admin_api").Logger()
	return &Server{
		server: &http.Server{
			Addr:         addr,
			Handler:      NewRouter(provider, log),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		log: log,
	}
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		s.log.Info().Str("addr", s.server.Addr).Msg("Starting admin API")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("Admin API error")
		}
	}()
}

// Shutdown stops the server, waiting for active requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
