package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"judgesync/internal/changestream"
	"judgesync/internal/config"
	"judgesync/internal/realtime"
	"judgesync/internal/views"
	"judgesync/internal/ws"
)

// Server is the operator HTTP surface of the coordinator
type Server struct {
	cfg        *config.Config
	svc        *realtime.Service
	views      *views.Manager
	hub        *ws.Hub
	httpServer *http.Server
	logger     zerolog.Logger
}

type statusResponse struct {
	realtime.Snapshot
	Views   []string `json:"views"`
	Clients int      `json:"notificationClients"`
}

type refreshResponse struct {
	Ran bool                 `json:"ran"`
	Run realtime.RunSnapshot `json:"run"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// New creates a new Server
func New(cfg *config.Config, svc *realtime.Service, viewManager *views.Manager, hub *ws.Hub, logger zerolog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		svc:    svc,
		views:  viewManager,
		hub:    hub,
		logger: logger.With().Str("component", "server").Logger(),
	}
}

// Handler returns the HTTP routes of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /refresh", s.handleRefresh)
	mux.HandleFunc("POST /reconnect", s.handleReconnect)
	mux.HandleFunc("GET /views", s.handleViews)
	mux.HandleFunc("GET /views/{name}", s.handleView)
	mux.Handle("GET /notifications", s.hub)
	return mux
}

// Start starts the server
func (s *Server) Start() error {
	addr := s.cfg.Addr()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		s.logger.Info().
			Str("addr", addr).
			Msg("starting HTTP server")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	s.logger.Info().
		Str("status", fmt.Sprintf("http://%s/status", addr)).
		Str("notifications", fmt.Sprintf("ws://%s/notifications", addr)).
		Msg("endpoint available")
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down server...")

	// Hijacked notification connections are not covered by Shutdown
	s.hub.CloseAll()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("HTTP server shutdown error: %w", err)
		}
	}

	s.logger.Info().Msg("server stopped")
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Snapshot: s.svc.Snapshot(),
		Views:    []string{},
		Clients:  s.hub.Len(),
	}
	for _, v := range s.views.Views() {
		resp.Views = append(resp.Views, v.Name)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ran := s.svc.RefreshNow(r.Context())
	code := http.StatusOK
	if !ran {
		code = http.StatusConflict
	}
	s.writeJSON(w, code, refreshResponse{Ran: ran, Run: s.svc.Snapshot().Run})
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	err := s.svc.Reconnect(r.Context())
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusAccepted, map[string]changestream.State{"connection": s.svc.Snapshot().Connection})
	case errors.Is(err, realtime.ErrPaused), errors.Is(err, changestream.ErrNoResources):
		s.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, realtime.ErrDisposed), errors.Is(err, changestream.ErrShutdown):
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	default:
		s.logger.Warn().Err(err).Msg("manual reconnect failed")
		s.writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
	}
}

func (s *Server) handleViews(w http.ResponseWriter, r *http.Request) {
	type viewInfo struct {
		Name     string `json:"name"`
		Resource string `json:"resource"`
		URL      string `json:"url"`
	}
	out := []viewInfo{}
	for _, v := range s.views.Views() {
		out = append(out, viewInfo{Name: v.Name, Resource: v.Resource, URL: v.URL})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	snap, err := s.views.Snapshot(name)
	switch {
	case errors.Is(err, views.ErrViewNotFound):
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	case errors.Is(err, views.ErrNoData):
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	case err != nil:
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	w.Header().Set("Content-Type", snap.ContentType)
	w.Header().Set("Last-Modified", snap.FetchedAt.UTC().Format(http.TimeFormat))
	w.Header().Set("X-Snapshot-Version", strconv.FormatUint(snap.Version, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(snap.Data); err != nil {
		s.logger.Debug().Err(err).Str("view", name).Msg("failed to write view snapshot")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug().Err(err).Msg("failed to write response")
	}
}
