package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/oszuidwest/zwfm-meter/internal/config"
	"github.com/oszuidwest/zwfm-meter/internal/eventlog"
	"github.com/oszuidwest/zwfm-meter/internal/render"
	"github.com/oszuidwest/zwfm-meter/internal/server"
)

var indexTmpl = template.Must(template.New("index").Parse(indexHTML))

type indexData struct {
	Version   string
	Year      int
	Framerate int
}

// Server is an HTTP server that streams meter frames to the web view.
type Server struct {
	config   *config.Config
	hub      *server.Hub
	commands *server.CommandHandler
	version  *VersionChecker
	events   *eventlog.Logger
	status   atomic.Pointer[server.Status]
}

// NewServer returns a new Server. events may be nil.
func NewServer(cfg *config.Config, painter *render.Painter, events *eventlog.Logger, version *VersionChecker) *Server {
	s := &Server{
		config:  cfg,
		hub:     server.NewHub(slog.Default(), server.DefaultSendBuffer),
		version: version,
		events:  events,
	}
	s.status.Store(&server.Status{State: "waiting", Version: version.Info().Current})
	s.commands = server.NewCommandHandler(painter, cfg, events, s.Status)
	return s
}

// Publish sends frame to every connected page and records the session summary.
func (s *Server) Publish(frame render.Frame, errMsg string) {
	s.status.Store(&server.Status{
		State:    frame.State,
		Device:   frame.Device,
		Channels: frame.Channels,
		Error:    errMsg,
		Version:  s.version.Info().Current,
	})
	if err := s.hub.Broadcast(frame); err != nil {
		slog.Error("failed to broadcast frame", "error", err)
	}
}

// Status returns the latest session summary.
func (s *Server) Status() server.Status {
	st := *s.status.Load()
	st.Clients = s.hub.Len()
	return st
}

// SetupRoutes returns an [http.Handler] configured with all application routes.
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /ws", server.ServeWS(s.hub, s.commands))
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/version", s.handleVersion)
	mux.HandleFunc("GET /api/events", s.handleEvents)

	return securityHeaders(mux)
}

// securityHeaders returns middleware that wraps handlers with security headers.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if err := indexTmpl.Execute(w, indexData{
		Version:   Version,
		Year:      time.Now().Year(),
		Framerate: s.config.Snapshot().Framerate,
	}); err != nil {
		slog.Error("failed to write index.html", "error", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Status())
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.version.Info())
}

// handleEvents handles GET /api/events?limit=n&offset=m&filter=session.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeJSON(w, http.StatusOK, map[string]any{"events": []eventlog.Event{}, "has_more": false})
		return
	}

	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"), server.DefaultEventLimit)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
		return
	}
	offset, err := queryInt(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid offset"})
		return
	}

	filter := eventlog.TypeFilter(q.Get("filter"))
	switch filter {
	case eventlog.FilterAll, eventlog.FilterSession, eventlog.FilterSettings:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid filter"})
		return
	}

	events, more, err := eventlog.ReadLast(s.events.Path(), limit, offset, filter)
	if err != nil {
		slog.Error("failed to read event log", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read event log"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "has_more": more})
}

func queryInt(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// ListenAndServe serves the web view until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.config.Snapshot().WebPort)
	slog.Info("starting web server", "addr", addr)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}
	return nil
}
