package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/stormaudio-controller/internal/codec"
	"github.com/thatsimonsguy/stormaudio-controller/internal/model"
	"github.com/thatsimonsguy/stormaudio-controller/internal/poller"
)

// Controller is the caller-facing surface of the device poller.
type Controller interface {
	Snapshot() model.DeviceSnapshot
	Refresh(ctx context.Context) model.DeviceSnapshot
	SetPower(ctx context.Context, on bool) error
	SetVolume(ctx context.Context, level float64) error
	VolumeUp(ctx context.Context) error
	VolumeDown(ctx context.Context) error
	SetMute(ctx context.Context, muted bool) error
	ToggleMute(ctx context.Context) error
	SelectInput(ctx context.Context, source string) error
	NextInput(ctx context.Context) error
	PrevInput(ctx context.Context) error
	SelectPreset(ctx context.Context, id int) error
	SetDim(ctx context.Context, on bool) error
}

type Server struct {
	ctrl   Controller
	router chi.Router
	http   *http.Server
}

type SnapshotResponse struct {
	model.DeviceSnapshot
	VolumeLevel *float64         `json:"volume_level"`
	MediaState  model.MediaState `json:"media_state"`
	Source      string           `json:"source"`
	SourceList  []string         `json:"source_list"`
}

type PowerRequest struct {
	On *bool `json:"on"`
}

type VolumeRequest struct {
	Level *float64 `json:"level"`
}

type MuteRequest struct {
	Muted *bool `json:"muted"`
}

type InputRequest struct {
	Source string `json:"source"`
}

type PresetRequest struct {
	ID *int `json:"id"`
}

type DimRequest struct {
	On *bool `json:"on"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func NewServer(ctrl Controller) *Server {
	s := &Server{ctrl: ctrl}

	r := chi.NewRouter()
	r.Use(middleware.StripSlashes)
	r.Use(RequestIDMiddleware)
	r.Use(requestLoggerMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/snapshot", s.getSnapshot)
		r.Post("/refresh", s.refresh)
		r.Put("/power", s.setPower)
		r.Put("/volume", s.setVolume)
		r.Post("/volume/up", s.action(ctrl.VolumeUp))
		r.Post("/volume/down", s.action(ctrl.VolumeDown))
		r.Put("/mute", s.setMute)
		r.Post("/mute/toggle", s.action(ctrl.ToggleMute))
		r.Put("/input", s.selectInput)
		r.Post("/input/next", s.action(ctrl.NextInput))
		r.Post("/input/prev", s.action(ctrl.PrevInput))
		r.Put("/preset", s.selectPreset)
		r.Put("/dim", s.setDim)
	})

	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called. It returns nil after a clean shutdown.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info().Str("address", addr).Msg("Starting REST API server")

	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getSnapshot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, newSnapshotResponse(s.ctrl.Snapshot()))
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	snap := s.ctrl.Refresh(r.Context())
	status := http.StatusOK
	if !snap.Available {
		status = http.StatusBadGateway
	}
	s.writeJSON(w, status, newSnapshotResponse(snap))
}

func (s *Server) setPower(w http.ResponseWriter, r *http.Request) {
	var req PowerRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.On == nil {
		s.writeError(w, r, http.StatusBadRequest, `"on" is required`)
		return
	}

	log.Info().Bool("on", *req.On).Msg("Power change requested via API")
	s.respond(w, r, s.ctrl.SetPower(r.Context(), *req.On))
}

func (s *Server) setVolume(w http.ResponseWriter, r *http.Request) {
	var req VolumeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Level == nil {
		s.writeError(w, r, http.StatusBadRequest, `"level" is required`)
		return
	}
	if *req.Level < 0 || *req.Level > 1 {
		s.writeError(w, r, http.StatusBadRequest, "Invalid volume level. Must be between 0 and 1")
		return
	}

	log.Info().Float64("level", *req.Level).Msg("Volume change requested via API")
	s.respond(w, r, s.ctrl.SetVolume(r.Context(), *req.Level))
}

func (s *Server) setMute(w http.ResponseWriter, r *http.Request) {
	var req MuteRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Muted == nil {
		s.writeError(w, r, http.StatusBadRequest, `"muted" is required`)
		return
	}
	s.respond(w, r, s.ctrl.SetMute(r.Context(), *req.Muted))
}

func (s *Server) selectInput(w http.ResponseWriter, r *http.Request) {
	var req InputRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Source == "" {
		s.writeError(w, r, http.StatusBadRequest, `"source" is required`)
		return
	}

	log.Info().Str("source", req.Source).Msg("Input change requested via API")
	s.respond(w, r, s.ctrl.SelectInput(r.Context(), req.Source))
}

func (s *Server) selectPreset(w http.ResponseWriter, r *http.Request) {
	var req PresetRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.ID == nil {
		s.writeError(w, r, http.StatusBadRequest, `"id" is required`)
		return
	}
	s.respond(w, r, s.ctrl.SelectPreset(r.Context(), *req.ID))
}

func (s *Server) setDim(w http.ResponseWriter, r *http.Request) {
	var req DimRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.On == nil {
		s.writeError(w, r, http.StatusBadRequest, `"on" is required`)
		return
	}
	s.respond(w, r, s.ctrl.SetDim(r.Context(), *req.On))
}

// action adapts a no-argument control to a handler.
func (s *Server) action(fn func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.respond(w, r, fn(r.Context()))
	}
}

// respond writes the fresh snapshot after a successful control, or maps err to a status.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, newSnapshotResponse(s.ctrl.Snapshot()))
	case errors.Is(err, poller.ErrUnknownInput):
		s.writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, poller.ErrInvalidVolume):
		s.writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		log.Error().Err(err).Str("request_id", GetRequestID(r)).Str("path", r.URL.Path).Msg("Device control failed")
		s.writeError(w, r, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "Invalid JSON payload")
		return false
	}
	return true
}

func newSnapshotResponse(snap model.DeviceSnapshot) SnapshotResponse {
	resp := SnapshotResponse{
		DeviceSnapshot: snap,
		MediaState:     snap.MediaState(),
		Source:         snap.SourceName(),
		SourceList:     snap.SourceList(),
	}
	if snap.VolumeDB != nil {
		level := codec.DeviceToNormalized(*snap.VolumeDB)
		resp.VolumeLevel = &level
	}
	return resp
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, statusCode int, message string) {
	s.writeJSON(w, statusCode, ErrorResponse{Error: message, RequestID: GetRequestID(r)})
}
