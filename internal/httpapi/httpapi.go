// Package httpapi serves the admin HTTP API: health, device registry
// snapshots, a JSON control surface that reuses the WebSocket protocol, and
// Prometheus metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/trymwestin/goveed/internal/core/device"
	"github.com/trymwestin/goveed/internal/core/dispatch"
	"github.com/trymwestin/goveed/internal/core/protocol"
)

// Registry is the read side of the device controller.
type Registry interface {
	Devices() []device.Device
	Device(id string) (device.Device, bool)
}

// Processor runs one protocol frame through validation and dispatch.
type Processor interface {
	Process(ctx context.Context, frame []byte) protocol.Reply
}

// Server is the admin HTTP API server.
type Server struct {
	registry    Registry
	processor   Processor
	connections func() int
	metrics     http.Handler
	corsAll     bool
	log         *slog.Logger
	router      chi.Router
}

// NewServer creates the admin API. connections reports the number of open
// WebSocket clients; metrics serves /metrics and may be nil.
func NewServer(
	registry Registry,
	processor Processor,
	connections func() int,
	metrics http.Handler,
	corsAll bool,
	log *slog.Logger,
) *Server {
	s := &Server{
		registry:    registry,
		processor:   processor,
		connections: connections,
		metrics:     metrics,
		corsAll:     corsAll,
		log:         log,
		router:      chi.NewRouter(),
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if s.corsAll {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleGetStatus)
		r.Post("/command", s.handleCommand)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleDevicesList)
			r.Get("/{id}", s.handleDevicesGet)
			r.Post("/{id}/refresh", s.handleDevicesRefresh)
			r.Post("/{id}/power", s.handleControlPower)
			r.Post("/{id}/brightness", s.handleControlBrightness)
			r.Post("/{id}/color", s.handleControlColor)
			r.Post("/{id}/color-temperature", s.handleControlColorTemp)
		})
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeReply maps a protocol reply onto an HTTP response.
func (s *Server) writeReply(w http.ResponseWriter, reply protocol.Reply) {
	status := http.StatusOK
	switch {
	case reply.Err == dispatch.MsgDeviceNotFound:
		status = http.StatusNotFound
	case strings.HasPrefix(reply.Err, "invalid "):
		status = http.StatusBadRequest
	case reply.IsError():
		status = http.StatusBadGateway
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(protocol.Encode(reply))
}

// process builds a protocol frame for a device command and runs it.
func (s *Server) process(w http.ResponseWriter, r *http.Request, cmd protocol.Command, data any) {
	frame, err := json.Marshal(map[string]any{
		"msg": map[string]any{"cmd": cmd, "deviceId": chi.URLParam(r, "id"), "data": data},
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeReply(w, s.processor.Process(r.Context(), frame))
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Connections int `json:"connections"`
	Devices     int `json:"devices"`
}

func (s *Server) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Devices: len(s.registry.Devices())}
	if s.connections != nil {
		resp.Connections = s.connections()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDevicesList(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"devices": s.registry.Devices()})
}

func (s *Server) handleDevicesGet(w http.ResponseWriter, r *http.Request) {
	d, ok := s.registry.Device(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDevicesRefresh(w http.ResponseWriter, r *http.Request) {
	s.process(w, r, protocol.CmdDevStatus, map[string]any{})
}

// handleCommand accepts a raw protocol frame, exactly as a WebSocket client
// would send it.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	frame, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	s.writeReply(w, s.processor.Process(r.Context(), frame))
}

type powerBody struct {
	On bool `json:"on"`
}

func (s *Server) handleControlPower(w http.ResponseWriter, r *http.Request) {
	var body powerBody
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	v := 0
	if body.On {
		v = 1
	}
	s.process(w, r, protocol.CmdOnOff, v)
}

type levelBody struct {
	Level int `json:"level"`
}

func (s *Server) handleControlBrightness(w http.ResponseWriter, r *http.Request) {
	var body levelBody
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	s.process(w, r, protocol.CmdLevel, body.Level)
}

func (s *Server) handleControlColor(w http.ResponseWriter, r *http.Request) {
	var body protocol.Color
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	s.process(w, r, protocol.CmdColor, body)
}

type colorTempBody struct {
	Level  int `json:"level"`
	Kelvin int `json:"kelvin"`
}

func (s *Server) handleControlColorTemp(w http.ResponseWriter, r *http.Request) {
	var body colorTempBody
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	s.process(w, r, protocol.CmdColorTemp, map[string]int{"level": body.Level, "colorTemInKelvin": body.Kelvin})
}
