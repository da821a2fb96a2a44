package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/yutampo/yutampo/pkg/log"
	"github.com/yutampo/yutampo/pkg/registry"
	"github.com/yutampo/yutampo/pkg/types"
)

// writeCommandError maps a controller error to a response. Anything that is
// neither a validation error nor an unknown device failed upstream.
func writeCommandError(ctx context.Context, w http.ResponseWriter, err error) {
	var verr *types.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSONError(w, verr.Error(), http.StatusBadRequest)
	case errors.Is(err, registry.ErrUnknownDevice):
		writeJSONError(w, "unknown device", http.StatusNotFound)
	default:
		log.Ctx(ctx).ErrorContext(ctx, "command failed", slog.Any("error", err))
		writeJSONError(w, "upstream command failed", http.StatusBadGateway)
	}
}

func (s *Server) writeDevice(w http.ResponseWriter, id string) {
	d, ok := s.registry.Get(id)
	if !ok {
		writeJSONError(w, "unknown device", http.StatusNotFound)
		return
	}
	health, _ := s.pollHealth()
	writeJSON(w, s.deviceStatus(d, health))
}

func (s *Server) handleSetTemperature(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	var req struct {
		Temperature *float64 `json:"temperature"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeJSONError(w, "invalid request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Temperature == nil {
		writeJSONError(w, "temperature is required", http.StatusBadRequest)
		return
	}
	if err := s.controller.SetTemperature(ctx, id, *req.Temperature); err != nil {
		writeCommandError(ctx, w, err)
		return
	}
	s.writeDevice(w, id)
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	var req struct {
		Mode string `json:"mode"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeJSONError(w, "invalid request: "+err.Error(), http.StatusBadRequest)
		return
	}
	mode, err := types.ParseRunMode(req.Mode)
	if err != nil {
		writeCommandError(ctx, w, err)
		return
	}
	if err := s.controller.SetMode(ctx, id, mode); err != nil {
		writeCommandError(ctx, w, err)
		return
	}
	s.writeDevice(w, id)
}

func (s *Server) handleResetOverride(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	if err := s.controller.ResetOverride(ctx, id); err != nil {
		writeCommandError(ctx, w, err)
		return
	}
	s.writeDevice(w, id)
}
