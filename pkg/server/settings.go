package server

import (
	"log/slog"
	"net/http"

	"github.com/yutampo/yutampo/pkg/log"
	"github.com/yutampo/yutampo/pkg/types"
)

type regulationResponse struct {
	Settings      types.Settings     `json:"settings"`
	SeasonPresets map[string]float64 `json:"seasonPresets"`
}

// regulationRequest is a partial update. Omitted fields are left alone.
type regulationRequest struct {
	Amplitude            *float64     `json:"amplitude"`
	HeatingDurationHours *float64     `json:"heatingDurationHours"`
	SeasonPreset         *string      `json:"seasonPreset"`
	Shape                *types.Shape `json:"shape"`
}

// validate checks the whole request up front so an update is applied
// entirely or not at all.
func (req regulationRequest) validate(presets map[string]float64) error {
	if req.Amplitude != nil {
		if err := types.ValidateAmplitude(*req.Amplitude); err != nil {
			return err
		}
	}
	if req.HeatingDurationHours != nil && req.SeasonPreset != nil {
		return &types.ValidationError{Field: "heatingDurationHours", Value: *req.HeatingDurationHours, Reason: "cannot be combined with seasonPreset"}
	}
	if req.HeatingDurationHours != nil {
		if err := types.ValidateHeatingDuration(*req.HeatingDurationHours); err != nil {
			return err
		}
	}
	if req.SeasonPreset != nil {
		if _, ok := presets[*req.SeasonPreset]; !ok {
			return &types.ValidationError{Field: "seasonPreset", Value: *req.SeasonPreset, Reason: "unknown preset"}
		}
	}
	return nil
}

func (s *Server) writeRegulation(w http.ResponseWriter) {
	writeJSON(w, regulationResponse{
		Settings:      s.controller.Settings(),
		SeasonPresets: s.controller.SeasonPresets(),
	})
}

func (s *Server) handleGetRegulation(w http.ResponseWriter, r *http.Request) {
	s.writeRegulation(w)
}

func (s *Server) handleUpdateRegulation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req regulationRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSONError(w, "invalid request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := req.validate(s.controller.SeasonPresets()); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "rejected regulation update", slog.Any("error", err))
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var err error
	if req.Amplitude != nil && err == nil {
		err = s.controller.SetAmplitude(ctx, *req.Amplitude)
	}
	if req.HeatingDurationHours != nil && err == nil {
		err = s.controller.SetHeatingDuration(ctx, *req.HeatingDurationHours)
	}
	if req.SeasonPreset != nil && err == nil {
		err = s.controller.SetSeasonPreset(ctx, *req.SeasonPreset)
	}
	if req.Shape != nil && err == nil {
		err = s.controller.SetShape(ctx, *req.Shape)
	}
	if err != nil {
		writeCommandError(ctx, w, err)
		return
	}
	s.writeRegulation(w)
}
