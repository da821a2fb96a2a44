package server

import (
	"net/http"
	"time"

	"github.com/yutampo/yutampo/pkg/controller"
	"github.com/yutampo/yutampo/pkg/scheduler"
	"github.com/yutampo/yutampo/pkg/types"
)

type deviceStatus struct {
	types.Device
	Regulation controller.State      `json:"regulation"`
	Poll       *scheduler.PollHealth `json:"poll,omitempty"`
}

type windowStatus struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type statusResponse struct {
	Devices        []deviceStatus        `json:"devices"`
	Settings       types.Settings        `json:"settings"`
	SeasonPresets  map[string]float64    `json:"seasonPresets"`
	HottestHour    float64               `json:"hottestHour"`
	Window         windowStatus          `json:"window"`
	LastRegulation time.Time             `json:"lastRegulation"`
	LastPoll       time.Time             `json:"lastPoll"`
	Plan           []controller.PlanStep `json:"plan"`
}

func (s *Server) deviceStatus(d types.Device, health map[string]scheduler.PollHealth) deviceStatus {
	ds := deviceStatus{
		Device:     d,
		Regulation: s.controller.State(d.ID),
	}
	if h, ok := health[d.ID]; ok {
		ds.Poll = &h
	}
	return ds
}

func (s *Server) pollHealth() (map[string]scheduler.PollHealth, time.Time) {
	if s.poller == nil {
		return nil, time.Time{}
	}
	return s.poller.Health(), s.poller.LastSuccess()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	health, lastPoll := s.pollHealth()

	devices := s.registry.List()
	resp := statusResponse{
		Devices:        make([]deviceStatus, 0, len(devices)),
		Settings:       s.controller.Settings(),
		SeasonPresets:  s.controller.SeasonPresets(),
		HottestHour:    s.controller.HottestHour(),
		LastRegulation: s.controller.LastTick(),
		LastPoll:       lastPoll,
		Plan:           s.controller.Plan(time.Hour),
	}
	for _, d := range devices {
		resp.Devices = append(resp.Devices, s.deviceStatus(d, health))
	}
	window := s.controller.Window()
	resp.Window = windowStatus{Start: window.Start, End: window.End}

	writeJSON(w, resp)
}
