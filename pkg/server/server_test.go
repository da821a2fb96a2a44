package server

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yutampo/yutampo/pkg/controller"
	"github.com/yutampo/yutampo/pkg/registry"
	"github.com/yutampo/yutampo/pkg/scheduler"
	"github.com/yutampo/yutampo/pkg/storage"
	"github.com/yutampo/yutampo/pkg/types"
)

type fakeCommander struct {
	mu   sync.Mutex
	sent []types.Command
	err  error
}

func (f *fakeCommander) SendCommand(_ context.Context, _ string, cmd types.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, cmd)
	return nil
}

type fakePoller struct {
	health map[string]scheduler.PollHealth
	last   time.Time
}

func (f fakePoller) Health() map[string]scheduler.PollHealth { return f.health }
func (f fakePoller) LastSuccess() time.Time                  { return f.last }

type testEnv struct {
	srv       *Server
	handler   http.Handler
	ctrl      *controller.Controller
	reg       *registry.Registry
	commander *fakeCommander
	instance  *storage.Instance
	now       time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	now := time.Date(2026, 7, 14, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	reg := registry.New()
	reg.SetClock(clock)
	reg.Register(types.DeviceSnapshot{
		ID:                 "1001",
		Name:               "Garage",
		CommandID:          "2001",
		CurrentTemperature: types.Float(44),
		SettingTemperature: types.Float(45),
		Mode:               types.RunModeHeat,
		OperationStatus:    types.OperationStatusHeatPump,
	})

	commander := &fakeCommander{}
	ctrl := controller.New(controller.Config{
		Interval:            time.Minute,
		FallbackHottestHour: 15,
		Defaults: types.Settings{
			BaseTemperature:      50,
			Amplitude:            8,
			HeatingDurationHours: 6,
			Shape:                types.ShapeGradual,
		},
	}, reg, commander, nil, nil)
	ctrl.SetClock(clock)
	instance := storage.NewInstance(storage.NewMemory(), "test")
	ctrl.SetStore(instance)

	srv := &Server{
		bypassAuth: true,
		serverName: "yutampo/test",
		// history ranges end exclusive, so read slightly after the commands
		now: func() time.Time { return now.Add(time.Minute) },
	}
	srv.Bind(Deps{
		Controller: ctrl,
		Registry:   reg,
		Poller: fakePoller{
			health: map[string]scheduler.PollHealth{"1001": {LastSuccess: now.Add(-time.Minute)}},
			last:   now.Add(-time.Minute),
		},
		History: instance,
	})
	return &testEnv{
		srv:       srv,
		handler:   srv.setupHandler(),
		ctrl:      ctrl,
		reg:       reg,
		commander: commander,
		instance:  instance,
		now:       now,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), w.Body.String())
	return v
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
	assert.Equal(t, "yutampo/test", w.Header().Get("Server"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	resp := decode[map[string]any](t, w)
	devices := resp["devices"].([]any)
	require.Len(t, devices, 1)
	dev := devices[0].(map[string]any)
	assert.Equal(t, "1001", dev["id"])
	assert.Equal(t, "Garage", dev["name"])
	assert.Equal(t, 44.0, dev["currentTemperature"])
	assert.Equal(t, "heat", dev["mode"])
	assert.Equal(t, "heating", dev["action"])
	assert.Equal(t, map[string]any{"mode": "automatic"}, dev["regulation"])
	assert.NotNil(t, dev["poll"])

	settings := resp["settings"].(map[string]any)
	assert.Equal(t, 8.0, settings["amplitude"])
	assert.Equal(t, "gradual", settings["shape"])
	assert.Equal(t, 15.0, resp["hottestHour"])
	assert.Equal(t, map[string]any{"start": 12.0, "end": 18.0}, resp["window"])
	assert.Len(t, resp["plan"], 24)
	assert.Contains(t, resp["seasonPresets"], "winter")
}

func TestStatusGzip(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))

	gz, err := gzip.NewReader(w.Body)
	require.NoError(t, err)
	var resp map[string]any
	require.NoError(t, json.NewDecoder(gz).Decode(&resp))
	assert.Len(t, resp["devices"], 1)
}

func TestSetTemperature(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/devices/1001/temperature", map[string]any{"temperature": 55})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	dev := decode[map[string]any](t, w)
	assert.Equal(t, 55.0, dev["settingTemperature"])
	assert.Equal(t, map[string]any{"mode": "manual_override", "forcedSetpoint": 55.0}, dev["regulation"])
	require.Len(t, env.commander.sent, 1)
	assert.Equal(t, 55.0, *env.commander.sent[0].SettingTemperature)

	t.Run("Out Of Range", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/devices/1001/temperature", map[string]any{"temperature": 70})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, decode[map[string]string](t, w)["error"], "temperature")
	})

	t.Run("Missing Value", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/devices/1001/temperature", map[string]any{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Unknown Field", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/devices/1001/temperature", map[string]any{"temp": 50})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Unknown Device", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/devices/9999/temperature", map[string]any{"temperature": 50})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("Upstream Failure", func(t *testing.T) {
		env.commander.err = errors.New("csnet transport error")
		defer func() { env.commander.err = nil }()
		w := env.do(t, http.MethodPost, "/api/devices/1001/temperature", map[string]any{"temperature": 50})
		assert.Equal(t, http.StatusBadGateway, w.Code)
		assert.Equal(t, 55.0, *env.ctrl.State("1001").ForcedSetpoint, "override is unchanged")
	})
}

func TestSetModeAndReset(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/devices/1001/mode", map[string]any{"mode": "cool"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/devices/1001/mode", map[string]any{"mode": "off"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	dev := decode[map[string]any](t, w)
	assert.Equal(t, "off", dev["mode"])
	assert.Equal(t, "off", dev["action"])

	w = env.do(t, http.MethodPost, "/api/devices/1001/temperature", map[string]any{"temperature": 52})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, controller.ModeManualOverride, env.ctrl.State("1001").Mode)

	w = env.do(t, http.MethodPost, "/api/devices/1001/reset", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, map[string]any{"mode": "automatic"}, decode[map[string]any](t, w)["regulation"])

	w = env.do(t, http.MethodPost, "/api/devices/9999/reset", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRegulation(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/regulation", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[regulationResponse](t, w)
	assert.Equal(t, 8.0, resp.Settings.Amplitude)
	assert.Equal(t, 3.0, resp.SeasonPresets["summer"])

	w = env.do(t, http.MethodPost, "/api/regulation", map[string]any{"amplitude": 5, "shape": "step"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp = decode[regulationResponse](t, w)
	assert.Equal(t, 5.0, resp.Settings.Amplitude)
	assert.Equal(t, types.ShapeStep, resp.Settings.Shape)

	w = env.do(t, http.MethodPost, "/api/regulation", map[string]any{"seasonPreset": "summer"})
	require.Equal(t, http.StatusOK, w.Code)
	resp = decode[regulationResponse](t, w)
	assert.Equal(t, 3.0, resp.Settings.HeatingDurationHours)
	assert.Equal(t, "summer", resp.Settings.SeasonPreset)

	w = env.do(t, http.MethodPost, "/api/regulation", map[string]any{"heatingDurationHours": 5})
	require.Equal(t, http.StatusOK, w.Code)
	resp = decode[regulationResponse](t, w)
	assert.Equal(t, 5.0, resp.Settings.HeatingDurationHours)
	assert.Empty(t, resp.Settings.SeasonPreset)

	stored, ok, err := env.instance.LoadSettings(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 5.0, stored.HeatingDurationHours)
	assert.Equal(t, 5.0, stored.Amplitude)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"Amplitude Out Of Range", map[string]any{"amplitude": 50}},
		{"Duration Out Of Range", map[string]any{"heatingDurationHours": 0}},
		{"Unknown Preset", map[string]any{"seasonPreset": "monsoon"}},
		{"Preset And Duration", map[string]any{"seasonPreset": "winter", "heatingDurationHours": 4}},
		{"Unknown Shape", map[string]any{"shape": "zigzag"}},
		{"Valid Then Invalid", map[string]any{"amplitude": 2, "heatingDurationHours": 30}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/regulation", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			settings := env.ctrl.Settings()
			assert.Equal(t, 5.0, settings.Amplitude, "nothing applied")
			assert.Equal(t, 5.0, settings.HeatingDurationHours, "nothing applied")
		})
	}
}

func TestHistory(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/devices/1001/temperature", map[string]any{"temperature": 55}).Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/devices/1001/mode", map[string]any{"mode": "off"}).Code)

	w := env.do(t, http.MethodGet, "/api/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	records := decode[[]types.CommandRecord](t, w)
	require.Len(t, records, 2)
	assert.Equal(t, "1001", records[0].DeviceID)
	assert.Equal(t, types.SourceUser, records[0].Source)
	assert.Equal(t, 55.0, *records[0].SettingTemperature)
	assert.Equal(t, types.RunModeOff, *records[1].Mode)

	w = env.do(t, http.MethodGet, "/api/history?deviceID=1002", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))

	tests := []struct {
		name   string
		query  string
		errMsg string
	}{
		{"Invalid Start", "?start=invalid&end=2026-07-14T12:00:00Z", "invalid start time"},
		{"Invalid End", "?start=2026-07-14T11:00:00Z&end=invalid", "invalid end time"},
		{"End Before Start", "?start=2026-07-14T12:00:00Z&end=2026-07-14T11:00:00Z", "start time must be before end time"},
		{"Too Long", "?start=2026-06-01T00:00:00Z&end=2026-07-14T00:00:00Z", "time range cannot exceed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodGet, "/api/history"+tt.query, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, decode[map[string]string](t, w)["error"], tt.errMsg)
		})
	}

	t.Run("Past Range Is Cached", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/history?start=2026-07-12T00:00:00Z&end=2026-07-13T00:00:00Z", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "private, max-age=86400", w.Header().Get("Cache-Control"))
		assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))
	})
}
