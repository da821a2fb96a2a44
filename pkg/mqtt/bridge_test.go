package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yutampo/yutampo/pkg/types"
)

type call struct {
	Method   string
	DeviceID string
	Value    any
}

type fakeHandler struct {
	mu       sync.Mutex
	calls    []call
	err      error
	settings types.Settings
}

func (h *fakeHandler) record(method, deviceID string, value any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, call{Method: method, DeviceID: deviceID, Value: value})
	return h.err
}

func (h *fakeHandler) SetTemperature(_ context.Context, deviceID string, value float64) error {
	return h.record("SetTemperature", deviceID, value)
}

func (h *fakeHandler) SetMode(_ context.Context, deviceID string, mode types.RunMode) error {
	return h.record("SetMode", deviceID, mode)
}

func (h *fakeHandler) ResetOverride(_ context.Context, deviceID string) error {
	return h.record("ResetOverride", deviceID, nil)
}

func (h *fakeHandler) SetAmplitude(_ context.Context, value float64) error {
	if err := h.record("SetAmplitude", "", value); err != nil {
		return err
	}
	h.mu.Lock()
	h.settings.Amplitude = value
	h.mu.Unlock()
	return nil
}

func (h *fakeHandler) SetHeatingDuration(_ context.Context, hours float64) error {
	if err := h.record("SetHeatingDuration", "", hours); err != nil {
		return err
	}
	h.mu.Lock()
	h.settings.HeatingDurationHours = hours
	h.settings.SeasonPreset = ""
	h.mu.Unlock()
	return nil
}

func (h *fakeHandler) SetSeasonPreset(_ context.Context, name string) error {
	if err := h.record("SetSeasonPreset", "", name); err != nil {
		return err
	}
	h.mu.Lock()
	h.settings.SeasonPreset = name
	h.settings.HeatingDurationHours = types.DefaultSeasonPresets[name]
	h.mu.Unlock()
	return nil
}

func (h *fakeHandler) Settings() types.Settings {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.settings
}

func (h *fakeHandler) SeasonPresets() map[string]float64 {
	return types.DefaultSeasonPresets
}

func (h *fakeHandler) Calls() []call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]call(nil), h.calls...)
}

func newTestBridge() (*Bridge, *fakeConn, *fakeHandler) {
	h := &fakeHandler{settings: types.Settings{BaseTemperature: 50, Amplitude: 8, HeatingDurationHours: 6, SeasonPreset: "winter"}}
	b := newBridge(Config{ClientID: "test", Heartbeat: time.Hour, DiscoveryPrefix: "homeassistant"}, h)
	conn := newFakeConn()
	b.conn = conn
	return b, conn, h
}

func TestNotifyStateChange(t *testing.T) {
	b, conn, _ := newTestBridge()
	d := types.Device{
		ID:                 "1001",
		SettingTemperature: types.Float(45),
		CurrentTemperature: types.Float(41.5),
		Mode:               types.RunModeHeat,
		Action:             types.ActionHeating,
		OperationLabel:     "Heating (heat pump)",
	}
	b.NotifyStateChange(context.Background(), types.StateChangeFromDevice(d, types.SourceAutomation))

	want := map[string]string{
		"yutampo/climate/1001/temperature_state":   "45",
		"yutampo/climate/1001/current_temperature": "41.5",
		"yutampo/climate/1001/mode":                "heat",
		"yutampo/climate/1001/hvac_action":         "heating",
		"yutampo/climate/1001/operation_label":     "Heating (heat pump)",
	}
	for topic, payload := range want {
		got, ok := conn.last(topic)
		if assert.True(t, ok, topic) {
			assert.Equal(t, payload, got, topic)
		}
	}
	for _, p := range conn.all() {
		assert.True(t, p.Retained, p.Topic)
	}

	state, ok := conn.last("yutampo/climate/1001/state")
	require.True(t, ok)
	assert.JSONEq(t, `{
		"mode": "heat",
		"temperature": 45,
		"current_temperature": 41.5,
		"action": "heating",
		"operation_label": "Heating (heat pump)"
	}`, state)
}

func TestNotifyStateChangePartial(t *testing.T) {
	b, conn, _ := newTestBridge()
	b.NotifyStateChange(context.Background(), types.StateChange{
		DeviceID:           "1001",
		CurrentTemperature: types.Float(39),
		Source:             types.SourceAutomation,
	})

	pubs := conn.all()
	require.Len(t, pubs, 1)
	assert.Equal(t, "yutampo/climate/1001/current_temperature", pubs[0].Topic)
	_, ok := conn.last("yutampo/climate/1001/state")
	assert.False(t, ok, "a partial change leaves the retained aggregate alone")
}

func TestNotifyStateChangePublishFailure(t *testing.T) {
	b, conn, _ := newTestBridge()
	conn.failTopic = "yutampo/climate/1001/mode"
	b.NotifyStateChange(context.Background(), types.StateChangeFromDevice(types.Device{
		ID:                 "1001",
		SettingTemperature: types.Float(50),
		CurrentTemperature: types.Float(41),
		Mode:               types.RunModeOff,
	}, types.SourceAutomation))
	// the remaining topics are still published
	_, ok := conn.last("yutampo/climate/1001/temperature_state")
	assert.True(t, ok)
	_, ok = conn.last("yutampo/climate/1001/state")
	assert.True(t, ok)
}

func TestNotifyAvailability(t *testing.T) {
	b, conn, _ := newTestBridge()
	b.NotifyAvailability(context.Background(), "1001", types.AvailabilityOffline)
	got, ok := conn.last("yutampo/climate/1001/availability")
	require.True(t, ok)
	assert.Equal(t, "offline", got)
}

func TestPublishDiscovery(t *testing.T) {
	b, conn, _ := newTestBridge()
	err := b.PublishDiscovery(context.Background(), []types.Device{
		{ID: "1001", Name: "Garage"},
		{ID: "1002"},
	})
	require.NoError(t, err)

	raw, ok := conn.last("homeassistant/climate/yutampo_1001/config")
	require.True(t, ok)
	var climate map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &climate))
	assert.Equal(t, "Garage", climate["name"])
	assert.Equal(t, "yutampo_1001", climate["unique_id"])
	assert.Equal(t, []any{"off", "heat"}, climate["modes"])
	assert.Equal(t, "yutampo/climate/1001/set", climate["temperature_command_topic"])
	assert.Equal(t, "yutampo/climate/1001/mode/set", climate["mode_command_topic"])
	assert.Equal(t, "yutampo/climate/1001/hvac_action", climate["action_topic"])
	assert.Equal(t, 30.0, climate["min_temp"])
	assert.Equal(t, 60.0, climate["max_temp"])
	assert.Equal(t, 1.0, climate["temp_step"])
	device := climate["device"].(map[string]any)
	assert.Equal(t, "Yutampo", device["manufacturer"])
	assert.Equal(t, "RS32", device["model"])

	raw, ok = conn.last("homeassistant/climate/yutampo_1002/config")
	require.True(t, ok)
	assert.Contains(t, raw, `"name":"Yutampo 1002"`)

	_, ok = conn.last("homeassistant/button/yutampo_1001_reset/config")
	assert.True(t, ok)
	_, ok = conn.last("homeassistant/number/yutampo_regulation_amplitude/config")
	assert.True(t, ok)
	_, ok = conn.last("homeassistant/number/yutampo_regulation_duration/config")
	assert.True(t, ok)

	raw, ok = conn.last("homeassistant/select/yutampo_regulation_preset/config")
	require.True(t, ok)
	var sel selectConfig
	require.NoError(t, json.Unmarshal([]byte(raw), &sel))
	assert.Equal(t, []string{"spring_autumn", "summer", "winter"}, sel.Options)

	got, _ := conn.last("yutampo/regulation/amplitude/state")
	assert.Equal(t, "8", got)
	got, _ = conn.last("yutampo/regulation/duration/state")
	assert.Equal(t, "6", got)
	got, _ = conn.last("yutampo/regulation/preset/state")
	assert.Equal(t, "winter", got)
}

func TestHandle(t *testing.T) {
	tests := []struct {
		topic   string
		payload string
		want    call
		wantErr bool
	}{
		{"yutampo/climate/1001/set", "48", call{"SetTemperature", "1001", 48.0}, false},
		{"yutampo/climate/1001/set", " 52.5\n", call{"SetTemperature", "1001", 52.5}, false},
		{"yutampo/climate/1001/set", "warm", call{}, true},
		{"yutampo/climate/1001/mode/set", "heat", call{"SetMode", "1001", types.RunModeHeat}, false},
		{"yutampo/climate/1001/mode/set", "off", call{"SetMode", "1001", types.RunModeOff}, false},
		{"yutampo/climate/1001/mode/set", "cool", call{}, true},
		{"yutampo/climate/1001/reset", "", call{"ResetOverride", "1001", nil}, false},
		{"yutampo/regulation/amplitude/set", "5", call{"SetAmplitude", "", 5.0}, false},
		{"yutampo/regulation/duration/set", "4.5", call{"SetHeatingDuration", "", 4.5}, false},
		{"yutampo/regulation/preset/set", "summer", call{"SetSeasonPreset", "", "summer"}, false},
		{"yutampo/regulation/shape/set", "step", call{}, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s=%s", tt.topic, tt.payload), func(t *testing.T) {
			b, _, h := newTestBridge()
			err := b.handle(context.Background(), inbound{topic: tt.topic, payload: []byte(tt.payload)})
			if tt.wantErr {
				assert.Error(t, err)
				assert.Empty(t, h.Calls())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []call{tt.want}, h.Calls())
		})
	}
}

func TestHandleInvalidPayload(t *testing.T) {
	b, _, _ := newTestBridge()
	err := b.handle(context.Background(), inbound{topic: "yutampo/climate/1001/set", payload: []byte("hot")})
	var verr *types.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "temperature", verr.Field)
}

func TestHandleRegulationPublishesState(t *testing.T) {
	b, conn, _ := newTestBridge()
	require.NoError(t, b.handle(context.Background(), inbound{topic: "yutampo/regulation/duration/set", payload: []byte("5")}))
	got, _ := conn.last("yutampo/regulation/duration/state")
	assert.Equal(t, "5", got)
	_, ok := conn.last("yutampo/regulation/preset/state")
	assert.False(t, ok, "custom durations have no preset")

	require.NoError(t, b.handle(context.Background(), inbound{topic: "yutampo/regulation/preset/set", payload: []byte("summer")}))
	got, _ = conn.last("yutampo/regulation/preset/state")
	assert.Equal(t, "summer", got)
	got, _ = conn.last("yutampo/regulation/duration/state")
	assert.Equal(t, "3", got)
}

func TestHandleRejected(t *testing.T) {
	b, conn, h := newTestBridge()
	h.err = errors.New("rejected")
	err := b.handle(context.Background(), inbound{topic: "yutampo/regulation/amplitude/set", payload: []byte("25")})
	assert.Error(t, err)
	assert.Empty(t, conn.all(), "nothing is published when the handler fails")
}

func TestLifecycle(t *testing.T) {
	b, conn, h := newTestBridge()
	ctx := context.Background()

	b.onConnect(ctx)
	for _, topic := range subscriptions {
		assert.Contains(t, conn.handlers, topic)
	}
	got, _ := conn.last(TopicBridgeStatus)
	assert.Equal(t, "online", got)

	require.NoError(t, b.Start(ctx))
	assert.Error(t, b.Start(ctx))

	conn.deliver("yutampo/climate/+/set", "yutampo/climate/1001/set", "55")
	require.Eventually(t, func() bool {
		return len(h.Calls()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, call{"SetTemperature", "1001", 55.0}, h.Calls()[0])

	b.Close(ctx)
	b.Close(ctx)
	got, _ = conn.last(TopicBridgeStatus)
	assert.Equal(t, "offline", got)
	assert.True(t, conn.disconnected)
}

func TestHeartbeat(t *testing.T) {
	b, conn, _ := newTestBridge()
	b.cfg.Heartbeat = 10 * time.Millisecond
	ctx := context.Background()
	require.NoError(t, b.Start(ctx))
	defer b.Close(ctx)

	require.Eventually(t, func() bool {
		n := 0
		for _, p := range conn.all() {
			if p.Topic == TopicBridgeStatus && p.Payload == "online" {
				n++
			}
		}
		return n >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestQueueFull(t *testing.T) {
	b, conn, h := newTestBridge()
	b.onConnect(context.Background())
	// without a worker the queue fills up and further messages are dropped
	for i := 0; i < queueSize+5; i++ {
		conn.deliver("yutampo/climate/+/reset", "yutampo/climate/1001/reset", "")
	}
	assert.Len(t, b.queue, queueSize)
	assert.Empty(t, h.Calls())
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate(), "disabled")
	assert.NoError(t, Config{Broker: "tcp://localhost:1883", ClientID: "x", Heartbeat: time.Minute, DiscoveryPrefix: "homeassistant"}.Validate())
	assert.Error(t, Config{Broker: "tcp://localhost:1883", Heartbeat: time.Minute, DiscoveryPrefix: "homeassistant"}.Validate())
	assert.Error(t, Config{Broker: "tcp://localhost:1883", ClientID: "x", DiscoveryPrefix: "homeassistant"}.Validate())
	assert.Error(t, Config{Broker: "tcp://localhost:1883", ClientID: "x", Heartbeat: time.Minute}.Validate())
}
