package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/yutampo/yutampo/pkg/log"
	"github.com/yutampo/yutampo/pkg/types"
)

var (
	// ErrConnectionFailed is returned when the broker cannot be reached.
	ErrConnectionFailed = errors.New("mqtt connection failed")
	// ErrPublishTimeout is returned when the broker did not acknowledge a
	// publish in time.
	ErrPublishTimeout = errors.New("mqtt publish timeout")
)

const (
	connectTimeout   = 10 * time.Second
	publishTimeout   = 5 * time.Second
	subscribeTimeout = 5 * time.Second
	disconnectQuiet  = 250
	queueSize        = 32
	qos              = 1
)

// CommandHandler executes commands received from Home Assistant.
type CommandHandler interface {
	SetTemperature(ctx context.Context, deviceID string, value float64) error
	SetMode(ctx context.Context, deviceID string, mode types.RunMode) error
	ResetOverride(ctx context.Context, deviceID string) error
	SetAmplitude(ctx context.Context, value float64) error
	SetHeatingDuration(ctx context.Context, hours float64) error
	SetSeasonPreset(ctx context.Context, name string) error
	Settings() types.Settings
	SeasonPresets() map[string]float64
}

// conn is the part of paho.Client the bridge uses.
type conn interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
	Disconnect(quiesce uint)
}

type inbound struct {
	topic   string
	payload []byte
}

// Bridge connects the regulation to Home Assistant over MQTT. It publishes
// device state as a sink.Sink and turns command topics into calls on a
// CommandHandler.
type Bridge struct {
	cfg     Config
	conn    conn
	handler CommandHandler

	queue    chan inbound
	mu       sync.Mutex
	started  bool
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newBridge(cfg Config, handler CommandHandler) *Bridge {
	return &Bridge{
		cfg:     cfg,
		handler: handler,
		queue:   make(chan inbound, queueSize),
		done:    make(chan struct{}),
	}
}

// Connect dials the broker. The bridge status topic is set as last will so
// Home Assistant marks every entity unavailable if the process dies.
func Connect(ctx context.Context, cfg Config, handler CommandHandler) (*Bridge, error) {
	b := newBridge(cfg, handler)

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetKeepAlive(30 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(TopicBridgeStatus, payloadOffline, qos, true).
		SetOnConnectHandler(func(paho.Client) {
			b.onConnect(ctx)
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Ctx(ctx).WarnContext(ctx, "mqtt connection lost", slog.Any("error", err))
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := paho.NewClient(opts)
	b.conn = client
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("%w: timed out connecting to %s", ErrConnectionFailed, cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	log.Ctx(ctx).InfoContext(ctx, "connected to mqtt broker", slog.String("broker", cfg.Broker), slog.String("clientID", cfg.ClientID))
	return b, nil
}

// onConnect runs after every (re)connect. Subscriptions do not survive a
// clean session so they are restored here.
func (b *Bridge) onConnect(ctx context.Context) {
	if err := b.subscribe(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to subscribe", slog.Any("error", err))
	}
	if err := b.publish(TopicBridgeStatus, []byte(payloadOnline), true); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to publish bridge status", slog.Any("error", err))
	}
}

func (b *Bridge) subscribe() error {
	for _, topic := range subscriptions {
		token := b.conn.Subscribe(topic, qos, b.onMessage)
		if !token.WaitTimeout(subscribeTimeout) {
			return fmt.Errorf("timed out subscribing to %s", topic)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
	}
	return nil
}

// onMessage runs on the paho callback goroutine and only queues.
func (b *Bridge) onMessage(_ paho.Client, msg paho.Message) {
	in := inbound{topic: msg.Topic(), payload: append([]byte(nil), msg.Payload()...)}
	select {
	case b.queue <- in:
	default:
		ctx := context.Background()
		log.Ctx(ctx).WarnContext(ctx, "dropped mqtt command, queue full", slog.String("topic", in.topic))
	}
}

// Start runs the command worker and the heartbeat until Close is called.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errors.New("mqtt bridge already started")
	}
	b.started = true

	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-b.done:
				return
			case in := <-b.queue:
				if err := b.handle(ctx, in); err != nil {
					log.Ctx(ctx).WarnContext(ctx, "mqtt command failed", slog.String("topic", in.topic), slog.Any("error", err))
				}
			}
		}
	}()
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.cfg.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-b.done:
				return
			case <-ticker.C:
				if err := b.publish(TopicBridgeStatus, []byte(payloadOnline), true); err != nil {
					log.Ctx(ctx).WarnContext(ctx, "failed to publish heartbeat", slog.Any("error", err))
				}
			}
		}
	}()
	return nil
}

// Close stops the worker, marks the bridge offline and disconnects.
func (b *Bridge) Close(ctx context.Context) {
	b.stopOnce.Do(func() {
		close(b.done)
		b.wg.Wait()
		// a clean disconnect does not fire the last will
		if err := b.publish(TopicBridgeStatus, []byte(payloadOffline), true); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to publish offline status", slog.Any("error", err))
		}
		b.conn.Disconnect(disconnectQuiet)
	})
}

func (b *Bridge) handle(ctx context.Context, in inbound) error {
	kind, deviceID := parseCommandTopic(in.topic)
	payload := strings.TrimSpace(string(in.payload))
	if deviceID != "" {
		ctx = log.WithAttrs(ctx, slog.String("deviceID", deviceID))
	}
	log.Ctx(ctx).DebugContext(ctx, "mqtt command", slog.String("topic", in.topic), slog.String("payload", payload))

	switch kind {
	case commandTemperature:
		v, err := parseFloat("temperature", payload)
		if err != nil {
			return err
		}
		return b.handler.SetTemperature(ctx, deviceID, v)
	case commandMode:
		mode, err := types.ParseRunMode(payload)
		if err != nil {
			return err
		}
		return b.handler.SetMode(ctx, deviceID, mode)
	case commandReset:
		return b.handler.ResetOverride(ctx, deviceID)
	case commandAmplitude:
		v, err := parseFloat("amplitude", payload)
		if err != nil {
			return err
		}
		if err := b.handler.SetAmplitude(ctx, v); err != nil {
			return err
		}
	case commandDuration:
		v, err := parseFloat("heating duration", payload)
		if err != nil {
			return err
		}
		if err := b.handler.SetHeatingDuration(ctx, v); err != nil {
			return err
		}
	case commandPreset:
		if err := b.handler.SetSeasonPreset(ctx, payload); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported topic: %s", in.topic)
	}
	b.PublishRegulation(ctx, b.handler.Settings())
	return nil
}

func parseFloat(field, s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, &types.ValidationError{Field: field, Value: s, Reason: "not a number"}
	}
	return v, nil
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) error {
	token := b.conn.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("%w: %s", ErrPublishTimeout, topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish %s: %w", topic, err)
	}
	return nil
}

type statePayload struct {
	Mode               *types.RunMode `json:"mode,omitempty"`
	Temperature        *float64       `json:"temperature,omitempty"`
	CurrentTemperature *float64       `json:"current_temperature,omitempty"`
	Action             *types.Action  `json:"action,omitempty"`
	OperationLabel     *string        `json:"operation_label,omitempty"`
}

func formatFloat(f float64) []byte {
	return []byte(strconv.FormatFloat(f, 'f', -1, 64))
}

// NotifyStateChange implements sink.Sink. Every field present in the change
// is published retained on its own topic. The JSON aggregate is only
// republished for complete changes.
func (b *Bridge) NotifyStateChange(ctx context.Context, change types.StateChange) {
	id := change.DeviceID
	var errs []error
	pub := func(leaf string, payload []byte) {
		if err := b.publish(climateTopic(id, leaf), payload, true); err != nil {
			errs = append(errs, err)
		}
	}

	if change.SettingTemperature != nil {
		pub("temperature_state", formatFloat(*change.SettingTemperature))
	}
	if change.CurrentTemperature != nil {
		pub("current_temperature", formatFloat(*change.CurrentTemperature))
	}
	if change.Mode != nil {
		pub("mode", []byte(change.Mode.String()))
	}
	if change.Action != nil {
		pub("hvac_action", []byte(*change.Action))
	}
	if change.OperationLabel != nil {
		pub("operation_label", []byte(*change.OperationLabel))
	}
	// the retained aggregate always describes the whole device
	if change.Complete() {
		state, err := json.Marshal(statePayload{
			Mode:               change.Mode,
			Temperature:        change.SettingTemperature,
			CurrentTemperature: change.CurrentTemperature,
			Action:             change.Action,
			OperationLabel:     change.OperationLabel,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to encode state: %w", err))
		} else {
			pub("state", state)
		}
	}

	if err := errors.Join(errs...); err != nil {
		log.Ctx(ctx).WarnContext(
			ctx,
			"failed to publish state",
			slog.String("deviceID", id),
			slog.String("source", string(change.Source)),
			slog.Any("error", err),
		)
	}
}

// NotifyAvailability implements sink.Sink.
func (b *Bridge) NotifyAvailability(ctx context.Context, deviceID string, availability types.Availability) {
	if err := b.publish(climateTopic(deviceID, "availability"), []byte(availability), true); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to publish availability", slog.String("deviceID", deviceID), slog.Any("error", err))
	}
}

// PublishRegulation publishes the state of the regulation entities.
func (b *Bridge) PublishRegulation(ctx context.Context, s types.Settings) {
	var errs []error
	if err := b.publish(regulationTopic(regulationAmplitude, "state"), formatFloat(s.Amplitude), true); err != nil {
		errs = append(errs, err)
	}
	if err := b.publish(regulationTopic(regulationDuration, "state"), formatFloat(s.HeatingDurationHours), true); err != nil {
		errs = append(errs, err)
	}
	// a custom duration has no matching option
	if s.SeasonPreset != "" {
		if err := b.publish(regulationTopic(regulationPreset, "state"), []byte(s.SeasonPreset), true); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to publish regulation state", slog.Any("error", err))
	}
}
