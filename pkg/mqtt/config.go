package mqtt

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/levenlabs/go-lflag"
)

// Config holds the broker connection settings.
type Config struct {
	// Broker is the broker URL, e.g. tcp://core-mosquitto:1883. An empty
	// broker disables the integration.
	Broker          string
	Username        string
	Password        string
	ClientID        string
	Heartbeat       time.Duration
	DiscoveryPrefix string
}

// Configured registers the MQTT flags.
func Configured() *Config {
	c := &Config{}
	broker := lflag.String("mqtt-broker", "", "MQTT broker URL (empty disables MQTT)")
	username := lflag.String("mqtt-username", "", "MQTT username")
	password := lflag.String("mqtt-password", "", "MQTT password")
	clientID := lflag.String("mqtt-client-id", "", "MQTT client id (random if empty)")
	heartbeat := lflag.Duration("mqtt-heartbeat", 60*time.Second, "Interval between bridge status heartbeats")
	prefix := lflag.String("mqtt-discovery-prefix", "homeassistant", "Home Assistant discovery prefix")

	lflag.Do(func() {
		c.Broker = *broker
		c.Username = *username
		c.Password = *password
		c.ClientID = *clientID
		if c.ClientID == "" {
			c.ClientID = "yutampo-" + uuid.NewString()[:8]
		}
		c.Heartbeat = *heartbeat
		c.DiscoveryPrefix = strings.TrimSuffix(*prefix, "/")
	})
	return c
}

// Enabled returns true if a broker was configured.
func (c Config) Enabled() bool {
	return c.Broker != ""
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if c.ClientID == "" {
		return errors.New("mqtt-client-id must not be empty")
	}
	if c.Heartbeat <= 0 {
		return errors.New("mqtt-heartbeat must be positive")
	}
	if c.DiscoveryPrefix == "" {
		return errors.New("mqtt-discovery-prefix must not be empty")
	}
	return nil
}
