package mqtt

import (
	"errors"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return qos }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type published struct {
	Topic    string
	Payload  string
	Retained bool
}

// fakeConn records publishes and subscriptions in memory.
type fakeConn struct {
	mu           sync.Mutex
	published    []published
	handlers     map[string]paho.MessageHandler
	disconnected bool
	failTopic    string
}

func newFakeConn() *fakeConn {
	return &fakeConn{handlers: map[string]paho.MessageHandler{}}
}

func (f *fakeConn) Publish(topic string, _ byte, retained bool, payload interface{}) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTopic != "" && topic == f.failTopic {
		return doneToken{err: errors.New("not connected")}
	}
	var s string
	switch p := payload.(type) {
	case []byte:
		s = string(p)
	case string:
		s = p
	}
	f.published = append(f.published, published{Topic: topic, Payload: s, Retained: retained})
	return doneToken{}
}

func (f *fakeConn) Subscribe(topic string, _ byte, callback paho.MessageHandler) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = callback
	return doneToken{}
}

func (f *fakeConn) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
}

// deliver hands a message to the handler subscribed with filter.
func (f *fakeConn) deliver(filter, topic, payload string) {
	f.mu.Lock()
	h := f.handlers[filter]
	f.mu.Unlock()
	h(nil, fakeMessage{topic: topic, payload: []byte(payload)})
}

func (f *fakeConn) all() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.published...)
}

// last returns the last payload published to topic.
func (f *fakeConn) last(topic string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.published) - 1; i >= 0; i-- {
		if f.published[i].Topic == topic {
			return f.published[i].Payload, true
		}
	}
	return "", false
}
