// Package mqtt implements the MQTT protocol adapter. Reads return the latest
// message seen on a point's topic; writes publish to its command topic.
//
// Driver attributes: broker, client_id, username, password, keep_alive,
// timeout and TLS files (ca_file, cert_file, key_file).
// Point attributes: topic, path, encoding (json, string), qos, max_age,
// command_topic (topic + "/set" by default) and retain.
package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fwaytoday/iot-dc3/driver"
	"github.com/fwaytoday/iot-dc3/metadata"
)

// Name is the registry name of the adapter.
const Name = "mqtt"

type message struct {
	payload []byte
	at      time.Time
}

// session is the broker connection of one device plus the latest message of
// each subscribed topic.
type session struct {
	client     Client
	subscribed map[string]bool

	mu     sync.RWMutex
	latest map[string]message
}

func (s *session) store(topic string, payload []byte, at time.Time) {
	s.mu.Lock()
	s.latest[topic] = message{payload: append([]byte(nil), payload...), at: at}
	s.mu.Unlock()
}

func (s *session) last(topic string) (message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.latest[topic]
	return m, ok
}

// Adapter is the MQTT protocol adapter.
type Adapter struct {
	logger   zerolog.Logger
	factory  ClientFactory
	conns    *driver.Connections[*session]
	sessions sync.Map // deviceID -> *session
	now      func() time.Time
}

// Register adds the adapter to a registry.
func Register(r *driver.Registry) error {
	return r.Register(Name, New)
}

// New builds the adapter on Paho clients.
func New(deps driver.Dependencies) (driver.Adapter, error) {
	return NewWithFactory(deps, NewPahoFactory()), nil
}

// NewWithFactory builds the adapter on sessions from factory.
func NewWithFactory(deps driver.Dependencies, factory ClientFactory) *Adapter {
	a := &Adapter{logger: deps.Logger, factory: factory, now: time.Now}
	a.conns = driver.NewConnections(a.dial, func(s *session) error { return s.client.Close() })
	return a
}

func (a *Adapter) dial(ctx context.Context, device metadata.Device, attrs metadata.Attributes) (*session, error) {
	settings, err := connectionSettings(device, attrs)
	if err != nil {
		return nil, err
	}
	client, err := a.factory(ctx, settings, a.logger.With().Str("device", device.ID).Logger())
	if err != nil {
		return nil, err
	}
	s := &session{client: client, subscribed: map[string]bool{}, latest: map[string]message{}}
	a.sessions.Store(device.ID, s)
	a.logger.Info().Str("device", device.ID).Str("broker", settings.Broker).Msg("mqtt connected")
	return s, nil
}

// Initialize implements driver.Adapter.
func (a *Adapter) Initialize(context.Context) error {
	return nil
}

// Read implements driver.Adapter. The first read of a point subscribes its
// topic; it succeeds only once a message has arrived.
func (a *Adapter) Read(ctx context.Context, driverAttrs, pointAttrs metadata.Attributes, device metadata.Device, point metadata.Point) (string, error) {
	sub, err := subscriptionFor(pointAttrs, point)
	if err != nil {
		return "", fmt.Errorf("%w: point %s: %w", driver.ErrNoData, point.ID, err)
	}
	var value string
	err = a.conns.Do(ctx, device, driverAttrs, func(s *session) error {
		if !s.subscribed[sub.topic] {
			topic := sub.topic
			err := s.client.Subscribe(ctx, topic, sub.qos, func(_ string, payload []byte) {
				s.store(topic, payload, a.now())
			})
			if err != nil {
				return err
			}
			s.subscribed[topic] = true
		}
		msg, ok := s.last(sub.topic)
		if !ok {
			return fmt.Errorf("no message on %s yet", sub.topic)
		}
		if sub.maxAge > 0 && a.now().Sub(msg.at) > sub.maxAge {
			return fmt.Errorf("last message on %s is older than %s", sub.topic, sub.maxAge)
		}
		v, err := sub.payload.Reading(msg.payload, sub.typ)
		if err != nil {
			return fmt.Errorf("decode %s: %w", sub.topic, err)
		}
		value = v
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: device %s point %s: %w", driver.ErrNoData, device.ID, point.ID, err)
	}
	return value, nil
}

// Write implements driver.Adapter.
func (a *Adapter) Write(ctx context.Context, driverAttrs, pointAttrs metadata.Attributes, device metadata.Device, value metadata.AttributeInfo) (bool, error) {
	pub, err := publicationFor(pointAttrs)
	if err != nil {
		return false, fmt.Errorf("%w: %w", driver.ErrWriteFailed, err)
	}
	payload, err := pub.payload.Encode(value)
	if err != nil {
		return false, fmt.Errorf("%w: %w", driver.ErrWriteFailed, err)
	}
	err = a.conns.Do(ctx, device, driverAttrs, func(s *session) error {
		return s.client.Publish(ctx, pub.topic, pub.qos, pub.retain, payload)
	})
	if err != nil {
		return false, fmt.Errorf("%w: device %s: %w", driver.ErrWriteFailed, device.ID, err)
	}
	return true, nil
}

// StatusTick reports each connected device online or offline by the state
// of its broker session.
func (a *Adapter) StatusTick(ctx context.Context, sender driver.StatusSender) {
	now := a.now()
	a.sessions.Range(func(key, value any) bool {
		ev := driver.StatusEvent{DeviceID: key.(string), Status: metadata.StatusOnline, At: now}
		if !value.(*session).client.IsConnected() {
			ev.Status, ev.Reason = metadata.StatusOffline, "broker connection lost"
		}
		sender.SendStatus(ctx, ev)
		return ctx.Err() == nil
	})
}

// ResetDevice drops the device's session.
func (a *Adapter) ResetDevice(deviceID string) error {
	a.sessions.Delete(deviceID)
	return a.conns.Reset(deviceID)
}

// Close implements driver.Adapter.
func (a *Adapter) Close() error {
	a.sessions.Clear()
	return a.conns.Close()
}
