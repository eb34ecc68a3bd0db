package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// Client is the broker session of one device.
type Client interface {
	Subscribe(ctx context.Context, topic string, qos byte, onMessage func(topic string, payload []byte)) error
	Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error
	IsConnected() bool
	Close() error
}

// ClientFactory opens broker sessions.
type ClientFactory func(ctx context.Context, settings ConnectionSettings, logger zerolog.Logger) (Client, error)

// pahoClient resubscribes its topics after every reconnect.
type pahoClient struct {
	client mqtt.Client

	mu   sync.Mutex
	subs map[string]topicSub
}

type topicSub struct {
	qos     byte
	handler mqtt.MessageHandler
}

// NewPahoFactory returns a factory backed by the Eclipse Paho client.
func NewPahoFactory() ClientFactory {
	return func(ctx context.Context, settings ConnectionSettings, logger zerolog.Logger) (Client, error) {
		c := &pahoClient{subs: map[string]topicSub{}}
		client, err := buildClient(ctx, settings, logger, c.resubscribe)
		if err != nil {
			return nil, err
		}
		c.client = client
		return c, nil
	}
}

// buildClient connects a Paho client configured from settings.
func buildClient(ctx context.Context, settings ConnectionSettings, logger zerolog.Logger, onConnect mqtt.OnConnectHandler) (mqtt.Client, error) {
	if settings.Broker == "" {
		return nil, fmt.Errorf("mqtt: broker address is required")
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(settings.Broker)
	if settings.ClientID != "" {
		opts.SetClientID(settings.ClientID)
	}
	if settings.Username != "" {
		opts.SetUsername(settings.Username)
		opts.SetPassword(settings.Password)
	}
	if settings.KeepAlive > 0 {
		opts.SetKeepAlive(settings.KeepAlive)
	}
	if settings.ConnectTimeout > 0 {
		opts.SetConnectTimeout(settings.ConnectTimeout)
	}
	opts.SetAutoReconnect(true)
	// Handlers only store the payload; they need not run in arrival order.
	opts.SetOrderMatters(false)

	if settings.TLS != nil {
		tlsConfig, err := buildTLSConfig(*settings.TLS)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	if onConnect != nil {
		opts.OnConnect = onConnect
	}

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn().Err(err).Str("broker", settings.Broker).Msg("mqtt: connection lost")
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		logger.Info().Str("broker", settings.Broker).Msg("mqtt: reconnecting")
	})

	client := mqtt.NewClient(opts)
	if err := wait(ctx, client.Connect()); err != nil {
		return nil, fmt.Errorf("mqtt: connect %s: %w", settings.Broker, err)
	}
	return client, nil
}

func buildTLSConfig(settings TLSSettings) (*tls.Config, error) {
	cfg := &tls.Config{InsecureSkipVerify: settings.InsecureSkipVerify}
	if settings.ServerName != "" {
		cfg.ServerName = settings.ServerName
	}

	if settings.CAFile != "" {
		ca, err := os.ReadFile(settings.CAFile)
		if err != nil {
			return nil, fmt.Errorf("mqtt: read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(ca); !ok {
			return nil, fmt.Errorf("mqtt: parse ca file %s", settings.CAFile)
		}
		cfg.RootCAs = pool
	}

	if settings.CertFile != "" && settings.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(settings.CertFile, settings.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("mqtt: load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

// wait blocks until the token completes or ctx ends.
func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pahoClient) Subscribe(ctx context.Context, topic string, qos byte, onMessage func(string, []byte)) error {
	handler := func(_ mqtt.Client, msg mqtt.Message) {
		onMessage(msg.Topic(), msg.Payload())
	}
	if err := wait(ctx, c.client.Subscribe(topic, qos, handler)); err != nil {
		return fmt.Errorf("mqtt: subscribe %s: %w", topic, err)
	}
	c.mu.Lock()
	c.subs[topic] = topicSub{qos: qos, handler: handler}
	c.mu.Unlock()
	return nil
}

func (c *pahoClient) resubscribe(client mqtt.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, sub := range c.subs {
		client.Subscribe(topic, sub.qos, sub.handler)
	}
}

func (c *pahoClient) Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error {
	if err := wait(ctx, c.client.Publish(topic, qos, retain, payload)); err != nil {
		return fmt.Errorf("mqtt: publish %s: %w", topic, err)
	}
	return nil
}

func (c *pahoClient) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

func (c *pahoClient) Close() error {
	c.client.Disconnect(250)
	return nil
}
