package mqtt

import (
	"fmt"
	"strings"
	"time"

	"github.com/fwaytoday/iot-dc3/driver"
	"github.com/fwaytoday/iot-dc3/metadata"
)

// ConnectionSettings describe how a device reaches its broker. They are read
// from the device's driver attributes.
type ConnectionSettings struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	TLS            *TLSSettings
}

// TLSSettings allow TLS connections to be configured.
type TLSSettings struct {
	InsecureSkipVerify bool
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
}

func connectionSettings(device metadata.Device, attrs metadata.Attributes) (ConnectionSettings, error) {
	broker, err := driver.Required(attrs, "broker")
	if err != nil {
		return ConnectionSettings{}, err
	}
	s := ConnectionSettings{
		Broker:         broker.String(),
		ClientID:       driver.String(attrs, "client_id", "dc3-"+device.ID),
		Username:       driver.String(attrs, "username", ""),
		Password:       driver.String(attrs, "password", ""),
		ConnectTimeout: driver.Timeout(attrs),
	}
	if raw := driver.String(attrs, "keep_alive", ""); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return ConnectionSettings{}, fmt.Errorf("keep_alive %q: %w", raw, err)
		}
		s.KeepAlive = d
	}
	if strings.HasPrefix(s.Broker, "ssl://") || strings.HasPrefix(s.Broker, "tls://") || driver.String(attrs, "ca_file", "") != "" {
		s.TLS = &TLSSettings{
			InsecureSkipVerify: driver.String(attrs, "insecure_skip_verify", "") == "true",
			CAFile:             driver.String(attrs, "ca_file", ""),
			CertFile:           driver.String(attrs, "cert_file", ""),
			KeyFile:            driver.String(attrs, "key_file", ""),
			ServerName:         driver.String(attrs, "server_name", ""),
		}
	}
	return s, nil
}

// subscription is the read side of a point.
type subscription struct {
	topic   string
	qos     byte
	payload PayloadConversion
	typ     metadata.ValueType
	maxAge  time.Duration
}

// publication is the write side of a point.
type publication struct {
	topic   string
	qos     byte
	retain  bool
	payload PayloadConversion
}

func qosAttr(attrs metadata.Attributes) (byte, error) {
	qos, err := driver.Int(attrs, "qos", 0)
	if err != nil {
		return 0, err
	}
	if qos < 0 || qos > 2 {
		return 0, fmt.Errorf("qos %d out of range", qos)
	}
	return byte(qos), nil
}

func subscriptionFor(attrs metadata.Attributes, point metadata.Point) (subscription, error) {
	topic, err := driver.Required(attrs, "topic")
	if err != nil {
		return subscription{}, err
	}
	qos, err := qosAttr(attrs)
	if err != nil {
		return subscription{}, err
	}
	sub := subscription{
		topic: topic.String(),
		qos:   qos,
		payload: PayloadConversion{
			Encoding: driver.String(attrs, "encoding", EncodingJSON),
			Path:     driver.String(attrs, "path", ""),
		},
		typ: point.Type,
	}
	if raw := driver.String(attrs, "max_age", ""); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return subscription{}, fmt.Errorf("max_age %q: %w", raw, err)
		}
		sub.maxAge = d
	}
	return sub, nil
}

func publicationFor(attrs metadata.Attributes) (publication, error) {
	topic := driver.String(attrs, "command_topic", "")
	if topic == "" {
		state, err := driver.Required(attrs, "topic")
		if err != nil {
			return publication{}, fmt.Errorf("command_topic or topic is required")
		}
		topic = state.String() + "/set"
	}
	qos, err := qosAttr(attrs)
	if err != nil {
		return publication{}, err
	}
	return publication{
		topic:  topic,
		qos:    qos,
		retain: driver.String(attrs, "retain", "") == "true",
		payload: PayloadConversion{
			Encoding: driver.String(attrs, "encoding", EncodingJSON),
		},
	}, nil
}
