// Package driver defines the contract between the acquisition pipeline and
// protocol adapters.
package driver

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/fwaytoday/iot-dc3/metadata"
)

var (
	// ErrNoData marks a read that produced no value.
	ErrNoData = errors.New("no data")
	// ErrWriteFailed marks a write the device did not accept.
	ErrWriteFailed = errors.New("write failed")
	// ErrUnknownAdapter is returned by the registry for unregistered names.
	ErrUnknownAdapter = errors.New("unknown adapter")
)

// StatusEvent reports the observed state of a device.
type StatusEvent struct {
	DeviceID string
	Status   metadata.DeviceStatus
	Reason   string
	At       time.Time
}

// StatusSender receives device status events from adapters.
type StatusSender interface {
	SendStatus(ctx context.Context, event StatusEvent)
}

// StatusFunc adapts a function to StatusSender.
type StatusFunc func(ctx context.Context, event StatusEvent)

// SendStatus calls f.
func (f StatusFunc) SendStatus(ctx context.Context, event StatusEvent) {
	f(ctx, event)
}

// Adapter talks to devices over one protocol.
//
// Read and Write are called concurrently from the worker pool, possibly for
// the same device. Read failures wrap ErrNoData and write failures wrap
// ErrWriteFailed.
type Adapter interface {
	Initialize(ctx context.Context) error
	Read(ctx context.Context, driverAttrs, pointAttrs metadata.Attributes, device metadata.Device, point metadata.Point) (string, error)
	Write(ctx context.Context, driverAttrs, pointAttrs metadata.Attributes, device metadata.Device, value metadata.AttributeInfo) (bool, error)
	StatusTick(ctx context.Context, sender StatusSender)
	Close() error
}

// DeviceResetter is implemented by adapters that cache per-device state,
// such as connections, that must be dropped when the device's driver
// attributes change or the device is removed.
type DeviceResetter interface {
	ResetDevice(deviceID string) error
}

// Dependencies are handed to adapter factories.
type Dependencies struct {
	Logger   zerolog.Logger
	Settings map[string]string
	// Devices lists the devices known when the adapter is created; adapters
	// that report status read the live set through this function.
	Devices func() []metadata.Device
}

// Factory constructs an adapter.
type Factory func(deps Dependencies) (Adapter, error)
