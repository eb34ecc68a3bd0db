package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/fwaytoday/iot-dc3/metadata"
)

type guarded struct {
	Adapter
	logger zerolog.Logger
}

// Guard wraps an adapter so that panics and untyped errors surface as
// ErrNoData or ErrWriteFailed. StatusTick has no error to carry a panic, so
// it is logged instead.
func Guard(a Adapter, logger zerolog.Logger) Adapter {
	if _, ok := a.(guarded); ok {
		return a
	}
	return guarded{Adapter: a, logger: logger}
}

func (g guarded) Read(ctx context.Context, driverAttrs, pointAttrs metadata.Attributes, device metadata.Device, point metadata.Point) (value string, err error) {
	defer func() {
		if r := recover(); r != nil {
			value, err = "", fmt.Errorf("%w: adapter panic: %v", ErrNoData, r)
		}
	}()
	value, err = g.Adapter.Read(ctx, driverAttrs, pointAttrs, device, point)
	if err != nil && !errors.Is(err, ErrNoData) {
		err = fmt.Errorf("%w: %w", ErrNoData, err)
	}
	return value, err
}

func (g guarded) Write(ctx context.Context, driverAttrs, pointAttrs metadata.Attributes, device metadata.Device, v metadata.AttributeInfo) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("%w: adapter panic: %v", ErrWriteFailed, r)
		}
	}()
	ok, err = g.Adapter.Write(ctx, driverAttrs, pointAttrs, device, v)
	if err != nil && !errors.Is(err, ErrWriteFailed) {
		err = fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	return ok, err
}

func (g guarded) StatusTick(ctx context.Context, sender StatusSender) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error().Interface("panic", r).Msg("adapter status tick panicked")
		}
	}()
	g.Adapter.StatusTick(ctx, sender)
}

// ResetDevice forwards to the wrapped adapter when it caches connections.
func (g guarded) ResetDevice(deviceID string) error {
	if r, ok := g.Adapter.(DeviceResetter); ok {
		return r.ResetDevice(deviceID)
	}
	return nil
}
