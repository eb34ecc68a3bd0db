// Package acquisition polls devices through the protocol adapter and feeds
// the readings into the ingestion path.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/fwaytoday/iot-dc3/driver"
	"github.com/fwaytoday/iot-dc3/metadata"
	"github.com/fwaytoday/iot-dc3/pointvalue"
	"github.com/fwaytoday/iot-dc3/telemetry"
)

// ErrNotPollable is returned for a (device, point) pair without attributes.
var ErrNotPollable = errors.New("point is not configured for device")

// Ingester accepts readings.
type Ingester interface {
	IngestOne(ctx context.Context, v pointvalue.PointValue)
}

// Dispatcher performs single reads and writes against the adapter.
type Dispatcher struct {
	metadata  *metadata.Store
	adapter   driver.Adapter
	ingest    Ingester
	converter *Converter
	logger    zerolog.Logger
	telemetry telemetry.Collector
	now       func() time.Time
}

// NewDispatcher wires a dispatcher.
func NewDispatcher(store *metadata.Store, adapter driver.Adapter, ingest Ingester, logger zerolog.Logger, collector telemetry.Collector) *Dispatcher {
	if collector == nil {
		collector = telemetry.Noop()
	}
	return &Dispatcher{
		metadata:  store,
		adapter:   adapter,
		ingest:    ingest,
		converter: NewConverter(),
		logger:    logger,
		telemetry: collector,
		now:       time.Now,
	}
}

type target struct {
	device      metadata.Device
	point       metadata.Point
	driverAttrs metadata.Attributes
	pointAttrs  metadata.Attributes
}

func (d *Dispatcher) resolve(deviceID, pointID string) (target, error) {
	md := d.metadata.Snapshot()
	dev, ok := md.Devices[deviceID]
	if !ok {
		return target{}, fmt.Errorf("device %s: %w", deviceID, metadata.ErrDeviceNotFound)
	}
	point, ok := md.Point(deviceID, pointID)
	if !ok {
		return target{}, fmt.Errorf("device %s point %s: %w", deviceID, pointID, ErrNotPollable)
	}
	pointAttrs, ok := md.AttributesFor(deviceID, pointID)
	if !ok {
		return target{}, fmt.Errorf("device %s point %s: %w", deviceID, pointID, ErrNotPollable)
	}
	driverAttrs, _ := md.DriverAttributes(deviceID)
	return target{device: dev, point: point, driverAttrs: driverAttrs, pointAttrs: pointAttrs}, nil
}

// Read polls one point and ingests the reading.
func (d *Dispatcher) Read(ctx context.Context, deviceID, pointID string) error {
	t, err := d.resolve(deviceID, pointID)
	if err != nil {
		d.logger.Debug().Err(err).Msg("skip read")
		return err
	}

	readCtx, cancel := context.WithTimeout(ctx, driver.Timeout(t.driverAttrs))
	raw, err := d.adapter.Read(readCtx, t.driverAttrs, t.pointAttrs, t.device, t.point)
	cancel()
	if err != nil {
		d.telemetry.IncReadFailure(deviceID)
		d.logger.Warn().Err(err).Str("device", deviceID).Str("point", pointID).Msg("read failed")
		return err
	}
	captured := d.now()

	value, err := d.converter.Convert(t.point, raw)
	if err != nil {
		d.telemetry.IncReadFailure(deviceID)
		d.logger.Warn().Err(err).Str("device", deviceID).Str("point", pointID).Str("raw", raw).Msg("convert reading")
		return err
	}
	if !InRange(t.point, value) {
		d.logger.Warn().Str("device", deviceID).Str("point", pointID).Str("value", value).Msg("value outside point bounds")
	}

	pv := pointvalue.PointValue{
		DeviceID:   deviceID,
		PointID:    pointID,
		RawValue:   raw,
		Value:      value,
		Type:       t.point.Type,
		OriginTime: captured,
	}
	if t.device.Multi {
		pv = pointvalue.PointValue{
			DeviceID:   deviceID,
			Multi:      true,
			OriginTime: captured,
			Children:   []pointvalue.PointValue{pv},
		}
	}
	d.ingest.IngestOne(ctx, pv)
	return nil
}

// Write sends value to one point of a device.
func (d *Dispatcher) Write(ctx context.Context, deviceID, pointID, value string) (bool, error) {
	t, err := d.resolve(deviceID, pointID)
	if err != nil {
		return false, err
	}
	writeCtx, cancel := context.WithTimeout(ctx, driver.Timeout(t.driverAttrs))
	defer cancel()
	ok, err := d.adapter.Write(writeCtx, t.driverAttrs, t.pointAttrs, t.device, metadata.AttributeInfo{Value: value, Type: t.point.Type})
	if err != nil || !ok {
		d.telemetry.IncWriteFailure(deviceID)
		d.logger.Warn().Err(err).Str("device", deviceID).Str("point", pointID).Str("value", value).Msg("write failed")
		return false, err
	}
	d.logger.Info().Str("device", deviceID).Str("point", pointID).Str("value", value).Msg("point written")
	return true, nil
}
