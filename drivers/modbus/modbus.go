// Package modbus implements the Modbus TCP protocol adapter.
//
// Driver attributes: host, port (502), slave_id (1), timeout.
// Point attributes: function (1-4 or coil/discrete/holding/input), offset,
// data_type (bool, int16, uint16, int32, uint32, float32, float64; derived
// from the point type when absent), byte_order (ABCD, DCBA, BADC, CDAB) and
// bit for single-bit reads of a register.
package modbus

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fwaytoday/iot-dc3/driver"
	"github.com/fwaytoday/iot-dc3/metadata"
)

// Name is the registry name of the adapter.
const Name = "modbus"

const defaultPort = 502

// Adapter reads and writes Modbus TCP slaves, one connection per device.
type Adapter struct {
	logger  zerolog.Logger
	factory ClientFactory
	conns   *driver.Connections[Client]

	health sync.Map // deviceID -> last read error text, empty when healthy
}

// Register adds the adapter to a registry.
func Register(r *driver.Registry) error {
	return r.Register(Name, New)
}

// New builds the adapter on TCP connections.
func New(deps driver.Dependencies) (driver.Adapter, error) {
	return NewWithFactory(deps, NewTCPClientFactory()), nil
}

// NewWithFactory builds the adapter on connections from factory.
func NewWithFactory(deps driver.Dependencies, factory ClientFactory) *Adapter {
	a := &Adapter{logger: deps.Logger, factory: factory}
	a.conns = driver.NewConnections(a.dial, func(c Client) error { return c.Close() })
	return a
}

func (a *Adapter) dial(ctx context.Context, device metadata.Device, attrs metadata.Attributes) (Client, error) {
	endpoint, err := endpointFor(attrs)
	if err != nil {
		return nil, err
	}
	client, err := a.factory(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	a.logger.Info().Str("device", device.ID).Str("address", endpoint.Address()).Msg("modbus connected")
	return client, nil
}

func endpointFor(attrs metadata.Attributes) (Endpoint, error) {
	host, err := driver.Required(attrs, "host")
	if err != nil {
		return Endpoint{}, err
	}
	port, err := driver.Int(attrs, "port", defaultPort)
	if err != nil {
		return Endpoint{}, err
	}
	if port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("port %d out of range", port)
	}
	slave, err := driver.Int(attrs, "slave_id", 1)
	if err != nil {
		return Endpoint{}, err
	}
	if slave < 0 || slave > 247 {
		return Endpoint{}, fmt.Errorf("slave_id %d out of range", slave)
	}
	return Endpoint{
		Host:    host.String(),
		Port:    int(port),
		SlaveID: byte(slave),
		Timeout: driver.Timeout(attrs),
	}, nil
}

type location struct {
	function Function
	offset   uint16
	dataType DataType
	order    string
	bit      int
}

func locate(attrs metadata.Attributes, typ metadata.ValueType) (location, error) {
	function, err := ParseFunction(driver.String(attrs, "function", ""))
	if err != nil {
		return location{}, err
	}
	offset, err := driver.Int(attrs, "offset", -1)
	if err != nil {
		return location{}, err
	}
	if offset < 0 || offset > 65535 {
		return location{}, fmt.Errorf("offset attribute missing or out of range")
	}
	dataType, err := ParseDataType(driver.String(attrs, "data_type", ""), typ)
	if err != nil {
		return location{}, err
	}
	bit, err := driver.Int(attrs, "bit", -1)
	if err != nil {
		return location{}, err
	}
	return location{
		function: function,
		offset:   uint16(offset),
		dataType: dataType,
		order:    driver.String(attrs, "byte_order", "ABCD"),
		bit:      int(bit),
	}, nil
}

// Initialize implements driver.Adapter.
func (a *Adapter) Initialize(context.Context) error {
	return nil
}

// Read implements driver.Adapter.
func (a *Adapter) Read(ctx context.Context, driverAttrs, pointAttrs metadata.Attributes, device metadata.Device, point metadata.Point) (string, error) {
	loc, err := locate(pointAttrs, point.Type)
	if err != nil {
		return "", fmt.Errorf("%w: point %s: %w", driver.ErrNoData, point.ID, err)
	}
	var value string
	err = a.conns.Do(ctx, device, driverAttrs, func(c Client) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := readTable(c, loc)
		if err != nil {
			return err
		}
		if loc.function.Bits() {
			value, err = decodeBit(raw)
		} else {
			value, err = decodeRegisters(raw, loc.dataType, loc.order, loc.bit)
		}
		return err
	})
	if err != nil {
		a.health.Store(device.ID, err.Error())
		return "", fmt.Errorf("%w: device %s point %s: %w", driver.ErrNoData, device.ID, point.ID, err)
	}
	a.health.Store(device.ID, "")
	return value, nil
}

func readTable(c Client, loc location) ([]byte, error) {
	quantity := loc.dataType.Registers()
	switch loc.function {
	case FunctionCoil:
		return c.ReadCoils(loc.offset, 1)
	case FunctionDiscreteInput:
		return c.ReadDiscreteInputs(loc.offset, 1)
	case FunctionInput:
		return c.ReadInputRegisters(loc.offset, quantity)
	default:
		return c.ReadHoldingRegisters(loc.offset, quantity)
	}
}

// Write implements driver.Adapter. Only coils and holding registers accept
// writes.
func (a *Adapter) Write(ctx context.Context, driverAttrs, pointAttrs metadata.Attributes, device metadata.Device, value metadata.AttributeInfo) (bool, error) {
	loc, err := locate(pointAttrs, value.Type)
	if err != nil {
		return false, fmt.Errorf("%w: %w", driver.ErrWriteFailed, err)
	}
	if !loc.function.Writable() {
		return false, fmt.Errorf("%w: function %d is read-only", driver.ErrWriteFailed, loc.function)
	}
	err = a.conns.Do(ctx, device, driverAttrs, func(c Client) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if loc.function == FunctionCoil {
			on, err := strconv.ParseBool(value.String())
			if err != nil {
				return fmt.Errorf("%q is not a boolean", value.String())
			}
			var word uint16
			if on {
				word = 0xFF00
			}
			_, err = c.WriteSingleCoil(loc.offset, word)
			return err
		}
		payload, err := encodeRegisters(value.String(), loc.dataType, loc.order)
		if err != nil {
			return err
		}
		if len(payload) == 2 {
			_, err = c.WriteSingleRegister(loc.offset, uint16(payload[0])<<8|uint16(payload[1]))
			return err
		}
		_, err = c.WriteMultipleRegisters(loc.offset, uint16(len(payload)/2), payload)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("%w: device %s: %w", driver.ErrWriteFailed, device.ID, err)
	}
	return true, nil
}

// StatusTick reports every polled device online or faulted by the outcome of
// its last read. Modbus has no heartbeat of its own.
func (a *Adapter) StatusTick(ctx context.Context, sender driver.StatusSender) {
	now := time.Now()
	a.health.Range(func(key, value any) bool {
		ev := driver.StatusEvent{DeviceID: key.(string), Status: metadata.StatusOnline, At: now}
		if reason := value.(string); reason != "" {
			ev.Status, ev.Reason = metadata.StatusFault, reason
		}
		sender.SendStatus(ctx, ev)
		return ctx.Err() == nil
	})
}

// ResetDevice drops the device's cached connection.
func (a *Adapter) ResetDevice(deviceID string) error {
	a.health.Delete(deviceID)
	return a.conns.Reset(deviceID)
}

// Close implements driver.Adapter.
func (a *Adapter) Close() error {
	return a.conns.Close()
}
