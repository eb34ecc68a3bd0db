// Package virtual implements a protocol adapter without hardware. Reads
// produce random values within per-point bounds, or echo the last value
// written to the point.
package virtual

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fwaytoday/iot-dc3/driver"
	"github.com/fwaytoday/iot-dc3/metadata"
)

// Name is the registry name of the adapter.
const Name = "virtual"

// Point attributes understood by the adapter.
const (
	AttrMin         = "min"
	AttrMax         = "max"
	AttrProbability = "probability"
	AttrLength      = "length"
	AttrValue       = "value"
	AttrFail        = "fail"
)

// Adapter is the virtual protocol adapter.
type Adapter struct {
	logger  zerolog.Logger
	gen     *generator
	devices func() []metadata.Device
	now     func() time.Time

	mu      sync.RWMutex
	written map[string]string
}

// Register adds the adapter to a registry.
func Register(r *driver.Registry) error {
	return r.Register(Name, New)
}

// New builds the adapter. The settings "source" (pseudo or secure) and
// "seed" select the random generator.
func New(deps driver.Dependencies) (driver.Adapter, error) {
	var seed *int64
	if raw := deps.Settings["seed"]; raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("virtual: seed %q: %w", raw, err)
		}
		seed = &v
	}
	gen, err := newGenerator(deps.Settings["source"], seed)
	if err != nil {
		return nil, fmt.Errorf("virtual: %w", err)
	}
	return &Adapter{
		logger:  deps.Logger,
		gen:     gen,
		devices: deps.Devices,
		now:     time.Now,
		written: map[string]string{},
	}, nil
}

// Initialize implements driver.Adapter.
func (a *Adapter) Initialize(context.Context) error {
	a.logger.Info().Msg("virtual adapter ready")
	return nil
}

// register identifies the storage slot of a point: the device plus its point
// attributes, so a write lands where a read of the same attributes looks.
func register(deviceID string, attrs metadata.Attributes) string {
	var b strings.Builder
	b.WriteString(deviceID)
	for _, name := range slices.Sorted(maps.Keys(attrs)) {
		if name == AttrFail {
			continue
		}
		b.WriteString(";" + name + "=" + attrs[name].Value)
	}
	return b.String()
}

// Read implements driver.Adapter.
func (a *Adapter) Read(ctx context.Context, _, pointAttrs metadata.Attributes, device metadata.Device, point metadata.Point) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", driver.ErrNoData, err)
	}
	if fail, ok := pointAttrs[AttrFail]; ok {
		if b, _ := fail.Bool(); b {
			return "", fmt.Errorf("%w: simulated failure on %s/%s", driver.ErrNoData, device.ID, point.ID)
		}
	}

	a.mu.RLock()
	v, ok := a.written[register(device.ID, pointAttrs)]
	a.mu.RUnlock()
	if ok {
		return v, nil
	}
	if fixed, ok := pointAttrs[AttrValue]; ok {
		return fixed.String(), nil
	}

	value, err := a.generate(pointAttrs, point.Type)
	if err != nil {
		return "", fmt.Errorf("%w: %s/%s: %w", driver.ErrNoData, device.ID, point.ID, err)
	}
	return value, nil
}

func (a *Adapter) generate(attrs metadata.Attributes, typ metadata.ValueType) (string, error) {
	switch typ {
	case metadata.TypeInt, metadata.TypeLong:
		lo, err := driver.Int(attrs, AttrMin, 0)
		if err != nil {
			return "", err
		}
		hi, err := driver.Int(attrs, AttrMax, 100)
		if err != nil {
			return "", err
		}
		n, err := a.gen.integer(lo, hi)
		if err != nil {
			return "", err
		}
		return strconv.FormatInt(n, 10), nil
	case metadata.TypeFloat, metadata.TypeDouble:
		lo, err := floatAttr(attrs, AttrMin, 0)
		if err != nil {
			return "", err
		}
		hi, err := floatAttr(attrs, AttrMax, 100)
		if err != nil {
			return "", err
		}
		f, err := a.gen.float(lo, hi)
		if err != nil {
			return "", err
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	case metadata.TypeBool:
		p, err := floatAttr(attrs, AttrProbability, 0.5)
		if err != nil {
			return "", err
		}
		return strconv.FormatBool(a.gen.chance(p)), nil
	default:
		n, err := driver.Int(attrs, AttrLength, 8)
		if err != nil {
			return "", err
		}
		return a.gen.text(int(n)), nil
	}
}

func floatAttr(attrs metadata.Attributes, name string, def float64) (float64, error) {
	info, ok := attrs[name]
	if !ok {
		return def, nil
	}
	f, err := info.Float()
	if err != nil {
		return 0, fmt.Errorf("attribute %s: %w", name, err)
	}
	return f, nil
}

// Write implements driver.Adapter; the value is echoed by later reads of a
// point with the same attributes.
func (a *Adapter) Write(ctx context.Context, _, pointAttrs metadata.Attributes, device metadata.Device, value metadata.AttributeInfo) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("%w: %w", driver.ErrWriteFailed, err)
	}
	if len(pointAttrs) == 0 {
		return false, fmt.Errorf("%w: no point attributes for device %s", driver.ErrWriteFailed, device.ID)
	}
	a.mu.Lock()
	a.written[register(device.ID, pointAttrs)] = value.String()
	a.mu.Unlock()
	return true, nil
}

// StatusTick reports every known device online.
func (a *Adapter) StatusTick(ctx context.Context, sender driver.StatusSender) {
	if a.devices == nil {
		return
	}
	now := a.now()
	for _, dev := range a.devices() {
		if ctx.Err() != nil {
			return
		}
		status := metadata.StatusOnline
		if dev.Status == metadata.StatusMaintain {
			status = metadata.StatusMaintain
		}
		sender.SendStatus(ctx, driver.StatusEvent{DeviceID: dev.ID, Status: status, At: now})
	}
}

// Close implements driver.Adapter.
func (a *Adapter) Close() error {
	return nil
}
