package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fwaytoday/iot-dc3/metadata"
)

var errConnectionReset = errors.New("connection reset")

// DialFunc opens a connection for a device from its driver-level attributes.
type DialFunc[C any] func(ctx context.Context, device metadata.Device, attrs metadata.Attributes) (C, error)

type connEntry[C any] struct {
	once sync.Once
	mu   sync.Mutex
	conn C
	err  error
}

// Connections caches one connection per device. The first access creates the
// connection exactly once even under concurrent callers; every use holds the
// device's own lock, so operations on different devices never contend.
// A failed creation is remembered until Reset.
type Connections[C any] struct {
	dial    DialFunc[C]
	close   func(C) error
	entries sync.Map
}

// NewConnections creates a cache using dial to open and closeFn to release
// connections. closeFn may be nil.
func NewConnections[C any](dial DialFunc[C], closeFn func(C) error) *Connections[C] {
	return &Connections[C]{dial: dial, close: closeFn}
}

// Do runs fn with the device's connection while holding its lock.
func (c *Connections[C]) Do(ctx context.Context, device metadata.Device, attrs metadata.Attributes, fn func(C) error) error {
	v, _ := c.entries.LoadOrStore(device.ID, &connEntry[C]{})
	entry := v.(*connEntry[C])
	entry.once.Do(func() {
		entry.conn, entry.err = c.dial(ctx, device, attrs)
	})
	if entry.err != nil {
		return fmt.Errorf("connect device %s: %w", device.ID, entry.err)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return fn(entry.conn)
}

// Reset drops the device's connection so the next Do dials again.
func (c *Connections[C]) Reset(deviceID string) error {
	v, ok := c.entries.LoadAndDelete(deviceID)
	if !ok {
		return nil
	}
	entry := v.(*connEntry[C])
	entry.once.Do(func() { entry.err = errConnectionReset })
	if entry.err != nil || c.close == nil {
		return nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return c.close(entry.conn)
}

// Len returns the number of cached entries, failed ones included.
func (c *Connections[C]) Len() int {
	n := 0
	c.entries.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}

// Close releases every cached connection.
func (c *Connections[C]) Close() error {
	var errs []error
	c.entries.Range(func(key, _ any) bool {
		if err := c.Reset(key.(string)); err != nil {
			errs = append(errs, err)
		}
		return true
	})
	return errors.Join(errs...)
}
