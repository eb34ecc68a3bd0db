package acquisition

import (
	"context"
	"maps"
	"sync"

	"github.com/rs/zerolog"

	"github.com/fwaytoday/iot-dc3/driver"
	"github.com/fwaytoday/iot-dc3/telemetry"
)

// StatusRegistry records the last status event of every device.
type StatusRegistry struct {
	mu        sync.RWMutex
	statuses  map[string]driver.StatusEvent
	logger    zerolog.Logger
	telemetry telemetry.Collector
}

// NewStatusRegistry creates an empty registry.
func NewStatusRegistry(logger zerolog.Logger, collector telemetry.Collector) *StatusRegistry {
	if collector == nil {
		collector = telemetry.Noop()
	}
	return &StatusRegistry{statuses: map[string]driver.StatusEvent{}, logger: logger, telemetry: collector}
}

// SendStatus implements driver.StatusSender.
func (r *StatusRegistry) SendStatus(_ context.Context, event driver.StatusEvent) {
	r.mu.Lock()
	prev, seen := r.statuses[event.DeviceID]
	r.statuses[event.DeviceID] = event
	r.mu.Unlock()

	r.telemetry.SetDeviceStatus(event.DeviceID, string(event.Status))
	if !seen || prev.Status != event.Status {
		r.logger.Info().Str("device", event.DeviceID).Str("status", string(event.Status)).Str("reason", event.Reason).Msg("device status changed")
	}
}

// Status returns the last event of the device.
func (r *StatusRegistry) Status(deviceID string) (driver.StatusEvent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ev, ok := r.statuses[deviceID]
	return ev, ok
}

// Snapshot copies all recorded events.
func (r *StatusRegistry) Snapshot() map[string]driver.StatusEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.statuses)
}

// Forget drops the status of a removed device.
func (r *StatusRegistry) Forget(deviceID string) {
	r.mu.Lock()
	delete(r.statuses, deviceID)
	r.mu.Unlock()
}
