package metadata

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync/atomic"
)

// ErrDeviceNotFound is returned by Device when the id is unknown.
var ErrDeviceNotFound = errors.New("device not found")

// DeviceList returns the devices ordered by id.
func (m *DriverMetadata) DeviceList() []Device {
	if m == nil {
		return nil
	}
	ids := slices.Sorted(maps.Keys(m.Devices))
	out := make([]Device, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.Devices[id])
	}
	return out
}

// PollablePoints returns the ids of the points the device can be read on:
// points of its profiles that carry a non-empty attribute set for it.
func (m *DriverMetadata) PollablePoints(deviceID string) []string {
	if m == nil {
		return nil
	}
	dev, ok := m.Devices[deviceID]
	if !ok {
		return nil
	}
	attrs := m.PointAttributes[deviceID]
	if len(attrs) == 0 {
		return nil
	}
	var out []string
	seen := map[string]struct{}{}
	for _, profileID := range dev.ProfileIDs {
		points := m.ProfilePoints[profileID]
		for _, pointID := range slices.Sorted(maps.Keys(points)) {
			if len(attrs[pointID]) == 0 {
				continue
			}
			if _, dup := seen[pointID]; dup {
				continue
			}
			seen[pointID] = struct{}{}
			out = append(out, pointID)
		}
	}
	return out
}

// Point looks the point up among the device's profiles.
func (m *DriverMetadata) Point(deviceID, pointID string) (Point, bool) {
	if m == nil {
		return Point{}, false
	}
	dev, ok := m.Devices[deviceID]
	if !ok {
		return Point{}, false
	}
	for _, profileID := range dev.ProfileIDs {
		if p, ok := m.ProfilePoints[profileID][pointID]; ok {
			return p, true
		}
	}
	return Point{}, false
}

// AttributesFor returns the point-level attributes of (device, point).
// An empty set is reported as absent.
func (m *DriverMetadata) AttributesFor(deviceID, pointID string) (Attributes, bool) {
	if m == nil {
		return nil, false
	}
	attrs := m.PointAttributes[deviceID][pointID]
	return attrs, len(attrs) > 0
}

// DriverAttributes returns the driver-level attributes of the device.
func (m *DriverMetadata) DriverAttributes(deviceID string) (Attributes, bool) {
	if m == nil {
		return nil, false
	}
	attrs, ok := m.DeviceAttributes[deviceID]
	return attrs, ok
}

// Store publishes metadata snapshots. Reads never block; Refresh swaps the
// whole snapshot so readers observe either the old or the new one.
type Store struct {
	current atomic.Pointer[DriverMetadata]
}

// NewStore creates a store holding initial, or an empty snapshot.
func NewStore(initial *DriverMetadata) *Store {
	s := &Store{}
	s.Refresh(initial)
	return s
}

// Refresh replaces the snapshot and returns the previous one.
func (s *Store) Refresh(md *DriverMetadata) *DriverMetadata {
	if md == nil {
		md = NewDriverMetadata()
	}
	return s.current.Swap(md)
}

// Snapshot returns the current snapshot. Callers must not mutate it.
func (s *Store) Snapshot() *DriverMetadata {
	return s.current.Load()
}

// Get returns the device with the given id.
func (s *Store) Get(deviceID string) (Device, bool) {
	dev, ok := s.Snapshot().Devices[deviceID]
	return dev, ok
}

// PointsFor returns the pollable point ids of the device.
func (s *Store) PointsFor(deviceID string) []string {
	return s.Snapshot().PollablePoints(deviceID)
}

// AttributesFor returns the point-level attributes of (device, point).
func (s *Store) AttributesFor(deviceID, pointID string) (Attributes, bool) {
	return s.Snapshot().AttributesFor(deviceID, pointID)
}

// DeviceAttributes returns the driver-level attributes of the device.
func (s *Store) DeviceAttributes(deviceID string) (Attributes, bool) {
	return s.Snapshot().DriverAttributes(deviceID)
}

// Point returns the point definition as seen by the device.
func (s *Store) Point(deviceID, pointID string) (Point, bool) {
	return s.Snapshot().Point(deviceID, pointID)
}

// Device resolves a device for value queries.
func (s *Store) Device(_ context.Context, deviceID string) (Device, error) {
	dev, ok := s.Get(deviceID)
	if !ok {
		return Device{}, ErrDeviceNotFound
	}
	return dev, nil
}

// Changed lists, in id order, the devices of old that were removed in next
// or whose driver-level attributes differ. Their connections are stale.
func Changed(old, next *DriverMetadata) []string {
	if old == nil {
		return nil
	}
	var out []string
	for _, id := range slices.Sorted(maps.Keys(old.Devices)) {
		if next == nil {
			out = append(out, id)
			continue
		}
		if _, ok := next.Devices[id]; !ok {
			out = append(out, id)
			continue
		}
		if !maps.Equal(old.DeviceAttributes[id], next.DeviceAttributes[id]) {
			out = append(out, id)
		}
	}
	return out
}
