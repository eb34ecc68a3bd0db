package pointvalue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fwaytoday/iot-dc3/cache"
	"github.com/fwaytoday/iot-dc3/internal/pool"
	"github.com/fwaytoday/iot-dc3/metadata"
)

var (
	// ErrNoRealtimeValue means the cache holds no entry; use Latest or List.
	ErrNoRealtimeValue = errors.New("no realtime value, use latest or list for recorded data")
	// ErrRealtimeExpired means the cached entry outlived its expiry.
	ErrRealtimeExpired = fmt.Errorf("%w: entry expired", ErrNoRealtimeValue)
	// ErrNoRecord means the durable store holds no matching value.
	ErrNoRecord = errors.New("no point value recorded")
)

// Store is the durable time-series store.
type Store interface {
	Latest(ctx context.Context, c Criteria) (PointValue, error)
	Query(ctx context.Context, c Criteria) ([]PointValue, int64, error)
}

// Buffer receives values for the next batch flush.
type Buffer interface {
	Append(values ...PointValue)
}

// DeviceResolver looks devices up to decide the multi flag of queries.
type DeviceResolver interface {
	Device(ctx context.Context, deviceID string) (metadata.Device, error)
}

// Submitter runs tasks off the caller's goroutine.
type Submitter interface {
	TrySubmit(task pool.Task) error
}

// Options configures cache keys and expiry.
type Options struct {
	ValuePrefix  string
	ValuesPrefix string
	TTL          time.Duration
}

// Service is the ingestion path and query surface for point values.
type Service struct {
	cache   cache.Cache
	buffer  Buffer
	store   Store
	devices DeviceResolver
	tasks   Submitter
	opts    Options
	logger  zerolog.Logger
	now     func() time.Time

	slots sync.Map // deviceID -> *deviceSlot
}

// deviceSlot serialises the cache writes of one device and keeps the latest
// value per point for the device snapshot key.
type deviceSlot struct {
	mu     sync.Mutex
	latest map[string]PointValue
}

// NewService wires the ingestion path.
func NewService(c cache.Cache, buffer Buffer, store Store, devices DeviceResolver, tasks Submitter, opts Options, logger zerolog.Logger) *Service {
	return &Service{
		cache:   c,
		buffer:  buffer,
		store:   store,
		devices: devices,
		tasks:   tasks,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
	}
}

// IngestOne accepts one reading.
func (s *Service) IngestOne(ctx context.Context, v PointValue) {
	s.IngestMany(ctx, []PointValue{v})
}

// IngestMany stamps the values, schedules their cache writes and appends them
// to the pending buffer. Empty input is ignored.
func (s *Service) IngestMany(ctx context.Context, values []PointValue) {
	if len(values) == 0 {
		return
	}
	now := s.now()
	batch := make([]PointValue, len(values))
	for i, v := range values {
		if v.OriginTime.IsZero() {
			v.OriginTime = now
		}
		v.CreateTime = now
		batch[i] = v
	}

	task := func(taskCtx context.Context) {
		s.writeCache(taskCtx, batch)
	}
	if err := s.tasks.TrySubmit(task); err != nil {
		if !errors.Is(err, pool.ErrQueueFull) {
			s.logger.Warn().Err(err).Int("values", len(batch)).Msg("cache write not scheduled")
		} else {
			task(ctx)
		}
	}
	s.buffer.Append(batch...)
}

func (s *Service) writeCache(ctx context.Context, values []PointValue) {
	for _, v := range values {
		slot := s.slot(v.DeviceID)
		slot.mu.Lock()
		s.writeValue(ctx, slot, v)
		slot.mu.Unlock()
	}
}

// writeValue stores v unless a newer reading of the same point was cached
// already. A multi parent is merged into the cached parent child by child,
// and each child that became current is also cached under its own point
// key. Callers hold slot.mu.
func (s *Service) writeValue(ctx context.Context, slot *deviceSlot, v PointValue) {
	key := pointKey(v.PointID)
	prev, seen := slot.latest[key]
	var current []PointValue
	if v.Multi {
		v, current = mergeChildren(prev, v)
		if len(current) == 0 {
			return
		}
	} else if seen && v.OriginTime.Before(prev.OriginTime) {
		return
	}
	slot.latest[key] = v

	ttl := v.TTL
	if ttl <= 0 {
		ttl = s.opts.TTL
	}
	if err := s.setJSON(ctx, s.ValueKey(v.DeviceID, v.PointID), v, ttl); err != nil {
		s.logger.Warn().Err(err).Str("device", v.DeviceID).Str("point", v.PointID).Msg("cache point value")
		return
	}
	for _, child := range current {
		if err := s.setJSON(ctx, s.ValueKey(v.DeviceID, child.PointID), child, ttl); err != nil {
			s.logger.Warn().Err(err).Str("device", v.DeviceID).Str("point", child.PointID).Msg("cache child value")
		}
	}

	snapshot := make([]PointValue, 0, len(slot.latest))
	for _, pv := range slot.latest {
		snapshot = append(snapshot, pv)
	}
	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].PointID < snapshot[j].PointID
	})
	if err := s.setJSON(ctx, s.ValuesKey(v.DeviceID), snapshot, ttl); err != nil {
		s.logger.Warn().Err(err).Str("device", v.DeviceID).Msg("cache device snapshot")
	}
}

// mergeChildren folds the children of next into the cached parent prev,
// keeping the newest reading per child point. It returns the merged parent
// and the children of next that replaced or joined the cached ones.
func mergeChildren(prev, next PointValue) (PointValue, []PointValue) {
	children := slices.Clone(prev.Children)
	index := make(map[string]int, len(children))
	for i, c := range children {
		index[c.PointID] = i
	}
	var current []PointValue
	for _, c := range next.Children {
		if c.DeviceID == "" {
			c.DeviceID = next.DeviceID
		}
		if c.OriginTime.IsZero() {
			c.OriginTime = next.OriginTime
		}
		if c.CreateTime.IsZero() {
			c.CreateTime = next.CreateTime
		}
		if i, ok := index[c.PointID]; ok {
			if c.OriginTime.Before(children[i].OriginTime) {
				continue
			}
			children[i] = c
		} else {
			index[c.PointID] = len(children)
			children = append(children, c)
		}
		current = append(current, c)
	}
	slices.SortFunc(children, func(a, b PointValue) int {
		return strings.Compare(a.PointID, b.PointID)
	})

	merged := next
	merged.Children = children
	if prev.OriginTime.After(merged.OriginTime) {
		merged.OriginTime = prev.OriginTime
	}
	if prev.CreateTime.After(merged.CreateTime) {
		merged.CreateTime = prev.CreateTime
	}
	return merged, current
}

func (s *Service) slot(deviceID string) *deviceSlot {
	if v, ok := s.slots.Load(deviceID); ok {
		return v.(*deviceSlot)
	}
	v, _ := s.slots.LoadOrStore(deviceID, &deviceSlot{latest: map[string]PointValue{}})
	return v.(*deviceSlot)
}

// Forget drops the snapshot state of a removed device and deletes its
// realtime keys from the cache.
func (s *Service) Forget(ctx context.Context, deviceID string) {
	v, ok := s.slots.LoadAndDelete(deviceID)
	if !ok {
		return
	}
	slot := v.(*deviceSlot)
	slot.mu.Lock()
	defer slot.mu.Unlock()
	keys := []string{s.ValuesKey(deviceID)}
	for _, pv := range slot.latest {
		keys = append(keys, s.ValueKey(deviceID, pv.PointID))
		for _, c := range pv.Children {
			keys = append(keys, s.ValueKey(deviceID, c.PointID))
		}
	}
	for _, key := range keys {
		if err := s.cache.Delete(ctx, key); err != nil && !errors.Is(err, cache.ErrNotFound) {
			s.logger.Warn().Err(err).Str("key", key).Msg("delete realtime value")
		}
	}
}

func (s *Service) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.cache.Set(ctx, key, raw, ttl)
}

func pointKey(pointID string) string {
	if pointID == "" {
		return Wildcard
	}
	return pointID
}

// ValueKey is the cache key of one point of a device.
func (s *Service) ValueKey(deviceID, pointID string) string {
	return s.opts.ValuePrefix + deviceID + "." + pointKey(pointID)
}

// ValuesKey is the cache key of the device snapshot.
func (s *Service) ValuesKey(deviceID string) string {
	return s.opts.ValuesPrefix + deviceID
}

// LatestCached returns the cached snapshot of every point of the device.
func (s *Service) LatestCached(ctx context.Context, deviceID string) ([]PointValue, error) {
	var out []PointValue
	if err := s.getJSON(ctx, s.ValuesKey(deviceID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// LatestCachedPoint returns the cached value of one point. An empty pointID
// reads the multi parent.
func (s *Service) LatestCachedPoint(ctx context.Context, deviceID, pointID string) (PointValue, error) {
	var out PointValue
	if err := s.getJSON(ctx, s.ValueKey(deviceID, pointID), &out); err != nil {
		return PointValue{}, err
	}
	return out, nil
}

func (s *Service) getJSON(ctx context.Context, key string, v any) error {
	raw, err := s.cache.Get(ctx, key)
	switch {
	case errors.Is(err, cache.ErrNotFound):
		return ErrNoRealtimeValue
	case errors.Is(err, cache.ErrExpired):
		return ErrRealtimeExpired
	case err != nil:
		return fmt.Errorf("read cache %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode cache %s: %w", key, err)
	}
	return nil
}

// isMulti resolves the multi flag of a device, treating an unresolvable
// device as single-valued.
func (s *Service) isMulti(ctx context.Context, deviceID string) bool {
	if s.devices == nil {
		return false
	}
	dev, err := s.devices.Device(ctx, deviceID)
	if err != nil {
		s.logger.Warn().Err(err).Str("device", deviceID).Msg("device lookup failed, querying as single-valued")
		return false
	}
	return dev.Multi
}

func (s *Service) criteria(ctx context.Context, deviceID, pointID string) Criteria {
	var c Criteria
	switch {
	case deviceID != "":
		c.DeviceID = deviceID
		if s.isMulti(ctx, deviceID) {
			c.MultiOnly = true
			c.ChildPointID = pointID
		} else {
			c.PointID = pointID
		}
	case pointID != "":
		c.AnyPointID = pointID
	}
	return c
}

// Latest returns the most recent recorded value of the device, optionally
// restricted to a point. For a multi device the point is matched among the
// children.
func (s *Service) Latest(ctx context.Context, deviceID, pointID string) (PointValue, error) {
	if deviceID == "" {
		return PointValue{}, fmt.Errorf("device id is required")
	}
	c := s.criteria(ctx, deviceID, pointID)
	c.Limit = 1
	v, err := s.store.Latest(ctx, c)
	if err != nil {
		return PointValue{}, err
	}
	return v, nil
}

// List returns one page of recorded values, newest first. The total counts
// every match regardless of paging; display ids run from 0 across the page's
// rows and their children.
func (s *Service) List(ctx context.Context, f Filter) (Page, error) {
	pages := f.Page.normalised()
	c := s.criteria(ctx, f.DeviceID, f.PointID)
	if pages.HasRange() {
		c.Start, c.End = pages.Start, pages.End
	}
	c.Limit = pages.Size
	c.Offset = pages.Size * (pages.Current - 1)

	records, total, err := s.store.Query(ctx, c)
	if err != nil {
		return Page{}, err
	}
	var id int64
	for i := range records {
		records[i].ID = id
		id++
		for j := range records[i].Children {
			records[i].Children[j].ID = id
			id++
		}
	}
	return Page{Current: pages.Current, Size: pages.Size, Total: total, Records: records}, nil
}
