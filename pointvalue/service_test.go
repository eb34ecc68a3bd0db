package pointvalue_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/fwaytoday/iot-dc3/batch"
	"github.com/fwaytoday/iot-dc3/cache"
	"github.com/fwaytoday/iot-dc3/internal/pool"
	"github.com/fwaytoday/iot-dc3/metadata"
	"github.com/fwaytoday/iot-dc3/pointvalue"
	"github.com/fwaytoday/iot-dc3/storage"
)

type inline struct{}

func (inline) TrySubmit(task pool.Task) error {
	task(context.Background())
	return nil
}

func (inline) Submit(ctx context.Context, task pool.Task) error {
	task(ctx)
	return nil
}

type queueFull struct{}

func (queueFull) TrySubmit(pool.Task) error { return pool.ErrQueueFull }

type devices map[string]metadata.Device

func (d devices) Device(_ context.Context, id string) (metadata.Device, error) {
	dev, ok := d[id]
	if !ok {
		return metadata.Device{}, metadata.ErrDeviceNotFound
	}
	return dev, nil
}

type collect struct {
	mu     sync.Mutex
	values []pointvalue.PointValue
}

func (c *collect) Append(values ...pointvalue.PointValue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = append(c.values, values...)
}

var opts = pointvalue.Options{ValuePrefix: "realtime_value.", ValuesPrefix: "realtime_values.", TTL: time.Minute}

var t0 = time.Unix(1_700_000_000, 0)

func TestIngestPersistsEveryValueAndCachesTheNewest(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(ctx, filepath.Join(t.TempDir(), "values.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mem := cache.NewMemory(0)
	t.Cleanup(func() { _ = mem.Close() })
	flusher := batch.New(store, inline{}, batch.Options{Interval: time.Second}, zerolog.Nop(), nil)
	svc := pointvalue.NewService(mem, flusher, store, devices{"D1": {ID: "D1"}}, inline{}, opts, zerolog.Nop())

	for i, v := range []string{"10", "12", "11"} {
		svc.IngestOne(ctx, pointvalue.PointValue{
			DeviceID:   "D1",
			PointID:    "P1",
			Value:      v,
			Type:       metadata.TypeInt,
			OriginTime: t0.Add(time.Duration(i) * time.Second),
		})
	}
	require.NoError(t, flusher.Drain(ctx))

	n, err := store.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	cached, err := svc.LatestCachedPoint(ctx, "D1", "P1")
	require.NoError(t, err)
	require.Equal(t, "11", cached.Value)

	snapshot, err := svc.LatestCached(ctx, "D1")
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	require.Equal(t, "11", snapshot[0].Value)

	latest, err := svc.Latest(ctx, "D1", "P1")
	require.NoError(t, err)
	require.Equal(t, "11", latest.Value)
}

func TestOlderReadingDoesNotOverwriteCache(t *testing.T) {
	ctx := context.Background()
	mem := cache.NewMemory(0)
	t.Cleanup(func() { _ = mem.Close() })
	svc := pointvalue.NewService(mem, &collect{}, nil, nil, inline{}, opts, zerolog.Nop())

	svc.IngestOne(ctx, pointvalue.PointValue{DeviceID: "D1", PointID: "P1", Value: "new", OriginTime: t0.Add(time.Second)})
	svc.IngestOne(ctx, pointvalue.PointValue{DeviceID: "D1", PointID: "P1", Value: "old", OriginTime: t0})

	cached, err := svc.LatestCachedPoint(ctx, "D1", "P1")
	require.NoError(t, err)
	require.Equal(t, "new", cached.Value)
}

func TestIngestStampsAndBuffers(t *testing.T) {
	ctx := context.Background()
	mem := cache.NewMemory(0)
	t.Cleanup(func() { _ = mem.Close() })
	buf := &collect{}
	svc := pointvalue.NewService(mem, buf, nil, nil, queueFull{}, opts, zerolog.Nop())

	svc.IngestMany(ctx, nil)
	require.Empty(t, buf.values)

	svc.IngestMany(ctx, []pointvalue.PointValue{
		{DeviceID: "D1", PointID: "P1", Value: "1"},
		{DeviceID: "D1", PointID: "P2", Value: "2", OriginTime: t0},
	})
	require.Len(t, buf.values, 2)
	require.False(t, buf.values[0].OriginTime.IsZero())
	require.Equal(t, buf.values[0].OriginTime, buf.values[0].CreateTime)
	require.True(t, buf.values[1].OriginTime.Equal(t0))

	// a full queue writes the cache on the caller's goroutine
	snapshot, err := svc.LatestCached(ctx, "D1")
	require.NoError(t, err)
	require.Len(t, snapshot, 2)
	require.Equal(t, "P1", snapshot[0].PointID)
}

func TestRealtimeMissAndExpiry(t *testing.T) {
	ctx := context.Background()
	mem := cache.NewMemory(0)
	t.Cleanup(func() { _ = mem.Close() })
	svc := pointvalue.NewService(mem, &collect{}, nil, nil, inline{}, opts, zerolog.Nop())

	_, err := svc.LatestCachedPoint(ctx, "D1", "P1")
	require.ErrorIs(t, err, pointvalue.ErrNoRealtimeValue)
	require.NotErrorIs(t, err, pointvalue.ErrRealtimeExpired)

	svc.IngestOne(ctx, pointvalue.PointValue{DeviceID: "D1", PointID: "P1", Value: "1", TTL: time.Millisecond})
	require.Eventually(t, func() bool {
		_, err := svc.LatestCachedPoint(ctx, "D1", "P1")
		return errors.Is(err, pointvalue.ErrRealtimeExpired)
	}, time.Second, 5*time.Millisecond)

	_, err = svc.LatestCached(ctx, "D1")
	require.ErrorIs(t, err, pointvalue.ErrNoRealtimeValue)
}

func TestMultiParentUsesWildcardKey(t *testing.T) {
	svc := pointvalue.NewService(nil, nil, nil, nil, nil, opts, zerolog.Nop())
	require.Equal(t, "realtime_value.M1.*", svc.ValueKey("M1", ""))
	require.Equal(t, "realtime_value.D1.P1", svc.ValueKey("D1", "P1"))
	require.Equal(t, "realtime_values.D1", svc.ValuesKey("D1"))
}

func multiReading(pointID, value string, at time.Time) pointvalue.PointValue {
	return pointvalue.PointValue{
		DeviceID:   "M1",
		Multi:      true,
		OriginTime: at,
		Children: []pointvalue.PointValue{
			{DeviceID: "M1", PointID: pointID, Value: value, OriginTime: at},
		},
	}
}

func childIDs(v pointvalue.PointValue) []string {
	ids := make([]string, 0, len(v.Children))
	for _, c := range v.Children {
		ids = append(ids, c.PointID+"="+c.Value)
	}
	return ids
}

func TestMultiReadingsMergeIntoDeviceSnapshot(t *testing.T) {
	ctx := context.Background()
	mem := cache.NewMemory(0)
	t.Cleanup(func() { _ = mem.Close() })
	buffer := &collect{}
	svc := pointvalue.NewService(mem, buffer, nil, nil, inline{}, opts, zerolog.Nop())

	svc.IngestOne(ctx, multiReading("a", "1", t0))
	svc.IngestOne(ctx, multiReading("b", "2", t0.Add(time.Second)))
	svc.IngestOne(ctx, multiReading("a", "3", t0.Add(2*time.Second)))
	svc.IngestOne(ctx, multiReading("b", "stale", t0))

	snapshot, err := svc.LatestCached(ctx, "M1")
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	require.True(t, snapshot[0].Multi)
	require.Equal(t, []string{"a=3", "b=2"}, childIDs(snapshot[0]))
	require.Equal(t, t0.Add(2*time.Second).Unix(), snapshot[0].OriginTime.Unix())

	parent, err := svc.LatestCachedPoint(ctx, "M1", "")
	require.NoError(t, err)
	require.Equal(t, []string{"a=3", "b=2"}, childIDs(parent))

	a, err := svc.LatestCachedPoint(ctx, "M1", "a")
	require.NoError(t, err)
	require.Equal(t, "3", a.Value)
	b, err := svc.LatestCachedPoint(ctx, "M1", "b")
	require.NoError(t, err)
	require.Equal(t, "2", b.Value)

	// Every reading is still recorded, stale ones included.
	require.Len(t, buffer.values, 4)
}

func TestForgetDeletesRealtimeKeys(t *testing.T) {
	ctx := context.Background()
	mem := cache.NewMemory(0)
	t.Cleanup(func() { _ = mem.Close() })
	svc := pointvalue.NewService(mem, &collect{}, nil, nil, inline{}, opts, zerolog.Nop())

	svc.IngestOne(ctx, pointvalue.PointValue{DeviceID: "D1", PointID: "P1", Value: "1", OriginTime: t0})
	svc.IngestOne(ctx, multiReading("a", "1", t0))
	svc.IngestOne(ctx, pointvalue.PointValue{DeviceID: "D2", PointID: "P1", Value: "2", OriginTime: t0})

	svc.Forget(ctx, "D1")
	svc.Forget(ctx, "M1")
	svc.Forget(ctx, "unknown")

	for _, read := range []func() error{
		func() error { _, err := svc.LatestCached(ctx, "D1"); return err },
		func() error { _, err := svc.LatestCachedPoint(ctx, "D1", "P1"); return err },
		func() error { _, err := svc.LatestCached(ctx, "M1"); return err },
		func() error { _, err := svc.LatestCachedPoint(ctx, "M1", ""); return err },
		func() error { _, err := svc.LatestCachedPoint(ctx, "M1", "a"); return err },
	} {
		require.ErrorIs(t, read(), pointvalue.ErrNoRealtimeValue)
	}
	kept, err := svc.LatestCachedPoint(ctx, "D2", "P1")
	require.NoError(t, err)
	require.Equal(t, "2", kept.Value)
}

type recordingStore struct {
	criteria []pointvalue.Criteria
	records  []pointvalue.PointValue
	total    int64
}

func (r *recordingStore) Latest(_ context.Context, c pointvalue.Criteria) (pointvalue.PointValue, error) {
	r.criteria = append(r.criteria, c)
	if len(r.records) == 0 {
		return pointvalue.PointValue{}, pointvalue.ErrNoRecord
	}
	return r.records[0], nil
}

func (r *recordingStore) Query(_ context.Context, c pointvalue.Criteria) ([]pointvalue.PointValue, int64, error) {
	r.criteria = append(r.criteria, c)
	return r.records, r.total, nil
}

func TestLatestCriteria(t *testing.T) {
	ctx := context.Background()
	store := &recordingStore{}
	svc := pointvalue.NewService(nil, nil, store, devices{"D1": {ID: "D1"}, "M1": {ID: "M1", Multi: true}}, nil, opts, zerolog.Nop())

	_, err := svc.Latest(ctx, "", "P1")
	require.Error(t, err)

	_, err = svc.Latest(ctx, "D1", "P1")
	require.ErrorIs(t, err, pointvalue.ErrNoRecord)
	_, _ = svc.Latest(ctx, "M1", "P1")
	_, _ = svc.Latest(ctx, "ghost", "P1")

	require.Equal(t, []pointvalue.Criteria{
		{DeviceID: "D1", PointID: "P1", Limit: 1},
		{DeviceID: "M1", ChildPointID: "P1", MultiOnly: true, Limit: 1},
		{DeviceID: "ghost", PointID: "P1", Limit: 1},
	}, store.criteria)
}

func TestListPagingAndDisplayIDs(t *testing.T) {
	ctx := context.Background()
	store := &recordingStore{
		total: 42,
		records: []pointvalue.PointValue{
			{DeviceID: "M1", Multi: true, Children: []pointvalue.PointValue{{PointID: "a"}, {PointID: "b"}}},
			{DeviceID: "M1", Multi: true, Children: []pointvalue.PointValue{{PointID: "a"}}},
		},
	}
	svc := pointvalue.NewService(nil, nil, store, devices{"M1": {ID: "M1", Multi: true}}, nil, opts, zerolog.Nop())

	page, err := svc.List(ctx, pointvalue.Filter{DeviceID: "M1", Page: pointvalue.Pages{Current: 3, Size: 5}})
	require.NoError(t, err)
	require.Equal(t, int64(42), page.Total)
	require.Equal(t, int64(3), page.Current)
	require.Equal(t, pointvalue.Criteria{DeviceID: "M1", MultiOnly: true, Offset: 10, Limit: 5}, store.criteria[0])

	require.Equal(t, int64(0), page.Records[0].ID)
	require.Equal(t, int64(1), page.Records[0].Children[0].ID)
	require.Equal(t, int64(2), page.Records[0].Children[1].ID)
	require.Equal(t, int64(3), page.Records[1].ID)
	require.Equal(t, int64(4), page.Records[1].Children[0].ID)
}

func TestListTimeRange(t *testing.T) {
	ctx := context.Background()
	store := &recordingStore{}
	svc := pointvalue.NewService(nil, nil, store, nil, nil, opts, zerolog.Nop())

	_, err := svc.List(ctx, pointvalue.Filter{PointID: "P1", Page: pointvalue.Pages{Start: t0, End: t0.Add(time.Hour)}})
	require.NoError(t, err)
	_, err = svc.List(ctx, pointvalue.Filter{Page: pointvalue.Pages{Start: t0.Add(time.Hour), End: t0}})
	require.NoError(t, err)

	require.Equal(t, pointvalue.Criteria{AnyPointID: "P1", Start: t0, End: t0.Add(time.Hour), Limit: 20}, store.criteria[0])
	require.Equal(t, pointvalue.Criteria{Limit: 20}, store.criteria[1], "start after end applies no range")
}
