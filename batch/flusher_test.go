package batch

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/fwaytoday/iot-dc3/internal/pool"
	"github.com/fwaytoday/iot-dc3/pointvalue"
	"github.com/fwaytoday/iot-dc3/telemetry"
)

type memStore struct {
	mu      sync.Mutex
	batches [][]pointvalue.PointValue
	fail    int
}

func (m *memStore) InsertBatch(_ context.Context, values []pointvalue.PointValue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail > 0 {
		m.fail--
		return errors.New("store unavailable")
	}
	m.batches = append(m.batches, append([]pointvalue.PointValue(nil), values...))
	return nil
}

func (m *memStore) all() []pointvalue.PointValue {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []pointvalue.PointValue
	for _, b := range m.batches {
		out = append(out, b...)
	}
	return out
}

type inline struct{}

func (inline) Submit(ctx context.Context, task pool.Task) error {
	task(ctx)
	return nil
}

type refusing struct{}

func (refusing) Submit(context.Context, pool.Task) error { return pool.ErrPoolStopped }

func values(device string, n int) []pointvalue.PointValue {
	out := make([]pointvalue.PointValue, n)
	for i := range out {
		out[i] = pointvalue.PointValue{DeviceID: device, PointID: "p1", Value: strconv.Itoa(i)}
	}
	return out
}

func TestTickPersistsExactlyOnce(t *testing.T) {
	store := &memStore{}
	f := New(store, inline{}, Options{Interval: time.Second}, zerolog.Nop(), nil)

	f.Append(values("d1", 7)...)
	require.Equal(t, 7, f.Pending())

	f.Tick(context.Background())
	require.Zero(t, f.Pending())
	require.Len(t, store.all(), 7)

	f.Tick(context.Background())
	require.Len(t, store.all(), 7)
	require.Len(t, store.batches, 1)
}

func TestRateGauge(t *testing.T) {
	f := New(&memStore{}, inline{}, Options{Interval: 2 * time.Second}, zerolog.Nop(), nil)
	f.Append(values("d1", 10)...)
	f.Tick(context.Background())
	require.Equal(t, 5.0, f.Rate())

	f.Tick(context.Background())
	require.Equal(t, 0.0, f.Rate())
}

func TestConcurrentAppendsAreNeverLost(t *testing.T) {
	store := &memStore{}
	p := pool.New(4, 16, zerolog.Nop())
	f := New(store, p, Options{Interval: time.Millisecond}, zerolog.Nop(), nil)

	const producers, perProducer = 8, 500
	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				f.Append(pointvalue.PointValue{DeviceID: "d" + strconv.Itoa(id), Value: strconv.Itoa(j)})
			}
		}(i)
	}
	stop := make(chan struct{})
	ticked := make(chan struct{})
	go func() {
		defer close(ticked)
		for {
			select {
			case <-stop:
				return
			default:
				f.Tick(context.Background())
			}
		}
	}()
	wg.Wait()
	close(stop)
	<-ticked
	require.NoError(t, p.Stop(time.Second))
	require.NoError(t, f.Drain(context.Background()))

	stored := store.all()
	require.Len(t, stored, producers*perProducer)
	seen := make(map[string]struct{}, len(stored))
	for _, v := range stored {
		key := v.DeviceID + "/" + v.Value
		_, dup := seen[key]
		require.False(t, dup, "duplicate %s", key)
		seen[key] = struct{}{}
	}
}

func TestFailedFlushIsRetriedInOrder(t *testing.T) {
	store := &memStore{fail: 1}
	f := New(store, inline{}, Options{Interval: time.Second}, zerolog.Nop(), nil)

	f.Append(values("d1", 3)...)
	f.Tick(context.Background())
	require.Empty(t, store.all())
	require.Equal(t, 3, f.Pending())

	f.Append(pointvalue.PointValue{DeviceID: "d1", PointID: "p1", Value: "late"})
	f.Tick(context.Background())

	stored := store.all()
	require.Len(t, stored, 4)
	require.Equal(t, []string{"0", "1", "2", "late"}, []string{stored[0].Value, stored[1].Value, stored[2].Value, stored[3].Value})
	require.Zero(t, f.Pending())
}

func TestRetainedBacklogIsBounded(t *testing.T) {
	store := &memStore{fail: 1}
	f := New(store, inline{}, Options{Interval: time.Second, MaxPending: 2}, zerolog.Nop(), nil)

	f.Append(values("d1", 5)...)
	f.Tick(context.Background())
	require.Equal(t, 2, f.Pending())

	f.Tick(context.Background())
	stored := store.all()
	require.Len(t, stored, 2)
	require.Equal(t, "3", stored[0].Value)
	require.Equal(t, "4", stored[1].Value)
}

func TestUnscheduledFlushKeepsBatch(t *testing.T) {
	f := New(&memStore{}, refusing{}, Options{Interval: time.Second}, zerolog.Nop(), nil)
	f.Append(values("d1", 2)...)
	f.Tick(context.Background())
	require.Equal(t, 2, f.Pending())
}

func TestDrainPersistsSynchronously(t *testing.T) {
	store := &memStore{}
	f := New(store, refusing{}, Options{Interval: time.Second}, zerolog.Nop(), nil)
	f.Append(values("d1", 4)...)
	require.NoError(t, f.Drain(context.Background()))
	require.Len(t, store.all(), 4)
	require.Zero(t, f.Pending())

	store.fail = 1
	f.Append(values("d1", 1)...)
	require.Error(t, f.Drain(context.Background()))
	require.Equal(t, 1, f.Pending())
}

type pendingGauge struct {
	telemetry.Collector
	mu   sync.Mutex
	last int
}

func (g *pendingGauge) SetPending(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = n
}

func (g *pendingGauge) value() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

func TestPendingGaugeTracksBuffer(t *testing.T) {
	store := &memStore{fail: 1}
	gauge := &pendingGauge{Collector: telemetry.Noop()}
	f := New(store, inline{}, Options{Interval: time.Second}, zerolog.Nop(), gauge)

	f.Append(values("d1", 3)...)
	require.Equal(t, 3, gauge.value())
	f.Append(values("d1", 2)...)
	require.Equal(t, 5, gauge.value())

	f.Tick(context.Background())
	require.Equal(t, 5, gauge.value(), "failed batch is back in the buffer")

	f.Tick(context.Background())
	require.Zero(t, gauge.value())
	require.Len(t, store.all(), 5)
}

type blockingStore struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) InsertBatch(context.Context, []pointvalue.PointValue) error {
	close(b.entered)
	<-b.release
	return nil
}

type detached struct{}

func (detached) Submit(_ context.Context, task pool.Task) error {
	go task(context.Background())
	return nil
}

func TestDrainGivesUpOnStuckFlush(t *testing.T) {
	store := &blockingStore{entered: make(chan struct{}), release: make(chan struct{})}
	f := New(store, detached{}, Options{Interval: time.Second}, zerolog.Nop(), nil)
	f.Append(values("d1", 2)...)
	f.Tick(context.Background())
	<-store.entered

	f.Append(values("d1", 1)...)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := f.Drain(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, f.Pending())

	close(store.release)
}
