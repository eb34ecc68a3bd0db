package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/fwaytoday/iot-dc3/config"
	"github.com/fwaytoday/iot-dc3/driver"
	"github.com/fwaytoday/iot-dc3/metadata"
	"github.com/fwaytoday/iot-dc3/pointvalue"
	"github.com/fwaytoday/iot-dc3/storage"
)

const singleDevice = `
profiles:
  panel:
    points:
      label: {name: Label, type: string}
      level: {name: Level, type: int}
devices:
  d1:
    name: Panel 1
    status: online
    profiles: [panel]
    points:
      label: {value: ready}
      level: {value: "7"}
`

const spareDevice = `
  d2:
    name: Panel 2
    status: maintain
    profiles: [panel]
    points:
      label: {value: spare}
`

var gatewayMetadata = singleDevice + spareDevice[1:]

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func testConfig(t *testing.T, interval string) (*config.Config, string) {
	t.Helper()
	dir := t.TempDir()
	mdPath := filepath.Join(dir, "metadata.yaml")
	writeFile(t, mdPath, gatewayMetadata)
	cfg, err := config.Parse([]byte(fmt.Sprintf(`
driver: {name: virtual}
metadata: {file: %q, watch: %s}
schedule: {read: %s, flush: %s, status: %s}
pool: {workers: 2, queue: 64}
storage: {path: %q}
`, mdPath, interval, interval, interval, interval, filepath.Join(dir, "values.db"))))
	require.NoError(t, err)
	return cfg, mdPath
}

func storedCount(t *testing.T, path string) int64 {
	t.Helper()
	store, err := storage.Open(context.Background(), path)
	require.NoError(t, err)
	defer store.Close()
	n, err := store.Count(context.Background())
	require.NoError(t, err)
	return n
}

func TestDefaultRegistry(t *testing.T) {
	require.Equal(t, []string{"modbus", "mqtt", "virtual"}, DefaultRegistry().Names())
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	cfg, _ := testConfig(t, "1s")
	cfg.Driver.Name = "s7"
	_, err := New(context.Background(), cfg, zerolog.Nop())
	require.Error(t, err)
}

func TestNewRejectsBrokenMetadata(t *testing.T) {
	cfg, mdPath := testConfig(t, "1s")
	writeFile(t, mdPath, "devices: [")
	_, err := New(context.Background(), cfg, zerolog.Nop())
	require.ErrorContains(t, err, "load metadata")
}

func TestReadWriteAndFinalFlush(t *testing.T) {
	cfg, _ := testConfig(t, "1h")
	ctx := context.Background()
	svc, err := New(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, svc.Initialize(ctx))

	require.NoError(t, svc.Dispatcher().Read(ctx, "d1", "label"))
	require.Eventually(t, func() bool {
		v, err := svc.Values().LatestCachedPoint(ctx, "d1", "label")
		return err == nil && v.Value == "ready"
	}, 2*time.Second, 10*time.Millisecond)

	ok, err := svc.Dispatcher().Write(ctx, "d1", "level", "9")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, svc.Dispatcher().Read(ctx, "d1", "level"))
	require.Eventually(t, func() bool {
		v, err := svc.Values().LatestCachedPoint(ctx, "d1", "level")
		return err == nil && v.Value == "9"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())
	if got := storedCount(t, cfg.Storage.Path); got != 2 {
		t.Fatalf("stored %d values after close, want 2", got)
	}
}

func TestReloadMetadata(t *testing.T) {
	cfg, mdPath := testConfig(t, "1h")
	ctx := context.Background()
	svc, err := New(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	defer svc.Close()

	svc.Statuses().SendStatus(ctx, driver.StatusEvent{DeviceID: "d2", Status: metadata.StatusMaintain})
	require.NoError(t, svc.Dispatcher().Read(ctx, "d2", "label"))
	require.Eventually(t, func() bool {
		_, err := svc.Values().LatestCachedPoint(ctx, "d2", "label")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	writeFile(t, mdPath, singleDevice)
	require.NoError(t, svc.ReloadMetadata(ctx))

	_, ok := svc.Metadata().Get("d2")
	require.False(t, ok)
	_, ok = svc.Statuses().Status("d2")
	require.False(t, ok)
	_, err = svc.Values().LatestCachedPoint(ctx, "d2", "label")
	require.ErrorIs(t, err, pointvalue.ErrNoRealtimeValue)
	_, err = svc.Values().LatestCached(ctx, "d2")
	require.ErrorIs(t, err, pointvalue.ErrNoRealtimeValue)

	writeFile(t, mdPath, "devices: [")
	require.Error(t, svc.ReloadMetadata(ctx))
	_, ok = svc.Metadata().Get("d1")
	require.True(t, ok, "failed reload must keep the previous snapshot")
}

func TestRunPollsFlushesAndStops(t *testing.T) {
	cfg, _ := testConfig(t, "20ms")
	svc, err := New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool {
		st, ok := svc.Statuses().Status("d2")
		return ok && st.Status == metadata.StatusMaintain
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		v, err := svc.Values().LatestCachedPoint(context.Background(), "d1", "level")
		return err == nil && v.Value == "7"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
	require.GreaterOrEqual(t, storedCount(t, cfg.Storage.Path), int64(3))
}
