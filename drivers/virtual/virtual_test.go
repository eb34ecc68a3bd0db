package virtual

import (
	"context"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/fwaytoday/iot-dc3/driver"
	"github.com/fwaytoday/iot-dc3/metadata"
)

func newAdapter(t *testing.T, devices ...metadata.Device) driver.Adapter {
	t.Helper()
	a, err := New(driver.Dependencies{
		Logger:   zerolog.Nop(),
		Settings: map[string]string{"seed": "42"},
		Devices:  func() []metadata.Device { return devices },
	})
	require.NoError(t, err)
	require.NoError(t, a.Initialize(context.Background()))
	return a
}

func attrs(kv ...string) metadata.Attributes {
	out := metadata.Attributes{}
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i]] = metadata.AttributeInfo{Value: kv[i+1], Type: metadata.TypeString}
	}
	return out
}

func TestReadGeneratesWithinBounds(t *testing.T) {
	a := newAdapter(t)
	dev := metadata.Device{ID: "d1"}
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		raw, err := a.Read(ctx, nil, attrs("min", "10", "max", "20"), dev, metadata.Point{ID: "n", Type: metadata.TypeInt})
		require.NoError(t, err)
		n, err := strconv.ParseInt(raw, 10, 64)
		require.NoError(t, err)
		require.GreaterOrEqual(t, n, int64(10))
		require.LessOrEqual(t, n, int64(20))

		raw, err = a.Read(ctx, nil, attrs("min", "-1.5", "max", "1.5"), dev, metadata.Point{ID: "f", Type: metadata.TypeDouble})
		require.NoError(t, err)
		f, err := strconv.ParseFloat(raw, 64)
		require.NoError(t, err)
		require.InDelta(t, 0, f, 1.5)
	}

	raw, err := a.Read(ctx, nil, attrs("probability", "1"), dev, metadata.Point{ID: "b", Type: metadata.TypeBool})
	require.NoError(t, err)
	require.Equal(t, "true", raw)

	raw, err = a.Read(ctx, nil, attrs("length", "5"), dev, metadata.Point{ID: "s", Type: metadata.TypeString})
	require.NoError(t, err)
	require.Len(t, raw, 5)
}

func TestReadFixedAndFailure(t *testing.T) {
	a := newAdapter(t)
	dev := metadata.Device{ID: "d1"}
	raw, err := a.Read(context.Background(), nil, attrs("value", "7"), dev, metadata.Point{ID: "p", Type: metadata.TypeInt})
	require.NoError(t, err)
	require.Equal(t, "7", raw)

	_, err = a.Read(context.Background(), nil, attrs("fail", "true"), dev, metadata.Point{ID: "p", Type: metadata.TypeInt})
	require.ErrorIs(t, err, driver.ErrNoData)

	_, err = a.Read(context.Background(), nil, attrs("min", "5", "max", "1"), dev, metadata.Point{ID: "p", Type: metadata.TypeInt})
	require.ErrorIs(t, err, driver.ErrNoData)
}

func TestWriteIsEchoed(t *testing.T) {
	a := newAdapter(t)
	dev := metadata.Device{ID: "d1"}
	ctx := context.Background()
	pointAttrs := attrs("address", "3")

	ok, err := a.Write(ctx, nil, pointAttrs, dev, metadata.AttributeInfo{Value: "99", Type: metadata.TypeInt})
	require.NoError(t, err)
	require.True(t, ok)

	raw, err := a.Read(ctx, nil, pointAttrs, dev, metadata.Point{ID: "p", Type: metadata.TypeInt})
	require.NoError(t, err)
	require.Equal(t, "99", raw)

	_, err = a.Write(ctx, nil, nil, dev, metadata.AttributeInfo{Value: "1"})
	require.ErrorIs(t, err, driver.ErrWriteFailed)
}

func TestStatusTickReportsDevices(t *testing.T) {
	a := newAdapter(t, metadata.Device{ID: "d1"}, metadata.Device{ID: "d2", Status: metadata.StatusMaintain})
	got := map[string]metadata.DeviceStatus{}
	a.StatusTick(context.Background(), driver.StatusFunc(func(_ context.Context, ev driver.StatusEvent) {
		got[ev.DeviceID] = ev.Status
	}))
	require.Equal(t, map[string]metadata.DeviceStatus{"d1": metadata.StatusOnline, "d2": metadata.StatusMaintain}, got)
}

func TestRegisterAndSettings(t *testing.T) {
	r := driver.NewRegistry()
	require.NoError(t, Register(r))
	_, err := r.New(Name, driver.Dependencies{Logger: zerolog.Nop()})
	require.NoError(t, err)

	_, err = New(driver.Dependencies{Settings: map[string]string{"source": "dice"}})
	require.Error(t, err)
	_, err = New(driver.Dependencies{Settings: map[string]string{"seed": "x"}})
	require.Error(t, err)
}

func TestGeneratorRanges(t *testing.T) {
	for _, kind := range []string{"pseudo", "secure"} {
		g, err := newGenerator(kind, nil)
		require.NoError(t, err)
		for range 100 {
			n, err := g.integer(1, 6)
			require.NoError(t, err)
			if n < 1 || n > 6 {
				t.Fatalf("%s roll out of range: %d", kind, n)
			}
		}
		_, err = g.float(2, 1)
		require.Error(t, err)
		require.Len(t, g.text(5), 5)
		require.False(t, g.chance(0))
		require.True(t, g.chance(1))
	}

	seed := int64(42)
	a, _ := newGenerator("", &seed)
	b, _ := newGenerator("", &seed)
	require.Equal(t, a.text(16), b.text(16))
}
