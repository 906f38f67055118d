package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowdbus/internal/bus"
)

func TestMemoryStore(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	rec := &recorder{}
	unsubscribe, err := m.Subscribe(ctx, "bus-1", rec.onChange, rec.onError)
	require.NoError(t, err)
	defer unsubscribe()
	require.Eventually(t, func() bool { return rec.count() >= 1 }, time.Second, time.Millisecond)

	require.NoError(t, m.Upsert(ctx, "bus-1", "a", bus.GeoSample{Lat: 1, Lng: 1, Time: 10}))
	require.NoError(t, m.Upsert(ctx, "bus-1", "a", bus.GeoSample{Lat: 2, Lng: 2, Time: 20}))
	require.Eventually(t, func() bool {
		last := rec.last()
		return len(last) == 1 && last[0].Lat == 2
	}, time.Second, time.Millisecond)

	n, err := m.RemoveStale(ctx, "bus-1", time.UnixMilli(21))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Eventually(t, func() bool { return rec.count() > 0 && len(rec.last()) == 0 }, time.Second, time.Millisecond)
}

func TestMemoryFailures(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.FailNext(1)
	assert.ErrorIs(t, m.Upsert(ctx, "bus-1", "a", bus.GeoSample{Time: 1}), ErrTransient)
	assert.NoError(t, m.Upsert(ctx, "bus-1", "a", bus.GeoSample{Time: 1}))

	m.Connectivity().Set(false)
	assert.ErrorIs(t, m.Upsert(ctx, "bus-1", "a", bus.GeoSample{Time: 2}), ErrTransient)
	m.Connectivity().Set(true)
	assert.NoError(t, m.Upsert(ctx, "bus-1", "a", bus.GeoSample{Time: 2}))
}

func TestConnectivityWatch(t *testing.T) {
	c := NewConnectivity(true)
	var seen []bool
	cancel := c.Watch(func(v bool) { seen = append(seen, v) })
	c.Set(true)
	c.Set(false)
	c.Set(false)
	c.Set(true)
	cancel()
	c.Set(false)
	assert.Equal(t, []bool{false, true}, seen)
	assert.False(t, c.Connected())
}
