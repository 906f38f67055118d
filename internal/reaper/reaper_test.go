package reaper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowdbus/internal/bus"
	"crowdbus/internal/store"
)

type counts struct {
	mu sync.Mutex
	m  map[string]int
}

func (c *counts) AddReaped(busID string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		c.m = map[string]int{}
	}
	c.m[busID] += n
}

func (c *counts) get(busID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[busID]
}

func TestSweepRemovesOnlyOldSamples(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, st.Upsert(ctx, "bus-1", "old", bus.GeoSample{Lat: 1, Lng: 1, Time: now.Add(-61 * time.Minute).UnixMilli()}))
	require.NoError(t, st.Upsert(ctx, "bus-1", "recent", bus.GeoSample{Lat: 1, Lng: 1, Time: now.Add(-59 * time.Minute).UnixMilli()}))
	require.NoError(t, st.Upsert(ctx, "bus-2", "old", bus.GeoSample{Lat: 1, Lng: 1, Time: now.Add(-2 * time.Hour).UnixMilli()}))

	m := &counts{}
	r := &Reaper{Store: st, Now: func() time.Time { return now }, Metrics: m}
	assert.Equal(t, 2, r.Sweep(ctx, []string{"bus-1", "bus-2", "bus-3"}))

	snap, err := st.Snapshot(ctx, "bus-1")
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, "recent", snap[0].ReporterID)
	assert.Equal(t, 1, m.get("bus-1"))
	assert.Equal(t, 1, m.get("bus-2"))

	assert.Equal(t, 0, r.Sweep(ctx, []string{"bus-1", "bus-2"}))
}

func TestRunSweepsAtStartAndPeriodically(t *testing.T) {
	st := store.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	old := time.Now().Add(-2 * time.Hour).UnixMilli()
	require.NoError(t, st.Upsert(ctx, "bus-1", "a", bus.GeoSample{Lat: 1, Lng: 1, Time: old}))

	m := &counts{}
	r := &Reaper{Store: st, Interval: 10 * time.Millisecond, Metrics: m}
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx, func() []string { return []string{"bus-1"} })
	}()

	require.Eventually(t, func() bool { return m.get("bus-1") == 1 }, time.Second, time.Millisecond)

	require.NoError(t, st.Upsert(ctx, "bus-1", "b", bus.GeoSample{Lat: 1, Lng: 1, Time: old}))
	require.Eventually(t, func() bool { return m.get("bus-1") == 2 }, time.Second, time.Millisecond)

	cancel()
	<-done
}
