package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowdbus/internal/aggregate"
	"crowdbus/internal/bus"
	"crowdbus/internal/schedule"
)

var (
	defaultPos = bus.Point{Lat: 28.99, Lng: 77.02}
	t0         = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
)

func liveResult(p bus.Point, confidence int) aggregate.Result {
	return aggregate.Result{
		Position:    &p,
		SampleCount: 3,
		Confidence:  confidence,
		Status:      aggregate.Classify(3, confidence),
		Newest:      t0,
	}
}

func TestControllerStartsAtDefaultPosition(t *testing.T) {
	c := NewController("bus-1", "r1", defaultPos)
	f := c.OnSchedule(schedule.Estimate{}, false, t0)

	require.NotNil(t, f.Position)
	assert.Equal(t, defaultPos, *f.Position)
	assert.Equal(t, bus.SourceOffline, f.Source)
	assert.Equal(t, bus.StatusOffline, f.Status)
	assert.True(t, f.NoLiveData)
	assert.Equal(t, "No recent data", f.LastUpdateText)
}

func TestControllerScheduleThenLiveThenBack(t *testing.T) {
	c := NewController("bus-1", "r1", defaultPos)
	est := schedule.Estimate{Position: bus.Point{Lat: 1, Lng: 1}, StopLabel: "Stop B"}

	f := c.OnSchedule(est, true, t0)
	assert.Equal(t, bus.SourceEstimated, f.Source)
	assert.Equal(t, bus.StatusEstimated, f.Status)
	assert.True(t, f.Scheduled)
	assert.Equal(t, "~%", f.ConfidenceText())
	assert.Equal(t, "Stop B", f.Label)
	assert.Nil(t, f.Breakdown)

	live := bus.Point{Lat: 2, Lng: 2}
	res := liveResult(live, 85)
	res.Breakdown = aggregate.Breakdown{Users: 36.5, Accuracy: 35}
	res.Suspicious = true
	f = c.OnAggregate(res, t0.Add(time.Second))
	assert.Equal(t, bus.SourceLive, f.Source)
	require.NotNil(t, f.Breakdown)
	assert.Equal(t, res.Breakdown, *f.Breakdown)
	assert.True(t, f.Suspicious)
	assert.Equal(t, bus.StatusLive, f.Status)
	assert.Equal(t, "85%", f.ConfidenceText())
	assert.False(t, f.NoLiveData)
	assert.Equal(t, live, *f.Position)

	// schedule ticks never override a live position
	f = c.OnSchedule(schedule.Estimate{Position: bus.Point{Lat: 9, Lng: 9}, StopLabel: "Stop C"}, true, t0.Add(10*time.Second))
	assert.Equal(t, live, *f.Position)
	assert.Equal(t, bus.SourceLive, f.Source)

	// live drops: falls back to estimated but keeps the marker until the next tick
	f = c.OnAggregate(aggregate.Result{Status: bus.StatusOffline}, t0.Add(20*time.Second))
	assert.Equal(t, bus.SourceEstimated, f.Source)
	assert.Equal(t, live, *f.Position)
	assert.Equal(t, "Stop C", f.Label)
	assert.Nil(t, f.Breakdown)
	assert.False(t, f.Suspicious)

	f = c.OnSchedule(est, true, t0.Add(30*time.Second))
	assert.Equal(t, est.Position, *f.Position)
}

func TestControllerLiveDropWithoutEstimate(t *testing.T) {
	c := NewController("bus-1", "", defaultPos)
	live := bus.Point{Lat: 2, Lng: 2}
	c.OnAggregate(liveResult(live, 60), t0)

	f := c.OnAggregate(aggregate.Result{Status: bus.StatusOffline}, t0.Add(time.Minute))
	assert.Equal(t, bus.SourceOffline, f.Source)
	assert.Equal(t, bus.StatusOffline, f.Status)
	assert.Equal(t, live, *f.Position)
	assert.Equal(t, "Last known location", f.Label)
	assert.Equal(t, "1 min ago", f.LastUpdateText)
}

func TestControllerScheduleEnds(t *testing.T) {
	c := NewController("bus-1", "r1", defaultPos)
	est := schedule.Estimate{Position: bus.Point{Lat: 1, Lng: 1}, StopLabel: "Stop B"}
	c.OnSchedule(est, true, t0)

	f := c.OnSchedule(schedule.Estimate{}, false, t0.Add(time.Hour))
	assert.Equal(t, bus.SourceOffline, f.Source)
	assert.Equal(t, est.Position, *f.Position)
}

func TestControllerErrorsAndConnectivity(t *testing.T) {
	c := NewController("bus-1", "r1", defaultPos)
	c.OnAggregate(liveResult(bus.Point{Lat: 2, Lng: 2}, 90), t0)

	f := c.OnStoreError(t0)
	assert.Equal(t, noticeLoadFailed, f.Notice)
	assert.Equal(t, bus.SourceOffline, f.Source)
	assert.Equal(t, labelLastKnown, f.Label)

	f = c.OnConnectivity(false, t0)
	assert.Equal(t, noticeConnectionLost, f.Notice)
	assert.Equal(t, bus.StatusOffline, f.Status)

	// a refresh while still disconnected keeps the notice
	f = c.OnAggregate(liveResult(bus.Point{Lat: 2, Lng: 2}, 90), t0)
	assert.Equal(t, noticeConnectionLost, f.Notice)
	assert.Equal(t, bus.StatusOffline, f.Status)

	f = c.OnConnectivity(true, t0)
	assert.Empty(t, f.Notice)
	assert.Equal(t, bus.StatusLive, f.Status)
}

func TestLastUpdateText(t *testing.T) {
	assert.Equal(t, "No recent data", LastUpdateText(time.Time{}, t0))
	assert.Equal(t, "0 min ago", LastUpdateText(t0, t0.Add(59*time.Second)))
	assert.Equal(t, "3 min ago", LastUpdateText(t0, t0.Add(3*time.Minute+10*time.Second)))
	assert.Equal(t, "0 min ago", LastUpdateText(t0, t0.Add(-time.Minute)))
}
