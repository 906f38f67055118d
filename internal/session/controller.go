package session

import (
	"time"

	"crowdbus/internal/aggregate"
	"crowdbus/internal/bus"
	"crowdbus/internal/schedule"
)

const (
	noticeConnectionLost = "Connection lost. Reconnecting..."
	noticeLoadFailed     = "Unable to load bus location. Please check your connection."
	labelLive            = "Live"
	labelDefault         = "Default location"
	labelLastKnown       = "Last known location"
)

// Controller arbitrates between live-aggregated and schedule-estimated
// positions for one bus. It holds no goroutines or timers; the owning session
// feeds it events in order.
type Controller struct {
	busID      string
	routeID    string
	defaultPos bus.Point

	source    bus.Source
	displayed *bus.Point
	label     string

	estimate     *schedule.Estimate
	result       aggregate.Result
	lastUpdate   time.Time
	notice       string
	disconnected bool
}

func NewController(busID, routeID string, defaultPos bus.Point) *Controller {
	return &Controller{
		busID:      busID,
		routeID:    routeID,
		defaultPos: defaultPos,
		source:     bus.SourceOffline,
	}
}

func (c *Controller) Source() bus.Source { return c.source }

// OnSchedule applies a schedule tick. ok is false when the route is not running.
func (c *Controller) OnSchedule(est schedule.Estimate, ok bool, now time.Time) Frame {
	if ok {
		e := est
		c.estimate = &e
	} else {
		c.estimate = nil
	}
	if c.source != bus.SourceLive {
		if ok {
			p := est.Position
			c.displayed = &p
			c.label = est.StopLabel
			c.source = bus.SourceEstimated
		} else if c.source == bus.SourceEstimated {
			// finished for the day; the marker stays where it was
			c.source = bus.SourceOffline
		}
		c.ensureDisplayed()
	}
	return c.Frame(now)
}

// OnAggregate applies a fresh aggregation result.
func (c *Controller) OnAggregate(res aggregate.Result, now time.Time) Frame {
	c.result = res
	c.notice = ""
	if !res.Newest.IsZero() && res.Newest.After(c.lastUpdate) {
		c.lastUpdate = res.Newest
	}
	if res.SampleCount > 0 && res.Position != nil {
		p := *res.Position
		c.displayed = &p
		c.label = labelLive
		c.source = bus.SourceLive
		return c.Frame(now)
	}
	c.dropLive()
	return c.Frame(now)
}

// OnStoreError keeps the session running with the best state it has.
func (c *Controller) OnStoreError(now time.Time) Frame {
	c.result = aggregate.Result{Status: bus.StatusOffline}
	c.dropLive()
	c.notice = noticeLoadFailed
	return c.Frame(now)
}

// OnConnectivity shows an offline status while the store is unreachable.
func (c *Controller) OnConnectivity(connected bool, now time.Time) Frame {
	c.disconnected = !connected
	return c.Frame(now)
}

// dropLive leaves live mode without moving the marker.
func (c *Controller) dropLive() {
	if c.source == bus.SourceLive {
		if c.estimate != nil {
			c.source = bus.SourceEstimated
			c.label = c.estimate.StopLabel
		} else {
			c.source = bus.SourceOffline
			c.label = labelLastKnown
		}
	}
	c.ensureDisplayed()
}

func (c *Controller) ensureDisplayed() {
	if c.displayed == nil {
		p := c.defaultPos
		c.displayed = &p
		c.label = labelDefault
	}
}

// Frame renders the current state.
func (c *Controller) Frame(now time.Time) Frame {
	f := Frame{
		BusID:          c.busID,
		RouteID:        c.routeID,
		Source:         c.source,
		Label:          c.label,
		SampleCount:    c.result.SampleCount,
		NoLiveData:     c.source != bus.SourceLive,
		Notice:         c.notice,
		LastUpdateText: LastUpdateText(c.lastUpdate, now),
		At:             now,
	}
	if c.displayed != nil {
		p := *c.displayed
		f.Position = &p
	}
	if !c.lastUpdate.IsZero() {
		t := c.lastUpdate
		f.LastUpdate = &t
	}

	switch {
	case c.disconnected:
		f.Status = bus.StatusOffline
		f.Notice = noticeConnectionLost
	case c.source == bus.SourceLive:
		f.Status = c.result.Status
		f.Confidence = c.result.Confidence
		b := c.result.Breakdown
		f.Breakdown = &b
		f.Suspicious = c.result.Suspicious
	case c.source == bus.SourceEstimated:
		f.Status = bus.StatusEstimated
		f.Scheduled = true
	default:
		f.Status = bus.StatusOffline
	}
	return f
}
