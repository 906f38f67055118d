package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"crowdbus/internal/bus"
	"crowdbus/internal/geo"
)

// Estimate is a schedule-derived position labeled with the upcoming stop.
type Estimate struct {
	Position  bus.Point
	StopLabel string
}

// RouteLookup resolves a route identifier to its static data.
type RouteLookup interface {
	Route(id string) (bus.Route, bool)
}

type Estimator struct {
	routes RouteLookup
	tz     *time.Location
}

func NewEstimator(routes RouteLookup, tz *time.Location) *Estimator {
	if tz == nil {
		tz = time.Local
	}
	return &Estimator{routes: routes, tz: tz}
}

// Estimate returns the interpolated position of routeID at wall-clock time at,
// or false when the route is unknown or not running.
func (e *Estimator) Estimate(routeID string, at time.Time) (Estimate, bool) {
	r, ok := e.routes.Route(routeID)
	if !ok {
		return Estimate{}, false
	}
	return Interpolate(r, MinutesOfDay(at.In(e.tz)))
}

// Interpolate locates the schedule segment containing minute and linearly
// interpolates between its stops. Before the first stop the bus is shown at the
// origin; at or after the last stop the route is finished.
func Interpolate(r bus.Route, minute float64) (Estimate, bool) {
	if len(r.Stops) == 0 || len(r.Stops) != len(r.Schedule) {
		return Estimate{}, false
	}
	mins := make([]float64, len(r.Schedule))
	for i, s := range r.Schedule {
		m, err := ParseClock(s)
		if err != nil {
			return Estimate{}, false
		}
		mins[i] = m
	}

	n := len(mins)
	if minute < mins[0] {
		first := r.Stops[0]
		return Estimate{Position: first.Point(), StopLabel: first.Name}, true
	}
	if minute >= mins[n-1] {
		return Estimate{}, false
	}
	// find segment i s.t. mins[i] <= minute < mins[i+1]
	for i := 0; i+1 < n; i++ {
		t0, t1 := mins[i], mins[i+1]
		if t0 <= minute && minute < t1 {
			frac := (minute - t0) / (t1 - t0)
			next := r.Stops[i+1]
			return Estimate{
				Position:  geo.Lerp(r.Stops[i].Point(), next.Point(), frac),
				StopLabel: next.Name,
			}, true
		}
	}
	return Estimate{}, false
}

// MinutesOfDay returns fractional minutes since local midnight of t.
func MinutesOfDay(t time.Time) float64 {
	return float64(t.Hour()*60+t.Minute()) +
		float64(t.Second())/60 +
		float64(t.Nanosecond())/float64(time.Minute)
}

// ParseClock parses HH:MM (optionally HH:MM:SS) into minutes since midnight.
func ParseClock(s string) (float64, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	sec := 0
	if len(parts) == 3 {
		sec, err = strconv.Atoi(parts[2])
		if err != nil || sec < 0 || sec > 59 {
			return 0, fmt.Errorf("invalid second in %q", s)
		}
	}
	return float64(h*60+m) + float64(sec)/60, nil
}
