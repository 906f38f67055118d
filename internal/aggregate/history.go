package aggregate

import "crowdbus/internal/bus"

// HistorySize is how many accepted live centroids feed the consistency score.
const HistorySize = 5

// History is a bounded list of recent centroids. A centroid is recorded only
// when the snapshot's newest sample time advances, so re-evaluating the same
// snapshot leaves it unchanged.
type History struct {
	size   int
	points []bus.Point
	newest int64
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = HistorySize
	}
	return &History{size: size}
}

// Observe records p if newest is later than any snapshot seen so far and
// returns a copy of the history, oldest first.
func (h *History) Observe(p bus.Point, newest int64) []bus.Point {
	if newest > h.newest {
		h.newest = newest
		h.points = append(h.points, p)
		if len(h.points) > h.size {
			h.points = h.points[len(h.points)-h.size:]
		}
	}
	return h.Points()
}

func (h *History) Points() []bus.Point {
	out := make([]bus.Point, len(h.points))
	copy(out, h.points)
	return out
}
