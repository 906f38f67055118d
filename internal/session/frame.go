package session

import (
	"context"
	"fmt"
	"time"

	"crowdbus/internal/aggregate"
	"crowdbus/internal/bus"
)

// Frame is everything a display needs for one bus at one moment.
type Frame struct {
	BusID   string     `json:"busId"`
	RouteID string     `json:"routeId,omitempty"`
	Source  bus.Source `json:"source"`
	Status  bus.Status `json:"status"`
	// Scheduled marks a schedule-derived position shown with no live samples;
	// its confidence renders as "~%".
	Scheduled  bool `json:"scheduled"`
	Confidence int  `json:"confidenceScore"`
	// Breakdown and Suspicious are set only on live frames.
	Breakdown      *aggregate.Breakdown `json:"breakdown,omitempty"`
	Suspicious     bool                 `json:"suspicious,omitempty"`
	Position       *bus.Point           `json:"position,omitempty"`
	Label          string               `json:"label,omitempty"`
	SampleCount    int                  `json:"sampleCount"`
	NoLiveData     bool                 `json:"noLiveData"`
	Notice         string               `json:"notice,omitempty"`
	LastUpdate     *time.Time           `json:"lastUpdate,omitempty"`
	LastUpdateText string               `json:"lastUpdateText"`
	At             time.Time            `json:"at"`
}

// ConfidenceText is "NN%" for live-derived frames and "~%" for schedule-derived ones.
func (f Frame) ConfidenceText() string {
	if f.Scheduled {
		return "~%"
	}
	return fmt.Sprintf("%d%%", f.Confidence)
}

// Sink receives rendered frames.
type Sink interface {
	Render(ctx context.Context, f Frame) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, f Frame) error

func (fn SinkFunc) Render(ctx context.Context, f Frame) error { return fn(ctx, f) }

// LastUpdateText renders the age of the newest sample in whole minutes.
func LastUpdateText(last, now time.Time) string {
	if last.IsZero() {
		return "No recent data"
	}
	mins := int(now.Sub(last) / time.Minute)
	if mins < 0 {
		mins = 0
	}
	return fmt.Sprintf("%d min ago", mins)
}
