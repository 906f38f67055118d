package bus

import "time"

// DefaultAccuracy is used when a sample carries no usable accuracy (meters).
const DefaultAccuracy = 50.0

// GeoSample is one reporter's last known location for a bus.
type GeoSample struct {
	ReporterID string  `json:"-"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	Time       int64   `json:"time"`               // epoch milliseconds
	Accuracy   float64 `json:"accuracy,omitempty"` // meters; 0 when absent
}

// Age returns now - Time.
func (s GeoSample) Age(now time.Time) time.Duration {
	return time.Duration(now.UnixMilli()-s.Time) * time.Millisecond
}

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Stop struct {
	Name string  `json:"name" yaml:"name" validate:"required"`
	Lat  float64 `json:"lat" yaml:"lat" validate:"gte=-90,lte=90"`
	Lng  float64 `json:"lng" yaml:"lng" validate:"gte=-180,lte=180"`
}

func (s Stop) Point() Point { return Point{Lat: s.Lat, Lng: s.Lng} }

// Route is static reference data: stops in travel order and one scheduled
// clock time ("HH:MM") per stop.
type Route struct {
	ID       string   `json:"id" yaml:"id" validate:"required"`
	Stops    []Stop   `json:"stops" yaml:"stops" validate:"required,min=1,dive"`
	Schedule []string `json:"schedule" yaml:"schedule" validate:"required,min=1,dive,required"`
}

// Status is the discrete classification shown next to a bus.
type Status string

const (
	StatusOffline   Status = "offline"
	StatusUncertain Status = "uncertain"
	StatusEstimated Status = "estimated"
	StatusLive      Status = "live"
)

// Source is which producer currently owns the displayed position.
type Source string

const (
	SourceOffline   Source = "offline"
	SourceEstimated Source = "estimated"
	SourceLive      Source = "live"
)
