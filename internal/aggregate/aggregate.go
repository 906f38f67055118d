// Package aggregate turns the live samples reported for one bus into a single
// position estimate, a confidence score and a status label.
package aggregate

import (
	"time"

	"github.com/rs/zerolog/log"

	"crowdbus/internal/bus"
	"crowdbus/internal/geo"
)

// DefaultStaleWindow is the maximum sample age considered live.
const DefaultStaleWindow = 120 * time.Second

// Result is recomputed from scratch for every snapshot. Position is nil when
// there is no usable live estimate.
type Result struct {
	Position    *bus.Point
	SampleCount int
	Dispersion  float64
	Confidence  int
	Status      bus.Status
	Suspicious  bool
	Breakdown   Breakdown
	// Newest is the most recent accepted sample time, zero when none.
	Newest time.Time
}

// Aggregator keeps the centroid history used by the consistency score. It is
// owned by a single viewing session and is not safe for concurrent use.
type Aggregator struct {
	staleWindow time.Duration
	history     *History
}

func New(staleWindow time.Duration) *Aggregator {
	if staleWindow <= 0 {
		staleWindow = DefaultStaleWindow
	}
	return &Aggregator{staleWindow: staleWindow, history: NewHistory(HistorySize)}
}

// Aggregate evaluates a full snapshot of samples at wall-clock now.
func (a *Aggregator) Aggregate(samples []bus.GeoSample, now time.Time) Result {
	live := Filter(samples, now, a.staleWindow)
	if len(live) == 0 {
		return Result{Status: bus.StatusOffline}
	}

	centroid, ok := WeightedCentroid(live, now)
	if !ok {
		log.Warn().Int("samples", len(live)).Msg("weighted centroid is not finite; ignoring live result")
		return Result{SampleCount: len(live), Status: bus.StatusOffline}
	}

	res := Result{
		Position:    &centroid,
		SampleCount: len(live),
		Dispersion:  Dispersion(live),
	}
	newest, maxAge, accSum := int64(0), time.Duration(0), 0.0
	for _, s := range live {
		if s.Time > newest {
			newest = s.Time
		}
		if age := s.Age(now); age > maxAge {
			maxAge = age
		}
		accSum += accuracyOf(s)
	}
	res.Newest = time.UnixMilli(newest)

	hist := a.history.Observe(centroid, newest)
	score := Score(Inputs{
		SampleCount: len(live),
		AvgAccuracy: accSum / float64(len(live)),
		MaxAge:      maxAge,
		StaleWindow: a.staleWindow,
		Dispersion:  res.Dispersion,
		History:     hist,
	})
	res.Confidence = score.Total
	res.Suspicious = score.Suspicious
	res.Breakdown = score.Breakdown
	res.Status = Classify(res.SampleCount, res.Confidence)
	return res
}

// Filter drops samples with non-finite or out-of-range fields and samples
// older than window.
func Filter(samples []bus.GeoSample, now time.Time, window time.Duration) []bus.GeoSample {
	out := make([]bus.GeoSample, 0, len(samples))
	for _, s := range samples {
		if !geo.ValidCoord(bus.Point{Lat: s.Lat, Lng: s.Lng}) || s.Time <= 0 {
			log.Debug().Str("reporter", s.ReporterID).Msg("discarding malformed sample")
			continue
		}
		if !geo.Finite(s.Accuracy) {
			log.Debug().Str("reporter", s.ReporterID).Msg("discarding sample with non-finite accuracy")
			continue
		}
		if s.Age(now) > window {
			continue
		}
		out = append(out, s)
	}
	return out
}

// WeightedCentroid weights each sample by recency and accuracy:
// 1/(1+ageSeconds/60) * 1/accuracyMeters. Future-dated samples count as age 0.
func WeightedCentroid(samples []bus.GeoSample, now time.Time) (bus.Point, bool) {
	if len(samples) == 0 {
		return bus.Point{}, false
	}
	// offsets from the first sample keep a single-sample centroid exact
	ref := samples[0]
	var dLat, dLng, total float64
	for _, s := range samples {
		ageSec := s.Age(now).Seconds()
		if ageSec < 0 {
			ageSec = 0
		}
		w := (1 / (1 + ageSec/60)) * (1 / accuracyOf(s))
		dLat += (s.Lat - ref.Lat) * w
		dLng += (s.Lng - ref.Lng) * w
		total += w
	}
	if total == 0 || !geo.Finite(total, dLat, dLng) {
		return bus.Point{}, false
	}
	p := bus.Point{Lat: ref.Lat + dLat/total, Lng: ref.Lng + dLng/total}
	if !geo.Finite(p.Lat, p.Lng) {
		return bus.Point{}, false
	}
	return p, true
}

// Dispersion is variance(latitudes) + variance(longitudes), in degrees squared.
func Dispersion(samples []bus.GeoSample) float64 {
	lats := make([]float64, len(samples))
	lngs := make([]float64, len(samples))
	for i, s := range samples {
		lats[i] = s.Lat
		lngs[i] = s.Lng
	}
	return geo.Variance(lats) + geo.Variance(lngs)
}

func accuracyOf(s bus.GeoSample) float64 {
	if s.Accuracy > 0 && geo.Finite(s.Accuracy) {
		return s.Accuracy
	}
	return bus.DefaultAccuracy
}
