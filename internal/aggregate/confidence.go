package aggregate

import (
	"math"
	"time"

	"crowdbus/internal/bus"
	"crowdbus/internal/geo"
)

// The confidence score is a hand-tuned heuristic built from five bounded
// sub-scores. It is not a calibrated probability.

const (
	maxUserScore        = 60.0
	maxAccuracyScore    = 35.0
	minAccuracyScore    = 5.0
	maxFreshnessScore   = 35.0
	maxClusteringScore  = 30.0
	minClusteringScore  = 5.0
	consistencyScale    = 0.3
	neutralConsistency  = 50.0
	suspiciousDeduction = 30.0
	suspiciousFloor     = 10.0
	suspiciousPenalty   = 15.0

	stationaryMeters  = 5.0
	stationaryShare   = 0.8
	outlierMeters     = 500.0
	outlierMaxSamples = 3
)

// Inputs are the per-snapshot statistics the score is computed from.
type Inputs struct {
	SampleCount int
	AvgAccuracy float64 // meters
	MaxAge      time.Duration
	StaleWindow time.Duration
	Dispersion  float64
	// History is the rolling list of recent live centroids, newest last.
	History []bus.Point
}

// Breakdown holds each sub-score as added to the total.
type Breakdown struct {
	Users       float64 `json:"users"`
	Accuracy    float64 `json:"accuracy"`
	Freshness   float64 `json:"freshness"`
	Clustering  float64 `json:"clustering"`
	Consistency float64 `json:"consistency"`
}

type Scored struct {
	Total      int
	Suspicious bool
	Breakdown  Breakdown
}

func Score(in Inputs) Scored {
	window := in.StaleWindow
	if window <= 0 {
		window = DefaultStaleWindow
	}
	acc := in.AvgAccuracy
	if acc <= 0 || !geo.Finite(acc) {
		acc = bus.DefaultAccuracy
	}

	b := Breakdown{
		Users:      math.Min(maxUserScore, 20+math.Log(float64(in.SampleCount)+1)*15),
		Accuracy:   clamp(50-acc*0.2, minAccuracyScore, maxAccuracyScore),
		Freshness:  math.Max(0, maxFreshnessScore-(float64(in.MaxAge)/float64(window))*maxFreshnessScore),
		Clustering: clamp(30-in.Dispersion*200, minClusteringScore, maxClusteringScore),
	}
	raw, suspicious := consistency(in.History, in.SampleCount)
	b.Consistency = raw * consistencyScale
	if suspicious {
		b.Consistency -= suspiciousPenalty
	}

	total := b.Users + b.Accuracy + b.Freshness + b.Clustering + b.Consistency
	if !geo.Finite(total) {
		total = 0
	}
	return Scored{
		Total:      int(math.Round(clamp(total, 0, 100))),
		Suspicious: suspicious,
		Breakdown:  b,
	}
}

// consistency scores how stable the recent centroids are, on a 0-100 scale.
func consistency(hist []bus.Point, sampleCount int) (float64, bool) {
	switch len(hist) {
	case 0:
		return neutralConsistency, false
	case 1:
		return 100, false
	}

	var sum float64
	pairs, near := 0, 0
	for i := 0; i < len(hist); i++ {
		for j := i + 1; j < len(hist); j++ {
			d := geo.Haversine(hist[i], hist[j])
			sum += d
			pairs++
			if d < stationaryMeters {
				near++
			}
		}
	}
	mean := sum / float64(pairs)

	var score float64
	switch {
	case float64(near)/float64(pairs) >= stationaryShare:
		score = 95
	case mean < stationaryMeters:
		score = 90
	case mean < 10:
		score = 85
	case mean < 50:
		score = 70
	case mean < 200:
		score = 45
	default:
		score = 25
	}

	suspicious := sampleCount <= outlierMaxSamples && hasOutlier(hist)
	if suspicious {
		score = math.Max(suspiciousFloor, score-suspiciousDeduction)
	}
	return score, suspicious
}

// hasOutlier reports whether some centroid is farther than outlierMeters from
// every other centroid.
func hasOutlier(hist []bus.Point) bool {
	for i := range hist {
		nearest := math.Inf(1)
		for j := range hist {
			if i == j {
				continue
			}
			nearest = math.Min(nearest, geo.Haversine(hist[i], hist[j]))
		}
		if nearest > outlierMeters {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
