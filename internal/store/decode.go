package store

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"crowdbus/internal/bus"
)

// decodeSample leniently decodes a stored sample. Numeric strings are coerced;
// anything unparseable becomes NaN so the aggregator discards it. Samples
// without a usable time cannot be represented and are rejected here.
func decodeSample(reporterID string, raw []byte) (bus.GeoSample, bool) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return bus.GeoSample{}, false
	}
	t := toFloat(m["time"])
	if math.IsNaN(t) || math.IsInf(t, 0) {
		return bus.GeoSample{}, false
	}
	s := bus.GeoSample{
		ReporterID: reporterID,
		Lat:        toFloat(m["lat"]),
		Lng:        toFloat(m["lng"]),
		Time:       int64(math.Round(t)),
	}
	if v, ok := m["accuracy"]; ok && v != nil {
		s.Accuracy = toFloat(v)
	}
	return s, true
}

func encodeSample(s bus.GeoSample) ([]byte, error) {
	return json.Marshal(s)
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return math.NaN()
		}
		return f
	default:
		return math.NaN()
	}
}
