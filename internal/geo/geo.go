package geo

import (
	"math"

	"crowdbus/internal/bus"
)

const earthRadiusMeters = 6371000.0

// Haversine distance in meters
func Haversine(a, b bus.Point) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusMeters * c
}

// Variance is the population variance (mean squared deviation). Empty input yields 0.
func Variance(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	sum := 0.0
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return sum / float64(len(values))
}

// Lerp interpolates linearly between a and b; frac 0 is a, 1 is b.
func Lerp(a, b bus.Point, frac float64) bus.Point {
	return bus.Point{
		Lat: a.Lat + (b.Lat-a.Lat)*frac,
		Lng: a.Lng + (b.Lng-a.Lng)*frac,
	}
}

func Finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// ValidCoord reports whether p is finite and inside the WGS84 range.
func ValidCoord(p bus.Point) bool {
	return Finite(p.Lat, p.Lng) && p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}
