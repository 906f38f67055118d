package aggregate

import "crowdbus/internal/bus"

const (
	liveThreshold      = 70
	estimatedThreshold = 50
)

// Classify maps a live sample count and confidence to a status label.
func Classify(sampleCount, confidence int) bus.Status {
	switch {
	case sampleCount == 0:
		return bus.StatusOffline
	case confidence >= liveThreshold:
		return bus.StatusLive
	case confidence >= estimatedThreshold:
		return bus.StatusEstimated
	default:
		return bus.StatusUncertain
	}
}
