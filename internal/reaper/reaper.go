// Package reaper deletes samples that reporters abandoned long ago.
package reaper

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"crowdbus/internal/store"
)

const (
	DefaultInterval = 10 * time.Minute
	DefaultMaxAge   = time.Hour
)

// Metrics is optional.
type Metrics interface {
	AddReaped(busID string, n int)
}

type Reaper struct {
	Store    store.Store
	Interval time.Duration
	MaxAge   time.Duration
	Now      func() time.Time
	Metrics  Metrics
}

// Sweep removes samples older than MaxAge for each bus and returns the total.
// A failing bus is logged and skipped.
func (r *Reaper) Sweep(ctx context.Context, busIDs []string) int {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	maxAge := r.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	cutoff := now().Add(-maxAge)
	total := 0
	for _, id := range busIDs {
		if ctx.Err() != nil {
			break
		}
		n, err := r.Store.RemoveStale(ctx, id, cutoff)
		if err != nil {
			log.Warn().Err(err).Str("bus", id).Msg("stale sweep failed")
			continue
		}
		if n > 0 {
			log.Info().Str("bus", id).Int("removed", n).Msg("cleaned old locations")
			if r.Metrics != nil {
				r.Metrics.AddReaped(id, n)
			}
		}
		total += n
	}
	return total
}

// Run sweeps immediately and then every Interval until ctx is cancelled. The
// bus set is re-read before each sweep.
func (r *Reaper) Run(ctx context.Context, busIDs func() []string) {
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	r.Sweep(ctx, busIDs())
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Sweep(ctx, busIDs())
		}
	}
}
