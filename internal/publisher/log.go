package publisher

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"crowdbus/internal/session"
)

// LogSink writes frames to the logger. Used when no NATS server is configured.
type LogSink struct {
	Logger *zerolog.Logger
}

func (s LogSink) Render(_ context.Context, f session.Frame) error {
	l := s.Logger
	if l == nil {
		l = &log.Logger
	}
	ev := l.Info().
		Str("bus", f.BusID).
		Str("source", string(f.Source)).
		Str("status", string(f.Status)).
		Str("confidence", f.ConfidenceText()).
		Int("samples", f.SampleCount).
		Str("label", f.Label).
		Str("updated", f.LastUpdateText)
	if f.Position != nil {
		ev = ev.Float64("lat", f.Position.Lat).Float64("lng", f.Position.Lng)
	}
	if f.Notice != "" {
		ev = ev.Str("notice", f.Notice)
	}
	ev.Msg("frame")
	return nil
}
