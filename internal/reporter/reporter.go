// Package reporter is the device side: it reads location fixes, applies the
// read-error policy and hands accepted fixes to a Writer.
package reporter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"crowdbus/internal/store"
)

type Config struct {
	Writer WriterConfig
	// ReadRetries and ReadRetryDelay bound automatic recovery from GPS errors.
	ReadRetries    int
	ReadRetryDelay time.Duration
}

type Reporter struct {
	cfg      Config
	store    store.Store
	src      Source
	writer   *Writer
	policy   *ReadPolicy
	notify   Notifier
	validate *validator.Validate
}

// New creates a reporter. notify and metrics may be nil.
func New(cfg Config, st store.Store, src Source, notify Notifier, metrics Metrics) *Reporter {
	if notify == nil {
		notify = NotifierFunc(func(Notice) {})
	}
	policy := NewReadPolicy()
	if cfg.ReadRetries > 0 {
		policy.MaxRetries = cfg.ReadRetries
	}
	if cfg.ReadRetryDelay > 0 {
		policy.Delay = cfg.ReadRetryDelay
	}
	return &Reporter{
		cfg:      cfg,
		store:    st,
		src:      src,
		writer:   NewWriter(cfg.Writer, st, notify, metrics),
		policy:   policy,
		notify:   notify,
		validate: validator.New(),
	}
}

func (r *Reporter) Writer() *Writer { return r.writer }

// Run shares fixes until the source ends, ctx is cancelled or location
// permission is denied. Other read errors never end the run: once automatic
// retries are used up it keeps reading and the next good fix resumes sharing.
// On return the reporter's sample is removed from the store.
func (r *Reporter) Run(ctx context.Context) error {
	logger := log.With().Str("bus", r.cfg.Writer.BusID).Str("reporter", r.cfg.Writer.ReporterID).Logger()
	r.writer.Start(ctx)
	defer r.leave(ctx)
	defer r.writer.Close()

	logger.Info().Msg("sharing location")
	exhausted := false
	for {
		fix, err := r.src.Next(ctx)
		if ctx.Err() != nil || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			var gerr *GPSError
			if !errors.As(err, &gerr) {
				return fmt.Errorf("read fix: %w", err)
			}
			d := r.policy.OnError(err)
			switch {
			case d.Retry:
				exhausted = false
				logger.Warn().Err(err).Int("attempt", d.Attempt).Msg("location read failed")
				r.notify.Notify(Notice{Kind: NoticeGPS, Message: d.Message, Attempt: d.Attempt, Max: r.policy.MaxRetries, Err: err})
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(d.After):
				}
			case errors.Is(d.Err, ErrPermissionDenied):
				logger.Warn().Err(err).Msg("location permission denied")
				r.notify.Notify(Notice{Kind: NoticeGPS, Message: d.Message, Err: d.Err})
				return d.Err
			case !exhausted:
				exhausted = true
				logger.Warn().Err(err).Msg("location read retries exhausted")
				r.notify.Notify(Notice{
					Kind:    NoticeGPS,
					Message: d.Message,
					Attempt: d.Attempt,
					Max:     r.policy.MaxRetries,
					Err:     d.Err,
					Retry:   r.policy.Reset,
				})
			default:
				logger.Debug().Err(err).Msg("location read failed")
			}
			continue
		}
		if err := r.validate.Struct(fix); err != nil {
			logger.Debug().Err(err).Msg("discarding invalid fix")
			continue
		}
		exhausted = false
		r.policy.OnFix()
		r.writer.Offer(fix.Sample())
	}
}

func (r *Reporter) leave(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.store.Remove(ctx, r.cfg.Writer.BusID, r.cfg.Writer.ReporterID); err != nil {
		log.Warn().Err(err).Str("bus", r.cfg.Writer.BusID).Msg("could not remove location on leave")
	}
}
