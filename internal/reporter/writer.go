package reporter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"crowdbus/internal/bus"
	"crowdbus/internal/store"
)

const (
	DefaultDebounce   = 5 * time.Second
	DefaultMaxRetries = 3
	DefaultRetryStep  = time.Second
)

type NoticeKind int

const (
	NoticeWritten NoticeKind = iota
	NoticeRetrying
	NoticeFailed
	NoticeGPS
)

// Notice is a user-facing status change on the reporting side. Retry is set
// when the user can trigger another attempt by hand.
type Notice struct {
	Kind    NoticeKind
	Message string
	Attempt int
	Max     int
	Err     error
	Retry   func()
}

type Notifier interface {
	Notify(n Notice)
}

type NotifierFunc func(n Notice)

func (fn NotifierFunc) Notify(n Notice) { fn(n) }

// Metrics is optional instrumentation for store writes.
type Metrics interface {
	ObserveWrite(err error)
	IncWriteRetry()
}

type WriterConfig struct {
	BusID      string
	ReporterID string
	Debounce   time.Duration
	MaxRetries int
	RetryStep  time.Duration
	Now        func() time.Time
}

// linearBackOff waits step, 2*step, 3*step, ...
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return b.step * time.Duration(b.n)
}

func (b *linearBackOff) Reset() { b.n = 0 }

// Writer pushes debounced fixes for one reporter into the store. At most one
// write is in flight; a newer fix cancels the older write's retries.
type Writer struct {
	cfg     WriterConfig
	store   store.Store
	notify  Notifier
	metrics Metrics
	logger  zerolog.Logger

	mu           sync.Mutex
	ctx          context.Context
	closed       bool
	lastAccepted time.Time
	pending      *bus.GeoSample // last accepted, not yet confirmed
	gen          uint64
	cancel       context.CancelFunc
	stopWatch    func()
	wg           sync.WaitGroup
}

// NewWriter creates a writer. notify and metrics may be nil.
func NewWriter(cfg WriterConfig, st store.Store, notify Notifier, metrics Metrics) *Writer {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryStep <= 0 {
		cfg.RetryStep = DefaultRetryStep
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if notify == nil {
		notify = NotifierFunc(func(Notice) {})
	}
	return &Writer{
		cfg:     cfg,
		store:   st,
		notify:  notify,
		metrics: metrics,
		logger:  log.With().Str("bus", cfg.BusID).Str("reporter", cfg.ReporterID).Logger(),
	}
}

// Start binds the writer to ctx and re-sends the pending fix whenever the
// store reconnects.
func (w *Writer) Start(ctx context.Context) {
	w.mu.Lock()
	w.ctx = ctx
	w.mu.Unlock()
	w.stopWatch = w.store.Connectivity().Watch(func(connected bool) {
		if connected {
			w.resend("store reconnected")
		}
	})
}

// Close cancels any in-flight write and waits for it to finish.
func (w *Writer) Close() {
	w.mu.Lock()
	w.closed = true
	if w.stopWatch != nil {
		w.stopWatch()
	}
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()
	w.wg.Wait()
}

// Offer submits a fix. It returns false when the fix was dropped by the
// debounce interval.
func (w *Writer) Offer(s bus.GeoSample) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.cfg.Now()
	if !w.lastAccepted.IsZero() && now.Sub(w.lastAccepted) < w.cfg.Debounce {
		return false
	}
	w.lastAccepted = now
	if s.Accuracy <= 0 {
		s.Accuracy = bus.DefaultAccuracy
	}
	if s.Time == 0 {
		s.Time = now.UnixMilli()
	}
	w.pending = &s
	w.sendLocked(s)
	return true
}

// Retry re-sends the pending fix with a fresh retry budget.
func (w *Writer) Retry() { w.resend("manual retry") }

// Pending returns the last accepted fix that has not been confirmed written.
func (w *Writer) Pending() (bus.GeoSample, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending == nil {
		return bus.GeoSample{}, false
	}
	return *w.pending, true
}

func (w *Writer) resend(reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending == nil {
		return
	}
	w.logger.Info().Str("reason", reason).Msg("re-sending pending location")
	w.sendLocked(*w.pending)
}

func (w *Writer) sendLocked(s bus.GeoSample) {
	if w.closed || w.ctx == nil {
		return
	}
	if w.cancel != nil {
		w.cancel()
	}
	w.gen++
	gen := w.gen
	ctx, cancel := context.WithCancel(w.ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.write(ctx, gen, s)
	}()
}

func (w *Writer) write(ctx context.Context, gen uint64, s bus.GeoSample) {
	attempt := 0
	op := func() error {
		attempt++
		err := w.store.Upsert(ctx, w.cfg.BusID, w.cfg.ReporterID, s)
		if w.metrics != nil {
			w.metrics.ObserveWrite(err)
		}
		if err != nil && !errors.Is(err, store.ErrTransient) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{step: w.cfg.RetryStep}, uint64(w.cfg.MaxRetries)),
		ctx,
	)
	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		w.logger.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("location write failed")
		if w.metrics != nil {
			w.metrics.IncWriteRetry()
		}
		w.notify.Notify(Notice{
			Kind:    NoticeRetrying,
			Message: fmt.Sprintf("Failed to update location. Retrying (%d/%d)...", attempt, w.cfg.MaxRetries),
			Attempt: attempt,
			Max:     w.cfg.MaxRetries,
			Err:     err,
		})
	})
	if ctx.Err() != nil {
		return
	}

	w.mu.Lock()
	if gen != w.gen {
		w.mu.Unlock()
		return
	}
	if err == nil {
		w.pending = nil
	}
	w.mu.Unlock()

	if err == nil {
		w.notify.Notify(Notice{Kind: NoticeWritten, Attempt: attempt})
		return
	}
	w.logger.Error().Err(err).Int("attempts", attempt).Msg("giving up on location write")
	w.notify.Notify(Notice{
		Kind:    NoticeFailed,
		Message: "Failed to update location. Please check your connection.",
		Attempt: attempt,
		Max:     w.cfg.MaxRetries,
		Err:     fmt.Errorf("%w: %w", ErrRetriesExhausted, err),
		Retry:   w.Retry,
	})
}
