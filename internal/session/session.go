// Package session runs one viewer's view of one bus: it subscribes to the
// store, aggregates every snapshot, ticks the schedule estimator and renders
// frames to a sink. All state is owned by the Run goroutine.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"crowdbus/internal/aggregate"
	"crowdbus/internal/bus"
	"crowdbus/internal/schedule"
	"crowdbus/internal/store"
)

type Config struct {
	BusID           string
	RouteID         string
	DefaultPosition bus.Point
	StaleWindow     time.Duration
	ScheduleTick    time.Duration // 10s
	StatusRefresh   time.Duration // 30s
	LabelRefresh    time.Duration // 60s
	Now             func() time.Time
}

func (c *Config) withDefaults() {
	if c.ScheduleTick <= 0 {
		c.ScheduleTick = 10 * time.Second
	}
	if c.StatusRefresh <= 0 {
		c.StatusRefresh = 30 * time.Second
	}
	if c.LabelRefresh <= 0 {
		c.LabelRefresh = time.Minute
	}
	if c.StaleWindow <= 0 {
		c.StaleWindow = aggregate.DefaultStaleWindow
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Metrics is optional instrumentation for sessions.
type Metrics interface {
	ObserveAggregation(busID string, res aggregate.Result, took time.Duration)
	SourceChanged(busID string, from, to bus.Source)
	RenderFailed()
}

// Estimator produces schedule positions; *schedule.Estimator satisfies it.
type Estimator interface {
	Estimate(routeID string, at time.Time) (schedule.Estimate, bool)
}

type Session struct {
	cfg       Config
	store     store.Store
	estimator Estimator
	sink      Sink
	metrics   Metrics
	agg       *aggregate.Aggregator
	ctl       *Controller
	logger    zerolog.Logger

	// latest-wins mailbox between store callbacks and the Run goroutine
	mu         sync.Mutex
	pending    []bus.GeoSample
	hasPending bool
	pendingErr error
	connState  *bool
	wake       chan struct{}

	last    []bus.GeoSample
	hasLast bool
}

// New creates a session. estimator and metrics may be nil.
func New(cfg Config, st store.Store, estimator Estimator, sink Sink, metrics Metrics) *Session {
	cfg.withDefaults()
	return &Session{
		cfg:       cfg,
		store:     st,
		estimator: estimator,
		sink:      sink,
		metrics:   metrics,
		agg:       aggregate.New(cfg.StaleWindow),
		ctl:       NewController(cfg.BusID, cfg.RouteID, cfg.DefaultPosition),
		logger:    log.With().Str("bus", cfg.BusID).Str("route", cfg.RouteID).Logger(),
		wake:      make(chan struct{}, 1),
	}
}

// Run blocks until ctx is cancelled. Every subscription and timer it acquires
// is released before it returns.
func (s *Session) Run(ctx context.Context) error {
	schedTick := time.NewTicker(s.cfg.ScheduleTick)
	defer schedTick.Stop()
	statusTick := time.NewTicker(s.cfg.StatusRefresh)
	defer statusTick.Stop()
	labelTick := time.NewTicker(s.cfg.LabelRefresh)
	defer labelTick.Stop()

	stopWatch := s.store.Connectivity().Watch(s.onConnectivity)
	defer stopWatch()

	unsubscribe := s.subscribe(ctx)
	defer func() {
		if unsubscribe != nil {
			unsubscribe()
		}
	}()

	s.tickSchedule(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug().Msg("session stopped")
			return nil
		case <-s.wake:
			s.flush(ctx)
		case <-schedTick.C:
			s.tickSchedule(ctx)
		case <-statusTick.C:
			if unsubscribe == nil {
				unsubscribe = s.subscribe(ctx)
			}
			// samples age even without store traffic
			if s.hasLast {
				s.aggregate(ctx, s.last)
			}
		case <-labelTick.C:
			s.render(ctx, s.ctl.Frame(s.cfg.Now()))
		}
	}
}

func (s *Session) subscribe(ctx context.Context) func() {
	unsubscribe, err := s.store.Subscribe(ctx, s.cfg.BusID, s.onChange, s.onError)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn().Err(err).Msg("subscribe failed; will retry")
			s.render(ctx, s.ctl.OnStoreError(s.cfg.Now()))
		}
		return nil
	}
	return unsubscribe
}

func (s *Session) onChange(samples []bus.GeoSample) {
	s.mu.Lock()
	s.pending = samples
	s.hasPending = true
	s.pendingErr = nil
	s.mu.Unlock()
	s.signal()
}

func (s *Session) onError(err error) {
	s.mu.Lock()
	s.pendingErr = err
	s.hasPending = false
	s.mu.Unlock()
	s.signal()
}

func (s *Session) onConnectivity(connected bool) {
	s.mu.Lock()
	s.connState = &connected
	s.mu.Unlock()
	s.signal()
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// flush processes only the most recent pending notification.
func (s *Session) flush(ctx context.Context) {
	s.mu.Lock()
	samples, has, perr, conn := s.pending, s.hasPending, s.pendingErr, s.connState
	s.pending, s.hasPending, s.pendingErr, s.connState = nil, false, nil, nil
	s.mu.Unlock()

	if conn != nil {
		s.render(ctx, s.ctl.OnConnectivity(*conn, s.cfg.Now()))
	}
	if perr != nil {
		s.logger.Warn().Err(perr).Msg("store listener error")
		s.render(ctx, s.ctl.OnStoreError(s.cfg.Now()))
		return
	}
	if has {
		s.last, s.hasLast = samples, true
		s.aggregate(ctx, samples)
	}
}

func (s *Session) aggregate(ctx context.Context, samples []bus.GeoSample) {
	now := s.cfg.Now()
	start := time.Now()
	res := s.agg.Aggregate(samples, now)
	if s.metrics != nil {
		s.metrics.ObserveAggregation(s.cfg.BusID, res, time.Since(start))
	}
	if res.SampleCount > 0 && res.Position == nil {
		s.logger.Warn().Int("samples", res.SampleCount).Msg("no usable live result")
	}
	s.apply(ctx, func() Frame { return s.ctl.OnAggregate(res, now) })
}

func (s *Session) tickSchedule(ctx context.Context) {
	now := s.cfg.Now()
	var (
		est schedule.Estimate
		ok  bool
	)
	if s.estimator != nil && s.cfg.RouteID != "" {
		est, ok = s.estimator.Estimate(s.cfg.RouteID, now)
	}
	s.apply(ctx, func() Frame { return s.ctl.OnSchedule(est, ok, now) })
}

func (s *Session) apply(ctx context.Context, step func() Frame) {
	before := s.ctl.Source()
	f := step()
	if after := s.ctl.Source(); after != before {
		s.logger.Info().Str("from", string(before)).Str("to", string(after)).Msg("position source changed")
		if s.metrics != nil {
			s.metrics.SourceChanged(s.cfg.BusID, before, after)
		}
	}
	s.render(ctx, f)
}

func (s *Session) render(ctx context.Context, f Frame) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Render(ctx, f); err != nil {
		s.logger.Warn().Err(err).Msg("render failed")
		if s.metrics != nil {
			s.metrics.RenderFailed()
		}
	}
}
