// Package tracker runs one viewing session per tracked bus plus the periodic
// stale-data sweep over the same set of buses.
package tracker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"crowdbus/internal/bus"
	"crowdbus/internal/metrics"
	"crowdbus/internal/reaper"
	"crowdbus/internal/session"
	"crowdbus/internal/store"
)

// Bus is one tracked vehicle. RouteID may be empty when no schedule is known.
type Bus struct {
	ID      string
	RouteID string
}

type Options struct {
	DefaultPosition bus.Point
	StaleWindow     time.Duration
	ScheduleTick    time.Duration
	StatusRefresh   time.Duration
	LabelRefresh    time.Duration
	ReapInterval    time.Duration
	ReapMaxAge      time.Duration
}

type run struct{ cancel context.CancelFunc }

type Manager struct {
	store     store.Store
	estimator session.Estimator
	sink      session.Sink
	opts      Options
	metrics   *metrics.Collector

	mu      sync.Mutex
	running map[string]*run // busID -> session
	wg      conc.WaitGroup

	reapCancel context.CancelFunc
	reapWG     conc.WaitGroup
}

// NewManager wires sessions to st and sink. estimator and m may be nil.
func NewManager(st store.Store, estimator session.Estimator, sink session.Sink, opts Options, m *metrics.Collector) *Manager {
	return &Manager{
		store:     st,
		estimator: estimator,
		sink:      sink,
		opts:      opts,
		metrics:   m,
		running:   make(map[string]*run),
	}
}

func (m *Manager) Start(ctx context.Context, buses []Bus) {
	for _, b := range buses {
		m.Track(ctx, b)
	}
}

// Track starts a session for b unless one is already running.
func (m *Manager) Track(parent context.Context, b Bus) {
	m.mu.Lock()
	if _, exists := m.running[b.ID]; exists {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	r := &run{cancel: cancel}
	m.running[b.ID] = r
	if m.metrics != nil {
		m.metrics.ActiveSessions.Set(float64(len(m.running)))
	}
	m.mu.Unlock()

	s := session.New(session.Config{
		BusID:           b.ID,
		RouteID:         b.RouteID,
		DefaultPosition: m.opts.DefaultPosition,
		StaleWindow:     m.opts.StaleWindow,
		ScheduleTick:    m.opts.ScheduleTick,
		StatusRefresh:   m.opts.StatusRefresh,
		LabelRefresh:    m.opts.LabelRefresh,
	}, m.store, m.estimator, m.sink, m.sessionMetrics())

	log.Info().Str("bus", b.ID).Str("route", b.RouteID).Msg("tracking bus")
	m.wg.Go(func() {
		if err := s.Run(ctx); err != nil {
			log.Error().Err(err).Str("bus", b.ID).Msg("session error")
		}
		cancel()
		m.mu.Lock()
		if m.running[b.ID] == r {
			delete(m.running, b.ID)
		}
		if m.metrics != nil {
			m.metrics.ActiveSessions.Set(float64(len(m.running)))
		}
		m.mu.Unlock()
	})
}

// Untrack stops the session for busID. Its goroutine exits asynchronously.
func (m *Manager) Untrack(busID string) {
	m.mu.Lock()
	r, ok := m.running[busID]
	delete(m.running, busID)
	m.mu.Unlock()
	if ok {
		r.cancel()
	}
}

// BusIDs returns the tracked buses in sorted order.
func (m *Manager) BusIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StartReaper sweeps stale samples for the tracked buses immediately and
// then every ReapInterval.
func (m *Manager) StartReaper(parent context.Context) {
	r := &reaper.Reaper{
		Store:    m.store,
		Interval: m.opts.ReapInterval,
		MaxAge:   m.opts.ReapMaxAge,
	}
	if m.metrics != nil {
		r.Metrics = m.metrics
	}
	ctx, cancel := context.WithCancel(parent)
	m.reapCancel = cancel
	m.reapWG.Go(func() { r.Run(ctx, m.BusIDs) })
}

// Stop cancels every session and the reaper and waits for them to exit.
func (m *Manager) Stop() {
	if m.reapCancel != nil {
		m.reapCancel()
	}
	m.reapWG.Wait()
	m.mu.Lock()
	for _, r := range m.running {
		r.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) sessionMetrics() session.Metrics {
	if m.metrics == nil {
		return nil
	}
	return m.metrics
}
