package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"crowdbus/internal/aggregate"
	"crowdbus/internal/bus"
)

type Collector struct {
	reg *prometheus.Registry

	ActiveSessions prometheus.Gauge

	Aggregations        prometheus.Counter
	AggregationDuration prometheus.Histogram
	LiveSamples         *prometheus.GaugeVec // bus label
	Confidence          *prometheus.GaugeVec // bus label
	SourceTransitions   *prometheus.CounterVec
	RenderErrs          prometheus.Counter

	StoreWrites    prometheus.Counter
	StoreWriteErrs prometheus.Counter
	StoreRetries   prometheus.Counter
	Reaped         *prometheus.CounterVec

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	StaleWindow   prometheus.Gauge // seconds
	ScheduleTick  prometheus.Gauge // seconds
	StatusRefresh prometheus.Gauge // seconds
}

func NewCollector(staleWindow, scheduleTick, statusRefresh time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crowdbus_active_sessions",
			Help: "Number of running bus viewing sessions.",
		}),
		Aggregations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crowdbus_aggregations_total",
			Help: "Total sample-set aggregations.",
		}),
		AggregationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crowdbus_aggregation_duration_seconds",
			Help:    "Duration of one aggregation.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 15),
		}),
		LiveSamples: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crowdbus_live_samples",
			Help: "Live samples in the latest aggregation.",
		}, []string{"bus"}),
		Confidence: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crowdbus_confidence_score",
			Help: "Confidence score of the latest aggregation (0-100).",
		}, []string{"bus"}),
		SourceTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crowdbus_source_transitions_total",
			Help: "Position source changes.",
		}, []string{"from", "to"}),
		RenderErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crowdbus_render_errors_total",
			Help: "Frames the sink failed to render.",
		}),
		StoreWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crowdbus_store_writes_total",
			Help: "Total location write attempts.",
		}),
		StoreWriteErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crowdbus_store_write_errors_total",
			Help: "Total failed location write attempts.",
		}),
		StoreRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crowdbus_store_write_retries_total",
			Help: "Total scheduled write retries.",
		}),
		Reaped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crowdbus_reaped_samples_total",
			Help: "Stale samples removed by the reaper.",
		}, []string{"bus"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crowdbus_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crowdbus_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crowdbus_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crowdbus_publish_duration_seconds",
			Help:    "Duration to marshal and publish a frame.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		StaleWindow: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crowdbus_stale_window_seconds",
			Help: "Maximum sample age treated as live.",
		}),
		ScheduleTick: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crowdbus_schedule_tick_seconds",
			Help: "Schedule estimation interval in seconds.",
		}),
		StatusRefresh: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crowdbus_status_refresh_seconds",
			Help: "Status re-evaluation interval in seconds.",
		}),
	}

	reg.MustRegister(
		c.ActiveSessions,
		c.Aggregations, c.AggregationDuration, c.LiveSamples, c.Confidence, c.SourceTransitions, c.RenderErrs,
		c.StoreWrites, c.StoreWriteErrs, c.StoreRetries, c.Reaped,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.StaleWindow, c.ScheduleTick, c.StatusRefresh,
	)

	c.StaleWindow.Set(staleWindow.Seconds())
	c.ScheduleTick.Set(scheduleTick.Seconds())
	c.StatusRefresh.Set(statusRefresh.Seconds())

	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()
	log.Info().Str("addr", addr).Msg("metrics listening")
	return srv
}

// session.Metrics

func (c *Collector) ObserveAggregation(busID string, res aggregate.Result, took time.Duration) {
	c.Aggregations.Inc()
	c.AggregationDuration.Observe(took.Seconds())
	c.LiveSamples.WithLabelValues(busID).Set(float64(res.SampleCount))
	c.Confidence.WithLabelValues(busID).Set(float64(res.Confidence))
}

func (c *Collector) SourceChanged(_ string, from, to bus.Source) {
	c.SourceTransitions.WithLabelValues(string(from), string(to)).Inc()
}

func (c *Collector) RenderFailed() { c.RenderErrs.Inc() }

// reporter.Metrics

func (c *Collector) ObserveWrite(err error) {
	c.StoreWrites.Inc()
	if err != nil {
		c.StoreWriteErrs.Inc()
	}
}

func (c *Collector) IncWriteRetry() { c.StoreRetries.Inc() }

// reaper.Metrics

func (c *Collector) AddReaped(busID string, n int) { c.Reaped.WithLabelValues(busID).Add(float64(n)) }

// publisher.PublisherMetrics

func (c *Collector) NATSPublishedInc()              { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc()             { c.NATSPublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }
func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}
