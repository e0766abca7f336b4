// Package metrics exposes sync and server activity to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marcus/pricetrack/internal/events"
	"github.com/marcus/pricetrack/internal/models"
)

const namespace = "pricetrack"

// Sync holds the client-side collectors, fed from the event bus
type Sync struct {
	reg *prometheus.Registry

	passes       *prometheus.CounterVec
	passDuration prometheus.Histogram
	items        *prometheus.CounterVec
	queued       *prometheus.CounterVec
	queueDepth   *prometheus.GaugeVec
	quality      *prometheus.GaugeVec
	lastSync     prometheus.Gauge
}

// NewSync registers the sync collectors on a fresh registry
func NewSync() *Sync {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Sync{
		reg: reg,
		passes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "passes_total",
			Help:      "Drain passes by outcome.",
		}, []string{"status"}),
		passDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "pass_duration_seconds",
			Help:      "Wall time of drain passes.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		items: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "items_total",
			Help:      "Queue item attempts by action and outcome.",
		}, []string{"action", "outcome"}),
		queued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Mutations queued by action.",
		}, []string{"action"}),
		queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "items",
			Help:      "Queue items by status.",
		}, []string{"status"}),
		quality: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "quality",
			Help:      "1 for the current connection quality, 0 otherwise.",
		}, []string{"quality"}),
		lastSync: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "last_pass_timestamp_seconds",
			Help:      "Unix time the last drain pass finished.",
		}),
	}
}

// Observe folds one lifecycle event into the collectors
func (s *Sync) Observe(e events.Event) {
	switch e.Type {
	case events.SyncCompleted, events.SyncFailed:
		status := "completed"
		if e.Type == events.SyncFailed {
			status = "failed"
		}
		s.passes.WithLabelValues(status).Inc()
		if e.Summary != nil {
			s.passDuration.Observe(e.Summary.Duration.Seconds())
		}
		s.lastSync.Set(float64(e.Time.Unix()))
	case events.ItemSynced:
		s.items.WithLabelValues(string(e.Action), "synced").Inc()
	case events.ItemRetry:
		s.items.WithLabelValues(string(e.Action), "retry").Inc()
	case events.ItemFailed:
		s.items.WithLabelValues(string(e.Action), "failed").Inc()
	case events.ItemQueued:
		s.queued.WithLabelValues(string(e.Action)).Inc()
	case events.ConnectionChanged:
		if e.Connection != nil {
			s.SetQuality(e.Connection.Quality)
		}
	}
}

// SetQuality marks q as the current connection quality
func (s *Sync) SetQuality(q models.Quality) {
	for _, v := range []models.Quality{models.QualityGood, models.QualityPoor, models.QualityOffline} {
		val := 0.0
		if v == q {
			val = 1
		}
		s.quality.WithLabelValues(string(v)).Set(val)
	}
}

// SetQueueDepth replaces the queue depth gauges
func (s *Sync) SetQueueDepth(counts map[models.ItemStatus]int) {
	for _, st := range []models.ItemStatus{models.ItemPending, models.ItemProcessing, models.ItemCompleted, models.ItemFailed} {
		s.queueDepth.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

// Run observes bus events until ctx is cancelled. depth, if set, is polled
// after every pass to refresh the queue gauges.
func (s *Sync) Run(ctx context.Context, bus *events.Bus, depth func() (map[models.ItemStatus]int, error)) {
	ch, cancel := bus.Subscribe(256)
	defer cancel()

	refresh := func() {
		if depth == nil {
			return
		}
		if counts, err := depth(); err == nil {
			s.SetQueueDepth(counts)
		}
	}
	refresh()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			s.Observe(e)
			if e.Type == events.SyncCompleted || e.Type == events.SyncFailed || e.Type == events.ItemQueued {
				refresh()
			}
		}
	}
}

// Handler serves the registry in the Prometheus text format
func (s *Sync) Handler() http.Handler {
	return promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{Registry: s.reg})
}

// Registry exposes the underlying registry, for tests and extra collectors
func (s *Sync) Registry() *prometheus.Registry {
	return s.reg
}

// HTTP counts server requests by route and status
type HTTP struct {
	reg      *prometheus.Registry
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	writes   *prometheus.CounterVec
}

// NewHTTP registers the server collectors on a fresh registry
func NewHTTP() *HTTP {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)
	return &HTTP{
		reg: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "code"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		writes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "writes_total",
			Help:      "Price writes by action; replayed marks idempotent replays.",
		}, []string{"action", "replayed"}),
	}
}

// ObserveRequest records one finished request
func (m *HTTP) ObserveRequest(route, method string, code int, elapsed time.Duration) {
	m.requests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.duration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// ObserveWrite records a price write
func (m *HTTP) ObserveWrite(action string, replayed bool) {
	m.writes.WithLabelValues(action, strconv.FormatBool(replayed)).Inc()
}

// Handler serves the registry in the Prometheus text format
func (m *HTTP) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
