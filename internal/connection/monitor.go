// Package connection tracks whether the server is reachable and how usable
// the link is. Online/offline comes from the platform; quality comes from a
// periodic latency probe and never reports offline on its own.
package connection

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/marcus/pricetrack/internal/models"
)

// Defaults for the latency probe
const (
	DefaultInterval      = 30 * time.Second
	DefaultTimeout       = 3 * time.Second
	DefaultGoodThreshold = 1000 * time.Millisecond
)

// Prober performs one lightweight round trip to the server
type Prober interface {
	Probe(ctx context.Context) error
}

// ProbeFunc adapts a function to Prober
type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Probe(ctx context.Context) error { return f(ctx) }

// Config tunes the probe loop. Zero fields take the defaults.
type Config struct {
	Interval      time.Duration
	Timeout       time.Duration
	GoodThreshold time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.GoodThreshold <= 0 {
		c.GoodThreshold = DefaultGoodThreshold
	}
	return c
}

// Monitor holds the process-wide connection state
type Monitor struct {
	cfg    Config
	prober Prober
	now    func() time.Time
	logger *slog.Logger

	mu    sync.RWMutex
	state models.ConnectionState
	// gen changes on every online/offline event so a probe started before
	// the event cannot overwrite it
	gen    uint64
	subs   map[int]func(models.ConnectionState)
	nextID int

	wake chan struct{}
}

// Option configures a Monitor
type Option func(*Monitor)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithLogger sets the logger for probe results
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// New returns a monitor that starts offline until SetOnline(true) is called
func New(prober Prober, cfg Config, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:    cfg.withDefaults(),
		prober: prober,
		now:    time.Now,
		logger: slog.Default(),
		state:  models.ConnectionState{Online: false, Quality: models.QualityOffline},
		subs:   make(map[int]func(models.ConnectionState)),
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current connection state
func (m *Monitor) State() models.ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Online reports the raw online flag
func (m *Monitor) Online() bool {
	return m.State().Online
}

// SetOnline applies a platform online/offline event. Going online sets
// quality to good until the next probe says otherwise.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	m.gen++
	prev := m.state
	if online {
		if !m.state.Online {
			m.state = models.ConnectionState{Online: true, Quality: models.QualityGood, CheckedAt: m.now()}
		}
	} else {
		m.state = models.ConnectionState{Online: false, Quality: models.QualityOffline, CheckedAt: m.now()}
	}
	next := m.state
	m.mu.Unlock()

	if online && !prev.Online {
		select {
		case m.wake <- struct{}{}:
		default:
		}
	}
	m.notifyIfChanged(prev, next)
}

// Probe measures one round trip and updates quality. It does nothing
// while offline. A probe error or timeout yields poor, never offline.
func (m *Monitor) Probe(ctx context.Context) models.ConnectionState {
	m.mu.RLock()
	if !m.state.Online || m.prober == nil {
		s := m.state
		m.mu.RUnlock()
		return s
	}
	gen := m.gen
	m.mu.RUnlock()

	pctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	start := m.now()
	err := m.prober.Probe(pctx)
	cancel()
	elapsed := m.now().Sub(start)

	quality := models.QualityPoor
	if err == nil && elapsed < m.cfg.GoodThreshold {
		quality = models.QualityGood
	}
	if err != nil {
		m.logger.Debug("connection probe failed", "err", err, "elapsed", elapsed)
	}

	m.mu.Lock()
	if m.gen != gen || !m.state.Online {
		// an online/offline event landed mid-probe; it wins
		s := m.state
		m.mu.Unlock()
		return s
	}
	prev := m.state
	m.state.Quality = quality
	m.state.Latency = elapsed
	m.state.CheckedAt = m.now()
	next := m.state
	m.mu.Unlock()

	m.notifyIfChanged(prev, next)
	return next
}

// Run probes every Interval while online until ctx is cancelled. Coming
// back online triggers an immediate probe.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-m.wake:
		}
		if m.Online() {
			m.Probe(ctx)
		}
	}
}

// Subscribe registers fn to be called on every state change. Calls happen
// on the goroutine that caused the change; fn must not block.
func (m *Monitor) Subscribe(fn func(models.ConnectionState)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

func (m *Monitor) notifyIfChanged(prev, next models.ConnectionState) {
	if prev.Online == next.Online && prev.Quality == next.Quality {
		return
	}
	m.logger.Info("connection changed", "online", next.Online, "quality", next.Quality)

	m.mu.RLock()
	fns := make([]func(models.ConnectionState), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.RUnlock()

	for _, fn := range fns {
		fn(next)
	}
}
