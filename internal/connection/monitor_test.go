package connection

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marcus/pricetrack/internal/models"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// slowProber simulates a round trip of the given duration on the fake clock
func slowProber(clock *fakeClock, d time.Duration, err error) Prober {
	return ProbeFunc(func(ctx context.Context) error {
		clock.Advance(d)
		return err
	})
}

func TestProbe_Classification(t *testing.T) {
	tests := []struct {
		name    string
		latency time.Duration
		err     error
		want    models.Quality
	}{
		{"fast response", 200 * time.Millisecond, nil, models.QualityGood},
		{"just under threshold", 999 * time.Millisecond, nil, models.QualityGood},
		{"at threshold", 1000 * time.Millisecond, nil, models.QualityPoor},
		{"slow response", 2500 * time.Millisecond, nil, models.QualityPoor},
		{"timeout", 3000 * time.Millisecond, context.DeadlineExceeded, models.QualityPoor},
		{"fast failure", 10 * time.Millisecond, errors.New("connection reset"), models.QualityPoor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			m := New(slowProber(clock, tt.latency, tt.err), Config{}, WithClock(clock.Now))
			m.SetOnline(true)

			got := m.Probe(context.Background())
			if got.Quality != tt.want {
				t.Errorf("quality = %s, want %s", got.Quality, tt.want)
			}
			if !got.Online {
				t.Error("a probe must never flip the monitor offline")
			}
			if got.Latency != tt.latency {
				t.Errorf("latency = %v, want %v", got.Latency, tt.latency)
			}
		})
	}
}

func TestProbe_RealTimeoutIsPoor(t *testing.T) {
	blocking := ProbeFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	m := New(blocking, Config{Timeout: 20 * time.Millisecond})
	m.SetOnline(true)

	start := time.Now()
	got := m.Probe(context.Background())
	if got.Quality != models.QualityPoor || !got.Online {
		t.Errorf("state = %+v, want online/poor", got)
	}
	if time.Since(start) > time.Second {
		t.Error("probe did not honour its timeout")
	}
}

func TestSetOnline(t *testing.T) {
	m := New(nil, Config{})

	if s := m.State(); s.Online || s.Quality != models.QualityOffline {
		t.Errorf("initial state = %+v, want offline", s)
	}

	m.SetOnline(true)
	if s := m.State(); !s.Online || s.Quality != models.QualityGood {
		t.Errorf("after online = %+v, want online/good", s)
	}

	m.SetOnline(false)
	if s := m.State(); s.Online || s.Quality != models.QualityOffline {
		t.Errorf("after offline = %+v, want offline/offline", s)
	}
}

func TestProbe_NoopWhileOffline(t *testing.T) {
	var calls int32
	m := New(ProbeFunc(func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}), Config{})

	got := m.Probe(context.Background())
	if got.Quality != models.QualityOffline {
		t.Errorf("quality = %s, want offline", got.Quality)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Error("probe should not run while offline")
	}
}

func TestOfflineEventWinsOverInFlightProbe(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	m := New(ProbeFunc(func(ctx context.Context) error {
		close(entered)
		<-release
		return nil
	}), Config{})
	m.SetOnline(true)

	done := make(chan models.ConnectionState)
	go func() { done <- m.Probe(context.Background()) }()

	<-entered
	m.SetOnline(false)
	close(release)
	<-done

	s := m.State()
	if s.Online || s.Quality != models.QualityOffline {
		t.Errorf("state = %+v, want offline despite successful probe", s)
	}
}

func TestSubscribe_NotifiesOnChange(t *testing.T) {
	clock := newFakeClock()
	m := New(slowProber(clock, 1500*time.Millisecond, nil), Config{}, WithClock(clock.Now))

	var mu sync.Mutex
	var seen []models.Quality
	cancel := m.Subscribe(func(s models.ConnectionState) {
		mu.Lock()
		seen = append(seen, s.Quality)
		mu.Unlock()
	})

	m.SetOnline(true)
	m.Probe(context.Background())
	m.Probe(context.Background()) // unchanged, no notification
	m.SetOnline(false)
	cancel()
	m.SetOnline(true)

	mu.Lock()
	defer mu.Unlock()
	want := []models.Quality{models.QualityGood, models.QualityPoor, models.QualityOffline}
	if len(seen) != len(want) {
		t.Fatalf("notifications = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("notification %d = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestRun_ProbesWhenComingOnline(t *testing.T) {
	var calls int32
	m := New(ProbeFunc(func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}), Config{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.SetOnline(true)

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&calls) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no probe after going online")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWatcher_Detect(t *testing.T) {
	ipAddr := []net.Addr{&net.IPNet{IP: net.ParseIP("10.0.0.2"), Mask: net.CIDRMask(24, 32)}}

	tests := []struct {
		name   string
		ifaces []net.Interface
		addrs  []net.Addr
		want   bool
	}{
		{"ethernet up", []net.Interface{{Index: 2, Name: "eth0", Flags: net.FlagUp}}, ipAddr, true},
		{"only loopback", []net.Interface{{Index: 1, Name: "lo", Flags: net.FlagUp | net.FlagLoopback}}, ipAddr, false},
		{"interface down", []net.Interface{{Index: 2, Name: "eth0"}}, ipAddr, false},
		{"up without address", []net.Interface{{Index: 2, Name: "eth0", Flags: net.FlagUp}}, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(nil, Config{})
			w := NewWatcher(m, time.Second)
			w.list = func() ([]net.Interface, error) { return tt.ifaces, nil }
			w.addrs = func(net.Interface) ([]net.Addr, error) { return tt.addrs, nil }

			if got := w.Check(); got != tt.want {
				t.Errorf("Check() = %v, want %v", got, tt.want)
			}
			if m.State().Online != tt.want {
				t.Errorf("monitor online = %v, want %v", m.State().Online, tt.want)
			}
		})
	}
}

func TestWatcher_ForceOffline(t *testing.T) {
	t.Setenv(forceOfflineEnv, "1")
	m := New(nil, Config{})
	w := NewWatcher(m, time.Second)
	w.list = func() ([]net.Interface, error) {
		return []net.Interface{{Index: 2, Name: "eth0", Flags: net.FlagUp}}, nil
	}
	w.addrs = func(net.Interface) ([]net.Addr, error) {
		return []net.Addr{&net.IPNet{IP: net.ParseIP("10.0.0.2"), Mask: net.CIDRMask(24, 32)}}, nil
	}

	if w.Check() {
		t.Error("PT_FORCE_OFFLINE should pin the watcher offline")
	}
}
