package connection

import (
	"context"
	"net"
	"os"
	"strings"
	"time"

	"github.com/marcus/pricetrack/internal/apiclient"
)

const forceOfflineEnv = "PT_FORCE_OFFLINE"

// DefaultWatchInterval is how often network interfaces are re-checked
const DefaultWatchInterval = 5 * time.Second

// InterfaceLister returns the host's network interfaces. Replaced in tests.
type InterfaceLister func() ([]net.Interface, error)

// Watcher turns network interface changes into online/offline events
type Watcher struct {
	monitor  *Monitor
	interval time.Duration
	list     InterfaceLister
	addrs    func(net.Interface) ([]net.Addr, error)
}

// NewWatcher returns a watcher feeding m
func NewWatcher(m *Monitor, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	return &Watcher{
		monitor:  m,
		interval: interval,
		list:     net.Interfaces,
		addrs:    func(i net.Interface) ([]net.Addr, error) { return i.Addrs() },
	}
}

// Check evaluates connectivity once and pushes the result to the monitor
func (w *Watcher) Check() bool {
	online := w.detect()
	w.monitor.SetOnline(online)
	return online
}

// Run re-checks every interval until ctx is cancelled
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.Check()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check()
		}
	}
}

func (w *Watcher) detect() bool {
	if forcedOffline() {
		return false
	}
	ifaces, err := w.list()
	if err != nil {
		// cannot tell; let the probe decide quality
		return true
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := w.addrs(iface)
		if err == nil && len(addrs) > 0 {
			return true
		}
	}
	return false
}

// DetectOnline reports whether any non-loopback interface is up with an address
func DetectOnline() bool {
	w := &Watcher{list: net.Interfaces, addrs: func(i net.Interface) ([]net.Addr, error) { return i.Addrs() }}
	return w.detect()
}

func forcedOffline() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(forceOfflineEnv)))
	return v == "1" || v == "true" || v == "yes"
}

// HealthProbe uses the API client's /healthz call as the latency probe
func HealthProbe(c *apiclient.Client) Prober {
	return ProbeFunc(func(ctx context.Context) error {
		_, err := c.HealthCheck(ctx)
		return err
	})
}
