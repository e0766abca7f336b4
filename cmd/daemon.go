package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/marcus/pricetrack/internal/connection"
	"github.com/marcus/pricetrack/internal/coordinator"
	"github.com/marcus/pricetrack/internal/db"
	"github.com/marcus/pricetrack/internal/events"
	"github.com/marcus/pricetrack/internal/metrics"
	"github.com/marcus/pricetrack/internal/models"
	"github.com/marcus/pricetrack/internal/notify"
	"github.com/marcus/pricetrack/internal/output"
	"github.com/marcus/pricetrack/internal/syncconfig"
)

const daemonShutdownTimeout = 10 * time.Second

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Drain the queue in the background",
	Long: `Run the sync coordinator until interrupted. The daemon drains the queue
when other pt commands queue work, when the connection comes back, and
every sync.interval. It serves the event stream (/ws) and Prometheus
metrics (/metrics) on daemon.addr.

Only one daemon may serve a data directory at a time.`,
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		s := syncconfig.Load()
		logFile, _ := cmd.Flags().GetString("log-file")
		logger, closeLog, err := daemonLogger(s.LogFormat, s.LogLevel, logFile)
		if err != nil {
			return fail("%v", err)
		}
		defer closeLog()
		slog.SetDefault(logger)

		e, err := openEnv()
		if err != nil {
			return fail("%v", err)
		}
		defer e.Close()

		lock, err := db.AcquirePIDLock(e.dataDir)
		if err != nil {
			if errors.Is(err, db.ErrLockBusy) {
				return fail("a daemon is already running for %s", e.dataDir)
			}
			return fail("%v", err)
		}
		defer lock.Release()

		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = s.DaemonAddr
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		d := newDaemon(e)
		if err := d.listen(addr); err != nil {
			return fail("%v", err)
		}
		if outputMode() == output.ModeText && logFile != "" {
			output.Info("pt daemon serving %s on %s (logs: %s)", e.dataDir, d.addr, logFile)
		}
		d.run(ctx)
		return nil
	},
}

// daemon bundles the long-lived pieces so they share one bus
type daemon struct {
	env     *env
	bus     *events.Bus
	coord   *coordinator.Coordinator
	metrics *metrics.Sync
	hub     *notify.Hub
	http    *http.Server
	ln      net.Listener
	addr    string
}

func newDaemon(e *env) *daemon {
	bus := events.NewBus()
	d := &daemon{
		env:     e,
		bus:     bus,
		coord:   e.coordinator(bus, 0),
		metrics: metrics.NewSync(),
		hub:     notify.NewHub(bus, slog.Default(), nil),
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", d.hub)
	mux.Handle("/metrics", d.metrics.Handler())
	mux.HandleFunc("/healthz", d.handleHealth)
	d.http = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	return d
}

func (d *daemon) listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	d.ln = ln
	d.addr = ln.Addr().String()
	return nil
}

// run blocks until ctx is cancelled, then drains in-flight work
func (d *daemon) run(ctx context.Context) {
	log := slog.Default().With("component", "daemon")
	e := d.env

	d.watchConnection()

	go func() {
		if err := d.http.Serve(d.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server", "err", err)
		}
	}()
	go connection.NewWatcher(e.conn, 0).Run(ctx)
	go e.conn.Run(ctx)
	go d.metrics.Run(ctx, d.bus, e.db.CountItemsByStatus)
	go func() {
		if err := d.coord.WatchTrigger(ctx, db.TriggerPath(e.dataDir)); err != nil {
			log.Warn("trigger watch stopped; relying on the timer", "err", err)
		}
	}()

	log.Info("daemon started", "addr", d.addr, "data_dir", e.dataDir, "interval", e.settings.SyncInterval)
	d.coord.Trigger("startup")

	interval := e.settings.SyncInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			d.shutdown(log)
			return
		case <-ticker.C:
			d.coord.Trigger("timer")
		}
	}
}

// watchConnection republishes connection changes on the bus and starts a
// pass whenever the connection comes back
func (d *daemon) watchConnection() {
	var online atomic.Bool
	online.Store(d.env.conn.Online())
	d.env.conn.Subscribe(func(s models.ConnectionState) {
		st := s
		d.bus.Publish(events.Event{Type: events.ConnectionChanged, Connection: &st})
		if s.Online && !online.Swap(true) {
			d.coord.Trigger("online")
		}
		if !s.Online {
			online.Store(false)
		}
	})
}

func (d *daemon) shutdown(log *slog.Logger) {
	sctx, cancel := context.WithTimeout(context.Background(), daemonShutdownTimeout)
	defer cancel()
	if err := d.http.Shutdown(sctx); err != nil {
		log.Warn("http shutdown", "err", err)
	}
	d.coord.Close()
	d.bus.Close()
}

func (d *daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := struct {
		Status     string                 `json:"status"`
		Connection models.ConnectionState `json:"connection"`
		Sync       coordinator.Status     `json:"sync"`
		Clients    int                    `json:"stream_clients"`
	}{
		Status:     "ok",
		Connection: d.env.conn.State(),
		Sync:       d.coord.Status(),
		Clients:    d.hub.Clients(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := output.WriteJSON(w, body); err != nil {
		slog.Debug("daemon health", "err", err)
	}
}

// daemonLogger builds the daemon's handler. With a log file the output
// rotates through lumberjack; otherwise it goes to stderr.
func daemonLogger(format, level, file string) (*slog.Logger, func(), error) {
	var w io.Writer = os.Stderr
	closeFn := func() {}
	if file != "" {
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		lj := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
		w = lj
		closeFn = func() { lj.Close() }
	}

	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var h slog.Handler
	if strings.ToLower(format) == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h), closeFn, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func init() {
	daemonCmd.Flags().String("addr", "", "Listen address for /ws and /metrics (default daemon.addr)")
	daemonCmd.Flags().String("log-file", "", "Write logs to this file with rotation instead of stderr")
	rootCmd.AddCommand(daemonCmd)
}
