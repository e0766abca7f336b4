// Package notify streams lifecycle events to other processes over a
// websocket, so `pt sync tail` and `pt monitor` can follow the daemon.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/marcus/pricetrack/internal/events"
)

const writeTimeout = 5 * time.Second

// Hub serves the event stream. Each connection gets its own bus
// subscription; a client too slow to keep up misses events rather than
// stalling the coordinator.
type Hub struct {
	bus     *events.Bus
	log     *slog.Logger
	origins []string
	buffer  int
	clients atomic.Int64
}

// NewHub returns a hub over bus. origins lists allowed Origin patterns for
// browser clients; nil allows only same-host connections.
func NewHub(bus *events.Bus, logger *slog.Logger, origins []string) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{bus: bus, log: logger, origins: origins, buffer: 128}
}

// Clients returns the number of connected streams
func (h *Hub) Clients() int {
	return int(h.clients.Load())
}

// ServeHTTP upgrades the request and streams events until either side
// closes. ?types=SYNC_STARTED,ITEM_FAILED limits what is sent.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filter, err := parseTypes(r.URL.Query().Get("types"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// we never read client messages; CloseRead handles control frames and
	// cancels ctx when the client goes away
	ctx := conn.CloseRead(r.Context())

	ch, cancel := h.bus.Subscribe(h.buffer)
	defer cancel()

	n := h.clients.Add(1)
	defer h.clients.Add(-1)
	h.log.Debug("event stream connected", "remote", r.RemoteAddr, "clients", n)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			if filter != nil && !filter[e.Type] {
				continue
			}
			if err := writeEvent(ctx, conn, e); err != nil {
				h.log.Debug("event stream closed", "remote", r.RemoteAddr, "err", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

func parseTypes(s string) (map[events.Type]bool, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	out := make(map[events.Type]bool)
	for _, part := range strings.Split(s, ",") {
		t, ok := events.NormalizeType(part)
		if !ok {
			return nil, &UnknownTypeError{Name: part}
		}
		out[t] = true
	}
	return out, nil
}

// UnknownTypeError is returned for an event type filter that matches nothing
type UnknownTypeError struct {
	Name string
}

func (e *UnknownTypeError) Error() string {
	return "unknown event type: " + strings.TrimSpace(e.Name)
}
