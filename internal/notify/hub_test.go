package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/marcus/pricetrack/internal/events"
)

func startHub(t *testing.T) (*events.Bus, *Hub, string) {
	t.Helper()
	bus := events.NewBus()
	hub := NewHub(bus, nil, nil)
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	t.Cleanup(bus.Close)
	return bus, hub, srv.URL
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for h.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", h.Clients(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStream_ReceivesEvents(t *testing.T) {
	bus, hub, base := startHub(t)
	u, err := StreamURL(base, nil)
	if err != nil {
		t.Fatalf("StreamURL failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan events.Event, 4)
	done := make(chan error, 1)
	go func() {
		done <- Stream(ctx, u, func(e events.Event) error {
			got <- e
			if e.Type == events.SyncCompleted {
				return ErrStop
			}
			return nil
		})
	}()

	waitClients(t, hub, 1)
	bus.Publish(events.Event{Type: events.SyncStarted})
	bus.Publish(events.Event{Type: events.ItemSynced, ItemID: "q-1", ServerID: "p-1"})
	bus.Publish(events.Event{Type: events.SyncCompleted, Summary: &events.PassSummary{Synced: 1}})

	if err := <-done; err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	close(got)
	var types []events.Type
	for e := range got {
		types = append(types, e.Type)
		if e.Type == events.ItemSynced && e.ServerID != "p-1" {
			t.Errorf("event lost fields: %+v", e)
		}
	}
	if len(types) != 3 || types[0] != events.SyncStarted || types[2] != events.SyncCompleted {
		t.Errorf("types = %v", types)
	}
}

func TestStream_TypeFilter(t *testing.T) {
	bus, hub, base := startHub(t)
	u, _ := StreamURL(base, []events.Type{events.ItemFailed})
	if !strings.Contains(u, "types=ITEM_FAILED") {
		t.Fatalf("url = %s", u)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan events.Event, 1)
	go Stream(ctx, u, func(e events.Event) error {
		got <- e
		return ErrStop
	})

	waitClients(t, hub, 1)
	bus.Publish(events.Event{Type: events.SyncStarted})
	bus.Publish(events.Event{Type: events.ItemFailed, ItemID: "q-9"})

	select {
	case e := <-got:
		if e.Type != events.ItemFailed || e.ItemID != "q-9" {
			t.Errorf("first delivered event = %+v, want the ITEM_FAILED", e)
		}
	case <-ctx.Done():
		t.Fatal("no event delivered")
	}
}

func TestHub_RejectsUnknownType(t *testing.T) {
	_, _, base := startHub(t)
	resp, err := http.Get(base + "/ws?types=BOGUS")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStreamURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"127.0.0.1:7878", "ws://127.0.0.1:7878/ws"},
		{"http://localhost:7878", "ws://localhost:7878/ws"},
		{"https://pt.example.com", "wss://pt.example.com/ws"},
		{"ws://host:1/custom", "ws://host:1/custom"},
	}
	for _, tt := range tests {
		got, err := StreamURL(tt.in, nil)
		if err != nil {
			t.Errorf("StreamURL(%q) failed: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("StreamURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
