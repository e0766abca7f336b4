package events

import (
	"testing"
	"time"
)

func TestNormalizeType(t *testing.T) {
	tests := []struct {
		input    string
		expected Type
		valid    bool
	}{
		{"SYNC_STARTED", SyncStarted, true},
		{"sync-started", SyncStarted, true},
		{" sync_completed ", SyncCompleted, true},
		{"done", SyncCompleted, true},
		{"item_synced", ItemSynced, true},
		{"retrying", ItemRetry, true},
		{"blocked", ItemBlocked, true},
		{"conn", ConnectionChanged, true},
		{"SYNC_FAILED", SyncFailed, true},
		{"nonsense", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := NormalizeType(tt.input)
			if ok != tt.valid || got != tt.expected {
				t.Errorf("NormalizeType(%q) = %q, %v; want %q, %v", tt.input, got, ok, tt.expected, tt.valid)
			}
		})
	}
}

func TestIsPassEvent(t *testing.T) {
	for typ := range AllTypes() {
		want := typ == SyncStarted || typ == SyncCompleted || typ == SyncFailed
		if typ.IsPassEvent() != want {
			t.Errorf("%s.IsPassEvent() = %v, want %v", typ, !want, want)
		}
	}
}

func TestBus_FanOut(t *testing.T) {
	bus := NewBus()
	a, cancelA := bus.Subscribe(4)
	b, cancelB := bus.Subscribe(4)
	defer cancelB()

	bus.Publish(Event{Type: SyncStarted})

	for name, ch := range map[string]<-chan Event{"a": a, "b": b} {
		select {
		case e := <-ch:
			if e.Type != SyncStarted {
				t.Errorf("%s got %s, want SYNC_STARTED", name, e.Type)
			}
			if e.Time.IsZero() {
				t.Errorf("%s event time not stamped", name)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s received nothing", name)
		}
	}

	cancelA()
	cancelA()
	if _, ok := <-a; ok {
		t.Error("cancelled subscription channel should be closed")
	}
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(Event{Type: ItemSynced})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if len(ch) != 1 {
		t.Errorf("buffered events = %d, want 1", len(ch))
	}
}

func TestBus_Close(t *testing.T) {
	bus := NewBus()
	ch, _ := bus.Subscribe(1)
	bus.Close()
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Close")
	}

	late, _ := bus.Subscribe(1)
	if _, ok := <-late; ok {
		t.Error("subscribing to a closed bus should return a closed channel")
	}
	bus.Publish(Event{Type: SyncStarted})
}
