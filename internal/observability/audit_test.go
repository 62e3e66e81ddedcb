package observability

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	block  chan struct{}
}

func (s *recordingSink) Emit(_ context.Context, e Event) {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, 16)

	for i := 0; i < 5; i++ {
		d.Emit(Event{Name: "session.created", At: time.Now(), SessionID: string(rune('a' + i))})
	}
	d.Close()

	if got := sink.count(); got != 5 {
		t.Fatalf("delivered = %d, want 5", got)
	}
	for i, e := range sink.events {
		if e.SessionID != string(rune('a'+i)) {
			t.Fatalf("event %d out of order: %q", i, e.SessionID)
		}
	}
}

func TestDispatcherNeverBlocksCaller(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	d := NewDispatcher(sink, 2)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			d.Emit(Event{Name: "session.created"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a slow sink")
	}
	if d.Dropped() == 0 {
		t.Fatal("expected drops with a full buffer")
	}
	close(sink.block)
	d.Close()
}

func TestDispatcherDrainsOnClose(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, 64)
	for i := 0; i < 10; i++ {
		d.Emit(Event{Name: "session.revoked"})
	}
	d.Close()
	if got := sink.count(); got != 10 {
		t.Fatalf("delivered = %d, want 10", got)
	}
}

func TestNilDispatcherIsNoop(t *testing.T) {
	var d *Dispatcher
	d.Emit(Event{Name: "session.created"})
	d.Close()
	if d.Dropped() != 0 {
		t.Fatal("nil dispatcher reported drops")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	d := NewDispatcher(&recordingSink{}, 4)
	d.Close()
	d.Close()
}
