package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/vango-dev/localstore/pkg/localstore"
)

type recorder struct {
	mu     sync.Mutex
	events []localstore.StorageEvent
}

func (r *recorder) handle(ev localstore.StorageEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) all() []localstore.StorageEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]localstore.StorageEvent(nil), r.events...)
}

func TestContextGetSet(t *testing.T) {
	ctx := context.Background()
	origin := NewOrigin()
	defer origin.Close()

	c := origin.NewContext()

	if _, ok, err := c.GetItem(ctx, "missing"); err != nil || ok {
		t.Fatalf("GetItem(missing) = ok=%v err=%v, want absent", ok, err)
	}

	if err := c.SetItem(ctx, "k", `{"a":1}`); err != nil {
		t.Fatalf("SetItem: %v", err)
	}
	v, ok, err := c.GetItem(ctx, "k")
	if err != nil || !ok || v != `{"a":1}` {
		t.Errorf("GetItem = (%q, %v, %v), want stored value", v, ok, err)
	}

	other := origin.NewContext()
	v, ok, _ = other.GetItem(ctx, "k")
	if !ok || v != `{"a":1}` {
		t.Errorf("other context GetItem = %q, want shared value", v)
	}
}

func TestWriterDoesNotSeeOwnEvents(t *testing.T) {
	ctx := context.Background()
	origin := NewOrigin()
	defer origin.Close()

	a := origin.NewContext()
	b := origin.NewContext()

	var ra, rb recorder
	if _, err := a.Subscribe(ra.handle); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Subscribe(rb.handle); err != nil {
		t.Fatal(err)
	}

	a.SetItem(ctx, "k", "v1")
	a.SetItem(ctx, "k", "v2")
	origin.Sync()

	if got := ra.all(); len(got) != 0 {
		t.Errorf("writer received %d events, want 0", len(got))
	}

	got := rb.all()
	if len(got) != 2 {
		t.Fatalf("other context received %d events, want 2", len(got))
	}
	if got[0].NewValue != "v1" || got[0].OldValue != "" {
		t.Errorf("first event = %+v", got[0])
	}
	if got[1].NewValue != "v2" || got[1].OldValue != "v1" {
		t.Errorf("second event = %+v", got[1])
	}
}

func TestOriginSetNotifiesAllContexts(t *testing.T) {
	origin := NewOrigin()
	defer origin.Close()

	var r1, r2 recorder
	origin.NewContext().Subscribe(r1.handle)
	origin.NewContext().Subscribe(r2.handle)

	origin.SetItem(context.Background(), "k", "v")
	origin.Sync()

	if len(r1.all()) != 1 || len(r2.all()) != 1 {
		t.Errorf("events = %d, %d, want 1, 1", len(r1.all()), len(r2.all()))
	}
}

func TestDispatch(t *testing.T) {
	origin := NewOrigin()
	defer origin.Close()

	var r recorder
	origin.NewContext().Subscribe(r.handle)

	origin.Dispatch(localstore.StorageEvent{Key: "k", NewValue: "x"})
	origin.Sync()

	got := r.all()
	if len(got) != 1 || got[0].NewValue != "x" {
		t.Errorf("events = %+v", got)
	}
	if _, ok := origin.Snapshot()["k"]; ok {
		t.Error("Dispatch should not change entries")
	}
}

func TestUnsubscribe(t *testing.T) {
	origin := NewOrigin()
	defer origin.Close()

	var r recorder
	c := origin.NewContext()
	unsubscribe, _ := c.Subscribe(r.handle)
	unsubscribe()
	unsubscribe()

	origin.SetItem(context.Background(), "k", "v")
	origin.Sync()

	if len(r.all()) != 0 {
		t.Errorf("unsubscribed handler received events")
	}
}

func TestContextClose(t *testing.T) {
	ctx := context.Background()
	origin := NewOrigin()
	defer origin.Close()

	c := origin.NewContext()
	c.Close()
	c.Close()

	if err := c.SetItem(ctx, "k", "v"); err != ErrClosed {
		t.Errorf("SetItem after Close = %v, want ErrClosed", err)
	}
	if _, err := c.Subscribe(func(localstore.StorageEvent) {}); err != ErrClosed {
		t.Errorf("Subscribe after Close = %v, want ErrClosed", err)
	}

	// Closed contexts no longer count toward Sync.
	origin.SetItem(ctx, "k", "v")
	origin.Sync()
}

func TestCanceledContext(t *testing.T) {
	origin := NewOrigin()
	defer origin.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := origin.NewContext().SetItem(ctx, "k", "v"); err == nil {
		t.Error("SetItem with canceled context should fail")
	}
}
