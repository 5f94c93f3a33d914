package redis

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/vango-dev/localstore/pkg/localstore"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func waitEvent(t *testing.T, ch <-chan localstore.StorageEvent) localstore.StorageEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change event")
		return localstore.StorageEvent{}
	}
}

func TestGetSet(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestClient(t)
	b := New(client)
	defer b.Close()

	if _, ok, err := b.GetItem(ctx, "missing"); err != nil || ok {
		t.Fatalf("GetItem(missing) = ok=%v err=%v", ok, err)
	}

	if err := b.SetItem(ctx, "k", `{"a":1}`); err != nil {
		t.Fatalf("SetItem: %v", err)
	}
	v, ok, err := b.GetItem(ctx, "k")
	if err != nil || !ok || v != `{"a":1}` {
		t.Errorf("GetItem = (%q, %v, %v)", v, ok, err)
	}

	raw, err := mr.Get(DefaultPrefix + "k")
	if err != nil || raw != `{"a":1}` {
		t.Errorf("stored key = %q, %v; want prefixed key", raw, err)
	}
}

func TestPrefixOption(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestClient(t)
	b := New(client, WithPrefix("app:"), WithChannel("app:events"))
	defer b.Close()

	b.SetItem(ctx, "k", "v")
	if !mr.Exists("app:k") {
		t.Error("expected key app:k")
	}
}

func TestAnnouncements(t *testing.T) {
	ctx := context.Background()
	_, client := newTestClient(t)

	writer := New(client)
	defer writer.Close()
	reader := New(client)
	defer reader.Close()

	own := make(chan localstore.StorageEvent, 4)
	if _, err := writer.Subscribe(func(ev localstore.StorageEvent) { own <- ev }); err != nil {
		t.Fatal(err)
	}
	events := make(chan localstore.StorageEvent, 4)
	if _, err := reader.Subscribe(func(ev localstore.StorageEvent) { events <- ev }); err != nil {
		t.Fatal(err)
	}

	writer.SetItem(ctx, "k", "v1")
	writer.SetItem(ctx, "k", "v2")

	ev := waitEvent(t, events)
	if ev.Key != "k" || ev.OldValue != "" || ev.NewValue != "v1" {
		t.Errorf("first event = %+v", ev)
	}
	ev = waitEvent(t, events)
	if ev.OldValue != "v1" || ev.NewValue != "v2" {
		t.Errorf("second event = %+v", ev)
	}

	select {
	case ev := <-own:
		t.Errorf("writer received its own write: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeAndClose(t *testing.T) {
	_, client := newTestClient(t)
	b := New(client)

	unsubscribe, err := b.Subscribe(func(localstore.StorageEvent) {})
	if err != nil {
		t.Fatal(err)
	}
	unsubscribe()
	unsubscribe()

	b.Close()
	b.Close()

	if err := b.SetItem(context.Background(), "k", "v"); err != ErrClosed {
		t.Errorf("SetItem after Close = %v, want ErrClosed", err)
	}
	if _, err := b.Subscribe(func(localstore.StorageEvent) {}); err != ErrClosed {
		t.Errorf("Subscribe after Close = %v, want ErrClosed", err)
	}
}

func TestStoresShareThroughRedis(t *testing.T) {
	ctx := context.Background()
	_, client := newTestClient(t)

	a, err := localstore.New(ctx, New(client), localstore.Options{Key: "test", DefaultValue: map[string]any{"foo": "bar"}})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := localstore.New(ctx, New(client), localstore.Options{Key: "test", DefaultValue: map[string]any{"foo": "bar"}})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	changed := make(chan localstore.Object, 1)
	b.Subscribe(func(o localstore.Object) { changed <- o })

	a.Update(map[string]any{"foo": "baz"})

	select {
	case o := <-changed:
		if o["foo"] != "baz" {
			t.Errorf("b observed %v", o)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("b did not observe a's write")
	}
}

func TestConcurrentWritesAnnounceInCommitOrder(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestClient(t)

	reader := New(client)
	defer reader.Close()
	events := make(chan localstore.StorageEvent, 64)
	if _, err := reader.Subscribe(func(ev localstore.StorageEvent) { events <- ev }); err != nil {
		t.Fatal(err)
	}

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		w := New(client)
		defer w.Close()
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := w.SetItem(ctx, "k", fmt.Sprintf(`{"w":%d}`, i)); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	prev := ""
	for i := 0; i < writers; i++ {
		ev := waitEvent(t, events)
		if ev.OldValue != prev {
			t.Fatalf("event %d old value = %q, want %q (previous new value)", i, ev.OldValue, prev)
		}
		prev = ev.NewValue
	}

	stored, err := mr.Get(DefaultPrefix + "k")
	if err != nil {
		t.Fatal(err)
	}
	if prev != stored {
		t.Errorf("last announced value = %q, stored = %q", prev, stored)
	}
}

func TestCloseDuringSubscribe(t *testing.T) {
	_, client := newTestClient(t)

	for i := 0; i < 20; i++ {
		b := New(client)

		done := make(chan struct{})
		go func() {
			defer close(done)
			b.Subscribe(func(localstore.StorageEvent) {})
		}()
		b.Close()
		<-done

		b.mu.Lock()
		n := len(b.subs)
		b.mu.Unlock()
		if n != 0 {
			t.Fatalf("iteration %d: %d subscriptions outlived Close", i, n)
		}
	}
}
