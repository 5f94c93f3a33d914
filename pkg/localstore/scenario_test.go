package localstore_test

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	"github.com/vango-dev/localstore/pkg/backend/memory"
	"github.com/vango-dev/localstore/pkg/localstore"
)

func open(t *testing.T, origin *memory.Origin, opts localstore.Options) *localstore.Store {
	t.Helper()
	c := origin.NewContext()
	s, err := localstore.New(context.Background(), c, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
		c.Close()
	})
	return s
}

func TestSynchronizesAcrossContexts(t *testing.T) {
	origin := memory.NewOrigin()
	defer origin.Close()

	opts := localstore.Options{Key: "test", DefaultValue: map[string]any{"foo": "bar"}}
	window1 := open(t, origin, opts)
	window2 := open(t, origin, opts)
	origin.Sync()

	if err := window1.Update(map[string]any{"foo": "baz"}); err != nil {
		t.Fatal(err)
	}
	origin.Sync()

	if got := window2.Get(); !reflect.DeepEqual(got, localstore.Object{"foo": "baz"}) {
		t.Errorf("window2 = %v, want foo=baz", got)
	}

	if err := window2.Update(map[string]any{"foo": "bazz"}); err != nil {
		t.Fatal(err)
	}
	origin.Sync()

	if got := window1.Get(); !reflect.DeepEqual(got, localstore.Object{"foo": "bazz"}) {
		t.Errorf("window1 = %v, want foo=bazz", got)
	}
}

func TestExternalEventThenResetWithoutDefault(t *testing.T) {
	origin := memory.NewOrigin()
	defer origin.Close()

	s := open(t, origin, localstore.Options{Key: "test"})

	origin.Dispatch(localstore.StorageEvent{Key: "test", NewValue: `{"foo":"baz"}`})
	origin.Sync()

	if err := s.Reset(); err != nil {
		t.Fatal(err)
	}
	if got := s.Get(); !reflect.DeepEqual(got, localstore.Object{"foo": "baz"}) {
		t.Errorf("Get = %v, want foo=baz", got)
	}
	if got := origin.Snapshot()["test"]; got != `{"foo":"baz"}` {
		t.Errorf("entry = %q, want the mirror written back", got)
	}
}

func TestDifferentKeysAreIndependent(t *testing.T) {
	origin := memory.NewOrigin()
	defer origin.Close()

	a := open(t, origin, localstore.Options{Key: "a"})
	b := open(t, origin, localstore.Options{Key: "b"})

	a.Update(map[string]any{"x": 1})
	origin.Sync()

	if got := b.Get(); len(got) != 0 {
		t.Errorf("store for key b saw %v", got)
	}
}

func TestObserverSeesRemoteWrites(t *testing.T) {
	origin := memory.NewOrigin()
	defer origin.Close()

	a := open(t, origin, localstore.Options{Key: "k"})
	b := open(t, origin, localstore.Options{Key: "k"})

	changes := make(chan localstore.Object, 1)
	b.Subscribe(func(o localstore.Object) { changes <- o })

	a.Update(map[string]any{"n": 1})
	origin.Sync()

	select {
	case got := <-changes:
		if got["n"] != float64(1) {
			t.Errorf("observed %v", got)
		}
	default:
		t.Fatal("observer was not called")
	}
}

func ExampleStore() {
	origin := memory.NewOrigin()
	defer origin.Close()

	ctx := context.Background()
	store, err := localstore.New(ctx, origin.NewContext(), localstore.Options{
		Key:          "settings",
		DefaultValue: map[string]any{"theme": "light"},
	})
	if err != nil {
		panic(err)
	}
	defer store.Close()

	store.Update(map[string]any{"fontSize": 14})
	fmt.Println(store.Raw())

	store.Reset()
	fmt.Println(store.Get()["theme"], store.Get()["fontSize"])
	// Output:
	// {"fontSize":14,"theme":"light"}
	// light 14
}
