// Package memory provides an in-process localstore backend.
//
// An Origin holds the shared entries. Each Context created from it plays the
// part of one window: writes made through a context are announced to every
// other context of the same origin, never to the writer itself.
//
//	origin := memory.NewOrigin()
//	defer origin.Close()
//
//	a, _ := localstore.New(ctx, origin.NewContext(), localstore.Options{Key: "cart"})
//	b, _ := localstore.New(ctx, origin.NewContext(), localstore.Options{Key: "cart"})
//
//	a.Update(map[string]any{"items": 3})
//	origin.Sync()
//	b.Get() // {"items": 3}
//
// Events are delivered asynchronously, in order, on one goroutine per
// context. Sync blocks until every queued event has been handled.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/vango-dev/localstore/pkg/localstore"
)

// ErrClosed is returned by operations on a closed context.
var ErrClosed = errors.New("memory: context is closed")

// Origin is a set of entries shared by its contexts.
type Origin struct {
	mu       sync.RWMutex
	items    map[string]string
	contexts map[*Context]struct{}

	pendingMu   sync.Mutex
	pendingCond *sync.Cond
	pending     int
}

// NewOrigin creates an empty origin.
func NewOrigin() *Origin {
	o := &Origin{
		items:    make(map[string]string),
		contexts: make(map[*Context]struct{}),
	}
	o.pendingCond = sync.NewCond(&o.pendingMu)
	return o
}

// NewContext creates a context attached to the origin.
func (o *Origin) NewContext() *Context {
	c := &Context{
		origin:   o,
		id:       uuid.NewString(),
		handlers: make(map[uint64]func(localstore.StorageEvent)),
	}
	c.cond = sync.NewCond(&c.mu)

	o.mu.Lock()
	o.contexts[c] = struct{}{}
	o.mu.Unlock()

	go c.dispatchLoop()
	return c
}

// GetItem returns the text stored under key.
func (o *Origin) GetItem(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	v, ok := o.items[key]
	return v, ok, nil
}

// SetItem stores value and announces the change to every context.
func (o *Origin) SetItem(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.set(key, value, nil)
	return nil
}

// Dispatch delivers ev to every context without changing any entry.
func (o *Origin) Dispatch(ev localstore.StorageEvent) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for c := range o.contexts {
		c.enqueue(ev)
	}
}

// Sync blocks until every event queued so far has been handled.
func (o *Origin) Sync() {
	o.pendingMu.Lock()
	defer o.pendingMu.Unlock()
	for o.pending > 0 {
		o.pendingCond.Wait()
	}
}

// Snapshot returns a copy of all entries.
func (o *Origin) Snapshot() map[string]string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]string, len(o.items))
	for k, v := range o.items {
		out[k] = v
	}
	return out
}

// Close closes every context of the origin.
func (o *Origin) Close() error {
	o.mu.RLock()
	contexts := make([]*Context, 0, len(o.contexts))
	for c := range o.contexts {
		contexts = append(contexts, c)
	}
	o.mu.RUnlock()

	for _, c := range contexts {
		c.Close()
	}
	return nil
}

// set writes the entry and queues an event for every context except from.
// Events are queued under o.mu so every context sees writes in commit order.
func (o *Origin) set(key, value string, from *Context) {
	o.mu.Lock()
	defer o.mu.Unlock()

	old := o.items[key]
	o.items[key] = value

	ev := localstore.StorageEvent{Key: key, OldValue: old, NewValue: value}
	for c := range o.contexts {
		if c != from {
			c.enqueue(ev)
		}
	}
}

func (o *Origin) detach(c *Context) {
	o.mu.Lock()
	delete(o.contexts, c)
	o.mu.Unlock()
}

func (o *Origin) addPending(n int) {
	o.pendingMu.Lock()
	o.pending += n
	if o.pending <= 0 {
		o.pending = 0
		o.pendingCond.Broadcast()
	}
	o.pendingMu.Unlock()
}
