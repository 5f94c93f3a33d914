package memory

import (
	"context"
	"sync"

	"github.com/vango-dev/localstore/pkg/localstore"
)

// Context is one participant of an Origin. It implements localstore.Backend.
type Context struct {
	origin *Origin
	id     string

	mu       sync.Mutex
	cond     *sync.Cond
	handlers map[uint64]func(localstore.StorageEvent)
	nextID   uint64
	queue    []localstore.StorageEvent
	closed   bool
}

var _ localstore.Backend = (*Context)(nil)

// ID returns the unique context identifier.
func (c *Context) ID() string {
	return c.id
}

// GetItem returns the text stored under key.
func (c *Context) GetItem(ctx context.Context, key string) (string, bool, error) {
	if c.isClosed() {
		return "", false, ErrClosed
	}
	return c.origin.GetItem(ctx, key)
}

// SetItem stores value and announces the change to the other contexts.
func (c *Context) SetItem(ctx context.Context, key, value string) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.origin.set(key, value, c)
	return nil
}

// Subscribe registers handler for events from other contexts.
func (c *Context) Subscribe(handler func(localstore.StorageEvent)) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	id := c.nextID
	c.nextID++
	c.handlers[id] = handler

	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}, nil
}

// Close detaches the context from its origin and drops queued events.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	dropped := len(c.queue)
	c.queue = nil
	c.handlers = make(map[uint64]func(localstore.StorageEvent))
	c.cond.Broadcast()
	c.mu.Unlock()

	c.origin.detach(c)
	if dropped > 0 {
		c.origin.addPending(-dropped)
	}
	return nil
}

func (c *Context) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Context) enqueue(ev localstore.StorageEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.queue = append(c.queue, ev)
	c.origin.addPending(1)
	c.cond.Signal()
}

// dispatchLoop delivers queued events one at a time until the context closes.
func (c *Context) dispatchLoop() {
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.cond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}
		ev := c.queue[0]
		c.queue = c.queue[1:]
		handlers := make([]func(localstore.StorageEvent), 0, len(c.handlers))
		for _, h := range c.handlers {
			handlers = append(handlers, h)
		}
		c.mu.Unlock()

		for _, h := range handlers {
			h(ev)
		}
		c.origin.addPending(-1)
	}
}
