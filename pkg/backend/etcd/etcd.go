// Package etcd provides an etcd v3 localstore backend.
//
// Entries are stored under a key prefix and change events come from an etcd
// watch on that prefix. A Backend is one context: revisions it wrote itself
// are filtered out of its watch stream.
//
//	client, err := clientv3.New(clientv3.Config{Endpoints: []string{"localhost:2379"}})
//	if err != nil {
//	    return err
//	}
//	backend := etcd.New(client)
//	defer backend.Close()
package etcd

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	errs "github.com/vango-dev/localstore/internal/errors"
	"github.com/vango-dev/localstore/pkg/localstore"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	// DefaultPrefix is prepended to every entry key.
	DefaultPrefix = "/localstore/"

	// DefaultReconnectInterval is the first wait before a closed watch is
	// recreated. Later waits grow up to maxReconnectInterval.
	DefaultReconnectInterval = 50 * time.Millisecond

	maxReconnectInterval = 10 * time.Second

	// maxOwnRevisions bounds the set of remembered own write revisions.
	maxOwnRevisions = 1024
)

// ErrClosed is returned by operations on a closed backend.
var ErrClosed = errors.New("etcd: backend is closed")

// Option configures a Backend.
type Option func(*config)

type config struct {
	prefix            string
	reconnectInterval time.Duration
	logger            *slog.Logger
}

// WithPrefix sets the key prefix. Default: "/localstore/".
func WithPrefix(prefix string) Option {
	return func(c *config) {
		c.prefix = prefix
	}
}

// WithReconnectInterval sets the first wait before a closed watch is
// recreated. Default: DefaultReconnectInterval.
func WithReconnectInterval(d time.Duration) Option {
	return func(c *config) {
		c.reconnectInterval = d
	}
}

// WithLogger sets the logger for watch errors.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// Client is the part of *clientv3.Client the backend uses.
type Client interface {
	clientv3.KV
	clientv3.Watcher
}

// Backend is a localstore backend over an etcd client.
type Backend struct {
	client Client
	config config
	logger *slog.Logger

	mu       sync.Mutex
	own      map[int64]struct{}
	ownOrder []int64
	cancels  map[uint64]context.CancelFunc
	nextID   uint64
	closed   bool
	wg       sync.WaitGroup
}

var _ localstore.Backend = (*Backend)(nil)

// New creates a backend. The client is not closed by Backend.Close.
func New(client Client, opts ...Option) *Backend {
	cfg := config{prefix: DefaultPrefix, reconnectInterval: DefaultReconnectInterval}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	return &Backend{
		client:  client,
		config:  cfg,
		logger:  cfg.logger.With("component", "etcd-backend"),
		own:     make(map[int64]struct{}),
		cancels: make(map[uint64]context.CancelFunc),
	}
}

// GetItem reads the entry for key.
func (b *Backend) GetItem(ctx context.Context, key string) (string, bool, error) {
	if b.isClosed() {
		return "", false, ErrClosed
	}
	resp, err := b.client.Get(ctx, b.config.prefix+key)
	if err != nil {
		return "", false, err
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

// SetItem writes the entry and remembers the revision as its own.
func (b *Backend) SetItem(ctx context.Context, key, value string) error {
	if b.isClosed() {
		return ErrClosed
	}

	// The revision must be recorded before the watcher can check it.
	b.mu.Lock()
	defer b.mu.Unlock()

	resp, err := b.client.Put(ctx, b.config.prefix+key, value)
	if err != nil {
		return err
	}
	b.rememberLocked(resp.Header.Revision)
	return nil
}

func (b *Backend) rememberLocked(rev int64) {
	b.own[rev] = struct{}{}
	b.ownOrder = append(b.ownOrder, rev)
	if len(b.ownOrder) > maxOwnRevisions {
		delete(b.own, b.ownOrder[0])
		b.ownOrder = b.ownOrder[1:]
	}
}

func (b *Backend) isOwn(rev int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.own[rev]
	return ok
}

// Subscribe watches the prefix for changes made by other contexts.
//
// When etcd closes the watch, for example after losing its leader, the
// watch is recreated from the next unseen revision. If that revision was
// compacted away, the prefix is listed again and entries modified since
// are delivered as events.
func (b *Backend) Subscribe(handler func(localstore.StorageEvent)) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	ctx, cancel := context.WithCancel(clientv3.WithRequireLeader(context.Background()))
	id := b.nextID
	b.nextID++
	b.cancels[id] = cancel
	b.wg.Add(1)
	b.mu.Unlock()

	watch := b.watch(ctx, 0)

	// Wait until the watch is registered so no later write is missed.
	first, ok := <-watch
	if !ok || first.Err() != nil {
		b.mu.Lock()
		delete(b.cancels, id)
		b.mu.Unlock()
		cancel()
		b.wg.Done()
		if ok {
			return nil, first.Err()
		}
		return nil, errs.Newf(errs.CategoryStorage, "etcd watch closed before it was created")
	}
	go b.watchLoop(ctx, watch, first.Header.Revision+1, handler)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.cancels, id)
			b.mu.Unlock()
			cancel()
		})
	}, nil
}

// watch starts a prefix watch. rev 0 means from now.
func (b *Backend) watch(ctx context.Context, rev int64) clientv3.WatchChan {
	opts := []clientv3.OpOption{
		clientv3.WithPrefix(), clientv3.WithPrevKV(), clientv3.WithCreatedNotify(),
	}
	if rev > 0 {
		opts = append(opts, clientv3.WithRev(rev))
	}
	return b.client.Watch(ctx, b.config.prefix, opts...)
}

// Close cancels all watches.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for id, cancel := range b.cancels {
		cancel()
		delete(b.cancels, id)
	}
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

func (b *Backend) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Backend) watchLoop(ctx context.Context, watch clientv3.WatchChan, nextRev int64, handler func(localstore.StorageEvent)) {
	defer b.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.config.reconnectInterval
	bo.MaxInterval = maxReconnectInterval
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		for resp := range watch {
			if resp.CompactRevision != 0 {
				b.logger.Warn("watch revision compacted, listing again",
					"revision", nextRev, "compacted", resp.CompactRevision)
				rev, err := b.relist(ctx, nextRev, handler)
				if err != nil {
					b.logger.Warn("list after compaction failed", "error", err)
					continue
				}
				nextRev = rev
				continue
			}
			if err := resp.Err(); err != nil {
				b.logger.Warn("watch error", "error", err)
				continue
			}
			bo.Reset()
			if resp.Created {
				continue
			}
			for _, ev := range resp.Events {
				if ev.Kv == nil {
					continue
				}
				if b.isOwn(ev.Kv.ModRevision) {
					continue
				}
				handler(toStorageEvent(b.config.prefix, ev))
			}
			nextRev = resp.Header.Revision + 1
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
		b.logger.Info("recreating watch", "revision", nextRev)
		watch = b.watch(ctx, nextRev)
	}
}

// relist delivers every entry modified at or after since and returns the
// revision to watch from next.
func (b *Backend) relist(ctx context.Context, since int64, handler func(localstore.StorageEvent)) (int64, error) {
	resp, err := b.client.Get(ctx, b.config.prefix, clientv3.WithPrefix())
	if err != nil {
		return 0, err
	}
	for _, kv := range resp.Kvs {
		if kv.ModRevision < since || b.isOwn(kv.ModRevision) {
			continue
		}
		handler(localstore.StorageEvent{
			Key:      string(kv.Key[len(b.config.prefix):]),
			NewValue: string(kv.Value),
		})
	}
	return resp.Header.Revision + 1, nil
}

func toStorageEvent(prefix string, ev *clientv3.Event) localstore.StorageEvent {
	out := localstore.StorageEvent{Key: string(ev.Kv.Key[len(prefix):])}
	if ev.PrevKv != nil {
		out.OldValue = string(ev.PrevKv.Value)
	}
	if ev.Type == clientv3.EventTypePut {
		out.NewValue = string(ev.Kv.Value)
	}
	return out
}
