// Package redis provides a Redis-backed localstore backend.
//
// Entries are plain string keys. Every write is announced on a pub/sub
// channel together with the writer's context ID, so each Backend value acts
// as one context and ignores its own announcements.
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	backend := redis.New(client)
//	defer backend.Close()
//
//	store, err := localstore.New(ctx, backend, localstore.Options{Key: "settings"})
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/vango-dev/localstore/pkg/localstore"
)

const (
	// DefaultPrefix is prepended to every entry key.
	DefaultPrefix = "localstore:"

	// DefaultChannel carries change announcements.
	DefaultChannel = "localstore:events"
)

// ErrClosed is returned by operations on a closed backend.
var ErrClosed = errors.New("redis: backend is closed")

// setAndAnnounce swaps the entry and publishes the announcement in one
// script, so announcements reach subscribers in commit order.
//
// KEYS[1] entry key. ARGV: value, channel, store key, source.
var setAndAnnounce = goredis.NewScript(`
local old = redis.call('GETSET', KEYS[1], ARGV[1])
if not old then
	old = ''
end
redis.call('PUBLISH', ARGV[2], cjson.encode({
	key = ARGV[3],
	oldValue = old,
	newValue = ARGV[1],
	source = ARGV[4],
}))
return old
`)

// Option configures a Backend.
type Option func(*config)

type config struct {
	prefix  string
	channel string
	logger  *slog.Logger
}

// WithPrefix sets the key prefix. Default: "localstore:".
func WithPrefix(prefix string) Option {
	return func(c *config) {
		c.prefix = prefix
	}
}

// WithChannel sets the pub/sub channel. Default: "localstore:events".
func WithChannel(channel string) Option {
	return func(c *config) {
		c.channel = channel
	}
}

// WithLogger sets the logger for undecodable announcements.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// announcement is the pub/sub payload.
type announcement struct {
	Key      string `json:"key"`
	OldValue string `json:"oldValue,omitempty"`
	NewValue string `json:"newValue"`
	Source   string `json:"source"`
}

// Backend is a localstore backend over a Redis client.
type Backend struct {
	client goredis.UniversalClient
	config config
	id     string
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

type subscription struct {
	pubsub *goredis.PubSub
	cancel context.CancelFunc
	once   sync.Once
}

var _ localstore.Backend = (*Backend)(nil)

// New creates a backend. The client is not closed by Backend.Close, as it
// may be shared with other components.
func New(client goredis.UniversalClient, opts ...Option) *Backend {
	cfg := config{prefix: DefaultPrefix, channel: DefaultChannel}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	id := uuid.NewString()
	return &Backend{
		client: client,
		config: cfg,
		id:     id,
		logger: cfg.logger.With("component", "redis-backend", "source", id),
		subs:   make(map[*subscription]struct{}),
	}
}

// ID returns the context ID attached to this backend's announcements.
func (b *Backend) ID() string {
	return b.id
}

func (b *Backend) key(key string) string {
	return b.config.prefix + key
}

// GetItem reads the entry for key.
func (b *Backend) GetItem(ctx context.Context, key string) (string, bool, error) {
	if b.isClosed() {
		return "", false, ErrClosed
	}
	v, err := b.client.Get(ctx, b.key(key)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return v, true, nil
}

// SetItem writes the entry and announces the change atomically.
func (b *Backend) SetItem(ctx context.Context, key, value string) error {
	if b.isClosed() {
		return ErrClosed
	}
	return setAndAnnounce.Run(ctx, b.client,
		[]string{b.key(key)}, value, b.config.channel, key, b.id).Err()
}

// Subscribe listens on the announcement channel. It returns once the
// subscription is confirmed by the server.
func (b *Backend) Subscribe(handler func(localstore.StorageEvent)) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	pubsub := b.client.Subscribe(ctx, b.config.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		pubsub.Close()
		return nil, err
	}

	sub := &subscription{pubsub: pubsub, cancel: cancel}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		pubsub.Close()
		return nil, ErrClosed
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go b.receiveLoop(sub, handler)

	return func() { b.stop(sub) }, nil
}

// Close ends all subscriptions.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		b.stop(s)
	}
	return nil
}

func (b *Backend) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Backend) stop(sub *subscription) {
	sub.once.Do(func() {
		sub.cancel()
		sub.pubsub.Close()

		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
	})
}

func (b *Backend) receiveLoop(sub *subscription, handler func(localstore.StorageEvent)) {
	for msg := range sub.pubsub.Channel() {
		var a announcement
		if err := json.Unmarshal([]byte(msg.Payload), &a); err != nil {
			b.logger.Warn("dropping undecodable announcement", "error", err)
			continue
		}
		if a.Source == b.id {
			continue
		}
		handler(localstore.StorageEvent{Key: a.Key, OldValue: a.OldValue, NewValue: a.NewValue})
	}
}
