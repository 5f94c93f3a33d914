// Package remote is a localstore backend that talks to a hub over HTTP and
// WebSocket. Each Backend value is one context: its writes are tagged with
// its source ID and the hub does not echo them back.
//
//	backend, err := remote.New("http://localhost:7070")
//	if err != nil {
//	    return err
//	}
//	defer backend.Close()
//
//	store, err := localstore.New(ctx, backend, localstore.Options{Key: "settings"})
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	errs "github.com/vango-dev/localstore/internal/errors"
	"github.com/vango-dev/localstore/pkg/hub"
	"github.com/vango-dev/localstore/pkg/localstore"
)

const (
	// DefaultHandshakeTimeout bounds the watch dial and the wait for the
	// hub's ready frame.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultReconnectInterval is the first wait before redialing a
	// dropped watch stream. Later waits grow up to maxReconnectInterval.
	DefaultReconnectInterval = 100 * time.Millisecond

	maxReconnectInterval = 10 * time.Second
)

// ErrClosed is returned by operations on a closed backend.
var ErrClosed = errors.New("remote: backend is closed")

// Option configures a Backend.
type Option func(*config)

type config struct {
	httpClient        *http.Client
	dialer            *websocket.Dialer
	source            string
	handshakeTimeout  time.Duration
	reconnectInterval time.Duration
	logger            *slog.Logger
}

// WithHTTPClient sets the client for entry requests. Default: http.DefaultClient.
func WithHTTPClient(c *http.Client) Option {
	return func(cfg *config) {
		cfg.httpClient = c
	}
}

// WithDialer sets the WebSocket dialer. Default: websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(cfg *config) {
		cfg.dialer = d
	}
}

// WithSource sets the context ID. Default: a random UUID.
func WithSource(id string) Option {
	return func(cfg *config) {
		cfg.source = id
	}
}

// WithHandshakeTimeout sets the watch handshake timeout.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(cfg *config) {
		cfg.handshakeTimeout = d
	}
}

// WithReconnectInterval sets the first wait before redialing a dropped
// watch stream. Default: DefaultReconnectInterval.
func WithReconnectInterval(d time.Duration) Option {
	return func(cfg *config) {
		cfg.reconnectInterval = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cfg *config) {
		cfg.logger = l
	}
}

// Backend is a hub client.
type Backend struct {
	base   *url.URL
	config config
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	known  map[string]string
	closed bool
}

// subscription is one watch stream. It survives reconnects: conn is
// replaced each time the stream is redialed.
type subscription struct {
	handler func(localstore.StorageEvent)
	done    chan struct{}
	once    sync.Once

	mu   sync.Mutex
	conn *websocket.Conn
	// seen is the last entry text delivered or written per key. After a
	// reconnect, keys whose entry differs are replayed to the handler.
	seen map[string]string
}

func (s *subscription) attach(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return false
	default:
	}
	s.conn = conn
	return true
}

func (s *subscription) setSeen(key, value string, overwrite bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[key]; !ok || overwrite {
		s.seen[key] = value
	}
}

func (s *subscription) updateSeen(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[key]; ok {
		s.seen[key] = value
	}
}

func (s *subscription) seenSnapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.seen))
	for k, v := range s.seen {
		out[k] = v
	}
	return out
}

var _ localstore.Backend = (*Backend)(nil)

// New creates a client of the hub at baseURL.
func New(baseURL string, opts ...Option) (*Backend, error) {
	base, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, errs.New("LS200").WithDetail(fmt.Sprintf("Invalid hub URL %q.", baseURL)).Wrap(err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, errs.New("LS200").
			WithDetail(fmt.Sprintf("Hub URL %q must use http or https.", baseURL))
	}

	cfg := config{
		httpClient:        http.DefaultClient,
		dialer:            websocket.DefaultDialer,
		handshakeTimeout:  DefaultHandshakeTimeout,
		reconnectInterval: DefaultReconnectInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.source == "" {
		cfg.source = uuid.NewString()
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	return &Backend{
		base:   base,
		config: cfg,
		logger: cfg.logger.With("component", "remote-backend", "source", cfg.source),
		subs:   make(map[*subscription]struct{}),
		known:  make(map[string]string),
	}, nil
}

// Source returns the context ID sent with every write.
func (b *Backend) Source() string {
	return b.config.source
}

func (b *Backend) entryURL(key string) string {
	u := *b.base
	u.Path += hub.PathEntry
	u.RawQuery = url.Values{"key": {key}}.Encode()
	return u.String()
}

func (b *Backend) watchURL() string {
	u := *b.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path += hub.PathWatch
	u.RawQuery = url.Values{"source": {b.config.source}}.Encode()
	return u.String()
}

// GetItem fetches the entry for key.
func (b *Backend) GetItem(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := b.fetch(ctx, key)
	if err == nil {
		b.remember(key, v, false)
	}
	return v, ok, err
}

func (b *Backend) fetch(ctx context.Context, key string) (string, bool, error) {
	if b.isClosed() {
		return "", false, ErrClosed
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.entryURL(key), nil)
	if err != nil {
		return "", false, err
	}
	resp, err := b.config.httpClient.Do(req)
	if err != nil {
		return "", false, errs.New("LS200").WithKey(key).Wrap(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", false, errs.New("LS200").WithKey(key).Wrap(err)
		}
		return string(data), true, nil
	case http.StatusNotFound:
		return "", false, nil
	default:
		return "", false, statusError(resp, key)
	}
}

// SetItem stores value for key through the hub.
func (b *Backend) SetItem(ctx context.Context, key, value string) error {
	if b.isClosed() {
		return ErrClosed
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, b.entryURL(key), strings.NewReader(value))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(hub.HeaderSource, b.config.source)

	resp, err := b.config.httpClient.Do(req)
	if err != nil {
		return errs.New("LS200").WithKey(key).Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return statusError(resp, key)
	}
	b.remember(key, value, true)
	return nil
}

// remember records value as this context's view of key. Reads only seed
// keys a subscription has not seen yet; writes always replace.
func (b *Backend) remember(key, value string, overwrite bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.known[key] = value
	for s := range b.subs {
		s.setSeen(key, value, overwrite)
	}
}

// Subscribe opens a watch stream. It returns once the hub has registered
// the stream, so every later write by another context is delivered.
//
// A dropped stream is redialed with backoff until unsubscribe or Close.
// Once it is back, entries read or written through this backend are
// fetched again and any that changed meanwhile are delivered as events.
func (b *Backend) Subscribe(handler func(localstore.StorageEvent)) (func(), error) {
	if b.isClosed() {
		return nil, ErrClosed
	}

	conn, err := b.dial()
	if err != nil {
		return nil, err
	}

	sub := &subscription{
		handler: handler,
		done:    make(chan struct{}),
		conn:    conn,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close()
		return nil, ErrClosed
	}
	sub.seen = make(map[string]string, len(b.known))
	for k, v := range b.known {
		sub.seen[k] = v
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go b.readLoop(sub, conn)

	return func() { b.stop(sub) }, nil
}

// dial opens a watch connection and waits for the ready frame.
func (b *Backend) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.config.handshakeTimeout)
	defer cancel()

	conn, resp, err := b.config.dialer.DialContext(ctx, b.watchURL(), nil)
	if err != nil {
		e := errs.New("LS201").Wrap(err)
		if resp != nil {
			e = e.WithDetail(fmt.Sprintf("The hub answered %s.", resp.Status))
		}
		return nil, e
	}

	conn.SetReadDeadline(time.Now().Add(b.config.handshakeTimeout))
	var ready hub.Frame
	if err := conn.ReadJSON(&ready); err != nil {
		conn.Close()
		return nil, errs.New("LS201").Wrap(err)
	}
	if ready.Type != hub.FrameReady {
		conn.Close()
		return nil, errs.New("LS202").
			WithDetail(fmt.Sprintf("Expected a %q frame, got %q.", hub.FrameReady, ready.Type))
	}
	conn.SetReadDeadline(time.Time{})
	return conn, nil
}

// Close ends all watch streams.
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
		sub.mu.Lock()
		close(sub.done)
		conn := sub.conn
		sub.mu.Unlock()

		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()

		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
	})
}

func (b *Backend) stopped(sub *subscription) bool {
	select {
	case <-sub.done:
		return true
	default:
		return false
	}
}

func (b *Backend) readLoop(sub *subscription, conn *websocket.Conn) {
	for {
		err := b.readFrames(sub, conn)
		if b.stopped(sub) {
			return
		}
		b.logger.Warn("watch stream ended, reconnecting", "error", err)

		conn = b.reconnect(sub)
		if conn == nil {
			return
		}
		b.resync(sub)
	}
}

func (b *Backend) readFrames(sub *subscription, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var f hub.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			b.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}
		if f.Type != hub.FrameChange || f.Source == b.config.source {
			continue
		}
		sub.updateSeen(f.Key, f.NewValue)
		sub.handler(localstore.StorageEvent{Key: f.Key, OldValue: f.OldValue, NewValue: f.NewValue})
	}
}

// reconnect redials until it succeeds or sub is stopped, in which case
// it returns nil.
func (b *Backend) reconnect(sub *subscription) *websocket.Conn {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.config.reconnectInterval
	bo.MaxInterval = maxReconnectInterval
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		select {
		case <-sub.done:
			return nil
		case <-time.After(bo.NextBackOff()):
		}

		conn, err := b.dial()
		if err != nil {
			b.logger.Debug("watch redial failed", "error", err)
			continue
		}
		if !sub.attach(conn) {
			conn.Close()
			return nil
		}
		b.logger.Info("watch stream restored")
		return conn
	}
}

// resync delivers entries that changed while the stream was down.
func (b *Backend) resync(sub *subscription) {
	for key, last := range sub.seenSnapshot() {
		ctx, cancel := context.WithTimeout(context.Background(), b.config.handshakeTimeout)
		v, ok, err := b.fetch(ctx, key)
		cancel()
		if err != nil {
			b.logger.Warn("resync read failed", "key", key, "error", err)
			continue
		}
		if !ok || v == last || b.stopped(sub) {
			continue
		}
		sub.updateSeen(key, v)
		sub.handler(localstore.StorageEvent{Key: key, OldValue: last, NewValue: v})
	}
}

func statusError(resp *http.Response, key string) error {
	var body hub.ErrorBody
	json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)

	detail := fmt.Sprintf("%s %s returned %s.", resp.Request.Method, resp.Request.URL.Path, resp.Status)
	if body.Code != "" {
		detail = fmt.Sprintf("%s Hub error %s: %s.", detail, body.Code, body.Message)
	}
	return errs.New("LS200").WithKey(key).WithDetail(detail)
}
