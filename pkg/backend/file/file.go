// Package file provides a directory-backed localstore backend.
//
// Each entry is one file in the directory. Several processes on the same
// host pointing at the same directory share entries, and each sees the
// others' writes as change events:
//
//	backend, err := file.New("/var/lib/myapp/localstore", file.WithPollInterval(100*time.Millisecond))
//	if err != nil {
//	    return err
//	}
//	defer backend.Close()
//
//	store, err := localstore.New(ctx, backend, localstore.Options{Key: "settings"})
//
// Changes are detected by polling. Writes replace files atomically through a
// rename, so readers never observe partial text.
package file

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vango-dev/localstore/pkg/localstore"
)

const entrySuffix = ".entry"

// DefaultPollInterval is how often the directory is scanned for changes.
const DefaultPollInterval = 250 * time.Millisecond

// ErrClosed is returned by operations on a closed backend.
var ErrClosed = errors.New("file: backend is closed")

// Option configures a Backend.
type Option func(*config)

type config struct {
	pollInterval time.Duration
	logger       *slog.Logger
}

// WithPollInterval sets how often the directory is scanned.
// Default: 250ms.
func WithPollInterval(d time.Duration) Option {
	return func(c *config) {
		c.pollInterval = d
	}
}

// WithLogger sets the logger for scan errors.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// Backend stores entries as files in one directory.
type Backend struct {
	dir    string
	config config
	logger *slog.Logger

	mu       sync.Mutex
	seen     map[string]string // file name -> last known text
	handlers map[uint64]func(localstore.StorageEvent)
	nextID   uint64
	running  bool
	closed   bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

var _ localstore.Backend = (*Backend)(nil)

// New creates a backend rooted at dir, creating the directory if needed.
func New(dir string, opts ...Option) (*Backend, error) {
	cfg := config{pollInterval: DefaultPollInterval}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.pollInterval <= 0 {
		cfg.pollInterval = DefaultPollInterval
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	return &Backend{
		dir:      dir,
		config:   cfg,
		logger:   cfg.logger.With("component", "file-backend", "dir", dir),
		seen:     make(map[string]string),
		handlers: make(map[uint64]func(localstore.StorageEvent)),
	}, nil
}

// Dir returns the backing directory.
func (b *Backend) Dir() string {
	return b.dir
}

// GetItem reads the entry file for key.
func (b *Backend) GetItem(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	data, err := os.ReadFile(b.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return string(data), true, nil
}

// SetItem atomically replaces the entry file for key.
func (b *Backend) SetItem(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	tmp, err := os.CreateTemp(b.dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, b.path(key)); err != nil {
		os.Remove(tmpName)
		return err
	}

	// Own writes are recorded so the poller does not report them.
	b.seen[fileName(key)] = value
	return nil
}

// Subscribe registers handler and starts the poller on first use.
func (b *Backend) Subscribe(handler func(localstore.StorageEvent)) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	start := !b.running
	if start {
		b.running = true
		b.stopCh = make(chan struct{})
	}
	b.mu.Unlock()

	if start {
		b.scanInitial()
		b.wg.Add(1)
		go b.pollLoop(b.stopCh)
	}

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}, nil
}

// Close stops the poller.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	if b.running {
		close(b.stopCh)
		b.running = false
	}
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

func (b *Backend) path(key string) string {
	return filepath.Join(b.dir, fileName(key))
}

func fileName(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key)) + entrySuffix
}

func keyFromFileName(name string) (string, bool) {
	if !strings.HasSuffix(name, entrySuffix) {
		return "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(name, entrySuffix))
	if err != nil {
		return "", false
	}
	return string(raw), true
}

func (b *Backend) pollLoop(stopCh chan struct{}) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.config.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			for _, ev := range b.checkForChanges() {
				b.deliver(ev)
			}
		}
	}
}

// scanInitial records the current directory contents without reporting them.
func (b *Backend) scanInitial() {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		b.logger.Warn("initial scan failed", "error", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range entries {
		if _, ok := keyFromFileName(e.Name()); !ok || e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(b.dir, e.Name()))
		if err != nil {
			continue
		}
		if _, known := b.seen[e.Name()]; !known {
			b.seen[e.Name()] = string(data)
		}
	}
}

// checkForChanges scans the directory and returns events for entries whose
// text differs from what this backend last saw.
func (b *Backend) checkForChanges() []localstore.StorageEvent {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		b.logger.Warn("scan failed", "error", err)
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var events []localstore.StorageEvent
	present := make(map[string]bool, len(entries))

	for _, e := range entries {
		key, ok := keyFromFileName(e.Name())
		if !ok || e.IsDir() {
			continue
		}
		present[e.Name()] = true

		data, err := os.ReadFile(filepath.Join(b.dir, e.Name()))
		if err != nil {
			continue
		}
		text := string(data)
		old := b.seen[e.Name()]
		if old == text {
			continue
		}
		b.seen[e.Name()] = text
		events = append(events, localstore.StorageEvent{Key: key, OldValue: old, NewValue: text})
	}

	for name, old := range b.seen {
		if present[name] {
			continue
		}
		delete(b.seen, name)
		if key, ok := keyFromFileName(name); ok {
			events = append(events, localstore.StorageEvent{Key: key, OldValue: old})
		}
	}

	return events
}

func (b *Backend) deliver(ev localstore.StorageEvent) {
	b.mu.Lock()
	handlers := make([]func(localstore.StorageEvent), 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}
