package localstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	errs "github.com/vango-dev/localstore/internal/errors"
)

// Options configures a Store.
type Options struct {
	// Key identifies the shared entry. Required.
	Key string

	// DefaultValue seeds an empty entry and is the target of Reset.
	// If set, it must encode to a JSON object.
	DefaultValue any

	// Logger receives debug output. Default: slog.Default().
	Logger *slog.Logger
}

// Store mirrors one entry of a Storage and keeps it in sync with writes
// from other contexts. It is safe for concurrent use.
type Store struct {
	key      string
	storage  Storage
	defaults Object
	logger   *slog.Logger

	mu     sync.Mutex
	raw    string
	mirror Object
	closed bool

	unsubscribe func()
	closeOnce   sync.Once

	obsMu     sync.Mutex
	observers map[uint64]func(Object)
	nextObsID uint64
}

// New creates a Store bound to opts.Key.
//
// storage must also implement Notifier; otherwise New fails with
// ErrEnvironmentUnsupported. If the entry is empty and a default value is
// given, the entry is seeded with it.
func New(ctx context.Context, storage Storage, opts Options) (*Store, error) {
	if storage == nil {
		return nil, errs.New("LS001").WithDetail("No storage backend was provided.")
	}
	notifier, ok := storage.(Notifier)
	if !ok {
		return nil, errs.New("LS001").
			WithDetail(fmt.Sprintf("%T does not deliver change notifications.", storage)).
			WithSuggestion("Put the storage behind a hub and use the remote backend")
	}

	if opts.Key == "" {
		return nil, errs.New("LS010")
	}

	var defaults Object
	if opts.DefaultValue != nil {
		d, err := toObject(opts.DefaultValue)
		if err != nil {
			return nil, errs.New("LS011").WithKey(opts.Key).Wrap(err)
		}
		defaults = d
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		key:       opts.Key,
		storage:   storage,
		defaults:  defaults,
		logger:    logger.With("component", "localstore", "key", opts.Key),
		observers: make(map[uint64]func(Object)),
	}

	raw, found, err := storage.GetItem(ctx, s.key)
	if err != nil {
		return nil, errs.New("LS030").WithKey(s.key).Wrap(err)
	}
	if !found || raw == "" {
		raw = "{}"
	}
	s.observe(raw)

	unsubscribe, err := notifier.Subscribe(s.handleEvent)
	if err != nil {
		if errors.Is(err, ErrNotifyUnsupported) {
			return nil, errs.New("LS001").WithKey(s.key).Wrap(err)
		}
		return nil, errs.New("LS032").WithKey(s.key).Wrap(err)
	}
	s.unsubscribe = unsubscribe

	if defaults != nil && len(s.mirror) == 0 {
		if err := s.write(ctx, defaults); err != nil {
			s.Close()
			return nil, err
		}
	}

	return s, nil
}

// Key returns the key the store is bound to.
func (s *Store) Key() string {
	return s.key
}

// Get returns a copy of the current mirror.
func (s *Store) Get() Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mirror.Clone()
}

// Raw returns the entry text the mirror was decoded from.
func (s *Store) Raw() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.raw
}

// Update shallow-merges partial into the mirror and writes the result.
func (s *Store) Update(partial any) error {
	return s.UpdateContext(context.Background(), partial)
}

// UpdateContext is Update with a context for the backend write.
//
// partial must encode to a JSON object. On a backend error neither the
// entry nor the mirror change.
func (s *Store) UpdateContext(ctx context.Context, partial any) error {
	obj, err := toObject(partial)
	if err != nil {
		if errors.Is(err, errCycle) {
			return errs.New("LS021").WithKey(s.key)
		}
		return errs.New("LS020").WithKey(s.key).Wrap(err)
	}
	return s.write(ctx, obj)
}

// Reset writes the default value. Without a default, a non-empty mirror is
// written back unchanged and an empty one is left alone.
func (s *Store) Reset() error {
	return s.ResetContext(context.Background())
}

// ResetContext is Reset with a context for the backend write.
func (s *Store) ResetContext(ctx context.Context) error {
	if s.defaults != nil {
		return s.write(ctx, s.defaults)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errs.New("LS040").WithKey(s.key)
	}
	current := s.mirror.Clone()
	s.mu.Unlock()

	if len(current) == 0 {
		return nil
	}
	return s.write(ctx, current)
}

// Subscribe registers fn to run after every mirror change, local or
// remote. fn receives a copy of the new mirror.
func (s *Store) Subscribe(fn func(Object)) (cancel func()) {
	s.obsMu.Lock()
	id := s.nextObsID
	s.nextObsID++
	s.observers[id] = fn
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

// Close stops listening for change events. The last mirror stays readable.
// Close is idempotent.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		if s.unsubscribe != nil {
			s.unsubscribe()
		}
	})
	return nil
}

// write merges partial into the mirror and persists the result.
func (s *Store) write(ctx context.Context, partial Object) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errs.New("LS040").WithKey(s.key)
	}

	text := stringify(merge(s.mirror, partial))
	if text == "" {
		s.mu.Unlock()
		s.logger.Debug("dropping unserializable write")
		return nil
	}

	if err := s.storage.SetItem(ctx, s.key, text); err != nil {
		s.mu.Unlock()
		return errs.New("LS031").WithKey(s.key).Wrap(err)
	}
	s.observe(text)
	snapshot := s.mirror.Clone()
	s.mu.Unlock()

	s.notify(snapshot)
	return nil
}

// handleEvent replaces the mirror with the value written by another context.
func (s *Store) handleEvent(ev StorageEvent) {
	if ev.Key != s.key || ev.NewValue == "" {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.observe(ev.NewValue)
	snapshot := s.mirror.Clone()
	s.mu.Unlock()

	s.logger.Debug("entry changed by another context")
	s.notify(snapshot)
}

// observe records raw as the latest entry text. Caller holds s.mu.
func (s *Store) observe(raw string) {
	mirror, ok := parse(raw)
	if !ok {
		s.logger.Debug("malformed entry text, using empty object")
	}
	s.raw = raw
	s.mirror = mirror
}

func (s *Store) notify(snapshot Object) {
	s.obsMu.Lock()
	fns := make([]func(Object), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.Unlock()

	for _, fn := range fns {
		fn(snapshot.Clone())
	}
}
