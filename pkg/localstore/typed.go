package localstore

import (
	"context"
	"encoding/json"
)

// Typed is a view of a Store that decodes the mirror into T.
type Typed[T any] struct {
	store *Store
}

// NewTyped returns a typed view of s.
func NewTyped[T any](s *Store) *Typed[T] {
	return &Typed[T]{store: s}
}

// Store returns the underlying store.
func (t *Typed[T]) Store() *Store {
	return t.store
}

// Value decodes the current mirror. It returns the zero T if the mirror
// does not decode into T.
func (t *Typed[T]) Value() T {
	return decodeAs[T](t.store.Get())
}

// Update shallow-merges partial into the entry. See Store.Update.
func (t *Typed[T]) Update(partial any) error {
	return t.store.Update(partial)
}

// UpdateContext is Update with a context for the backend write.
func (t *Typed[T]) UpdateContext(ctx context.Context, partial any) error {
	return t.store.UpdateContext(ctx, partial)
}

// Reset resets the entry. See Store.Reset.
func (t *Typed[T]) Reset() error {
	return t.store.Reset()
}

// Subscribe registers fn to run with the decoded value after every change.
func (t *Typed[T]) Subscribe(fn func(T)) (cancel func()) {
	return t.store.Subscribe(func(o Object) {
		fn(decodeAs[T](o))
	})
}

func decodeAs[T any](o Object) T {
	var zero T
	data, err := json.Marshal(o)
	if err != nil {
		return zero
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return zero
	}
	return v
}
