package localstore

import (
	"context"
	"errors"
)

// ErrNotifyUnsupported is returned by Notifier implementations that cannot
// deliver change events. New reports it as ErrEnvironmentUnsupported.
var ErrNotifyUnsupported = errors.New("localstore: change notifications are not supported")

// Storage is a key to text mapping shared by every context of an origin.
// Implementations must be safe for concurrent use.
type Storage interface {
	// GetItem returns the text stored under key.
	// ok is false if the key is absent.
	GetItem(ctx context.Context, key string) (value string, ok bool, err error)

	// SetItem stores value under key, replacing any previous value.
	SetItem(ctx context.Context, key, value string) error
}

// Notifier delivers change events for writes made by other contexts.
type Notifier interface {
	// Subscribe registers handler for change events. Events are delivered
	// one at a time. The returned function removes the handler and must be
	// safe to call more than once.
	Subscribe(handler func(StorageEvent)) (unsubscribe func(), err error)
}

// Backend is a Storage that also delivers change notifications.
type Backend interface {
	Storage
	Notifier
}

// StorageEvent describes a change made to an entry by another context.
type StorageEvent struct {
	// Key is the entry that changed.
	Key string `json:"key"`

	// OldValue is the text before the change, empty if unknown or absent.
	OldValue string `json:"oldValue,omitempty"`

	// NewValue is the text after the change, empty if the entry was removed.
	NewValue string `json:"newValue,omitempty"`
}
