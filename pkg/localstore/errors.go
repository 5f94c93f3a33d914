package localstore

import (
	errs "github.com/vango-dev/localstore/internal/errors"
)

// Sentinels for errors.Is. Every error returned by a Store matches exactly
// one of them.
var (
	// ErrEnvironmentUnsupported means the backend is missing or cannot
	// deliver change notifications.
	ErrEnvironmentUnsupported error = errs.Sentinel(errs.CategoryEnvironment, "environment unsupported")

	// ErrInvalidArgument means the Options passed to New are invalid.
	ErrInvalidArgument error = errs.Sentinel(errs.CategoryArgument, "invalid argument")

	// ErrInvalidInput means a value passed to Update is not a plain object.
	ErrInvalidInput error = errs.Sentinel(errs.CategoryInput, "invalid input")

	// ErrStorage means the backend failed to read or write the entry.
	ErrStorage error = errs.Sentinel(errs.CategoryStorage, "storage error")

	// ErrClosed means the store was closed.
	ErrClosed error = errs.Sentinel(errs.CategoryLifecycle, "store closed")
)
