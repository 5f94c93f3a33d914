// Package errors provides coded, categorized errors for localstore.
//
// Every failure surfaced by the store, its backends, the hub and the CLI is an
// *Error built from a registered code:
//
//	err := errors.New("LS010").WithDetail("Options.Key was empty")
//	fmt.Println(err)
//	// LS010: the key is required
//
// # Categories
//
//   - environment: the storage backend is missing or cannot notify
//   - argument: invalid construction options
//   - input: invalid value passed to an update
//   - storage: backend read or write failures
//   - lifecycle: operations on a closed store
//   - config: configuration file and flag errors
//   - transport: hub and remote backend protocol errors
//
// # Matching
//
// Errors match with the standard errors.Is. A category sentinel matches every
// error of its category, a coded error matches errors with the same code:
//
//	var ErrInvalidArgument = errors.Sentinel(errors.CategoryArgument, "invalid argument")
//
//	if stderrors.Is(err, ErrInvalidArgument) { ... }
//
// For terminal output, Format renders a colored multi-line message with the
// detail and hint; PrintError writes it to stderr.
package errors
