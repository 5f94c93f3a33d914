// Package localstore shares one JSON object between several execution
// contexts through a key-value storage backend.
//
// A Store is bound to a single key. It keeps a local mirror of the entry,
// writes shallow-merged updates through to the backend and replaces the
// mirror whenever another context changes the same key:
//
//	origin := memory.NewOrigin()
//
//	store, err := localstore.New(ctx, origin.NewContext(), localstore.Options{
//	    Key:          "settings",
//	    DefaultValue: map[string]any{"theme": "light"},
//	})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	store.Update(map[string]any{"theme": "dark"})
//	current := store.Get() // {"theme": "dark"}
//
// # Backends
//
// The backend must implement Storage and Notifier. Notifiers deliver events
// for writes made by other contexts only; a context never sees its own
// writes as change events. Ready-made backends live under pkg/backend:
// memory, file, redis, etcd, remote (a hub client) and s3 (storage only).
//
// # Consistency
//
// Local updates are visible to the next Get. Writes from other contexts
// arrive asynchronously and fully replace the mirror. Concurrent writers
// race and the last write wins.
//
// # Typed access
//
// Typed decodes the mirror into a Go type:
//
//	type Settings struct {
//	    Theme string `json:"theme"`
//	}
//
//	settings := localstore.NewTyped[Settings](store)
//	settings.Value().Theme // "dark"
package localstore
