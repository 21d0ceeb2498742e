// Package memory provides an in-memory implementation of storage.Store.
//
// Every map is guarded by a single sync.RWMutex, so each method is one
// transaction and the compare-and-swap operations (RedeemAuthorizationCode,
// RotateRefreshToken) have exactly one winner. Stored records are copied on
// the way in and out; callers never share memory with the store.
//
// A background goroutine calls DeleteExpired on every cleanup interval.
// Nothing survives a restart, so use storage/bolt or storage/valkey for
// deployments that must keep grants across restarts.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, err := server.New(store, cfg, logger)
package memory
