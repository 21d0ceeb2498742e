// Package storage defines the persistence contract of the authorization
// server: the records it keeps and the transactional operations on them.
//
// Business rules live in the server package. A Store only guarantees that
// every mutating method is atomic, that RedeemAuthorizationCode and
// RotateRefreshToken are compare-and-swaps with exactly one winner, and that
// failures use the sentinel errors in this package.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage for development, tests and single-instance deployments
//   - storage/boltdb: embedded bbolt file storage for single-node deployments
//   - storage/valkey: Valkey/Redis-compatible storage for multi-instance deployments
//
// storage/storagetest holds the conformance suite every implementation runs.
package storage
