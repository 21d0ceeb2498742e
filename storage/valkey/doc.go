// Package valkey provides a Valkey storage backend for the OAuth core.
//
// Valkey is a high-performance key-value store that is wire-compatible with Redis.
// The Store type implements [storage.Store], making it suitable for deployments
// where several authorization server replicas share one state.
//
// # Key Schema
//
// All keys use a configurable prefix (default "oauth:"):
//
//	{prefix}client:{clientID}                 -> JSON(Client)
//	{prefix}owner:{ownerID}                   -> SET of clientIDs
//	{prefix}secrets:{clientID}                -> HASH secretID -> JSON(ClientSecret)
//	{prefix}redirect:{clientID}               -> SET of redirect URIs
//	{prefix}domains:{clientID}                -> SET of origins
//	{prefix}product:{name}                    -> JSON(APIProduct)
//	{prefix}scope:{name}                      -> JSON(Scope)
//	{prefix}product_scopes:{product}          -> SET of scope names
//	{prefix}client_products:{clientID}        -> SET of enabled products
//	{prefix}client_scopes:{clientID}          -> SET of individually allowed scopes
//	{prefix}consent:{grantID}                 -> HASH data, scopes, active, updated_at, revoked_at
//	{prefix}consent_active:{userID}:{clientID}  -> active grantID
//	{prefix}consent_history:{userID}:{clientID} -> LIST of grantIDs, oldest first
//	{prefix}code:{codeHash}                   -> HASH data, client_id, used, used_at, revoked, family_id
//	{prefix}client_codes:{clientID}           -> SET of code hashes
//	{prefix}rt:{tokenID}                      -> HASH data, used, used_at, revoked, revoked_at, revoked_reason
//	{prefix}rt_hash:{tokenHash}               -> tokenID
//	{prefix}family:{familyID}                 -> ZSET of tokenIDs scored by creation time
//	{prefix}client_tokens:{clientID}          -> SET of tokenIDs
//	{prefix}expiry:codes, {prefix}expiry:tokens -> ZSETs scored by expiry time
//
// # Atomic Operations
//
// Code creation and redemption, refresh token inserts and rotation, family
// revocation, client deactivation and expiry cleanup each run as a single Lua
// script, so only one concurrent caller can win a compare-and-swap and no
// record is ever left without its indexes.
//
// # Deployment
//
// The family revocation, client deactivation and cleanup scripts derive
// member keys from the prefix at run time instead of receiving them in KEYS.
// The store therefore requires a standalone or primary/replica deployment;
// Valkey Cluster is not supported.
//
// Records do not carry Valkey TTLs. Expiry follows the clock passed to
// DeleteExpired, which the authorization server's janitor calls periodically.
// It removes a refresh token family only once every member is revoked or
// expired, and keeps a redeemed code while the family it minted exists.
//
// # Configuration
//
// Basic usage:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "oauth:",
//	})
//
// With TLS:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "valkey.example.com:6379",
//	    Password:  os.Getenv("VALKEY_PASSWORD"),
//	    TLS:       &tls.Config{MinVersion: tls.VersionTLS12},
//	})
//
// # Security Considerations
//
//   - Codes and refresh tokens are keyed by their SHA-256 hash; raw values never reach Valkey
//   - Identifier length and record size are bounded to limit memory abuse
//   - Always use TLS and authentication in production environments
package valkey
