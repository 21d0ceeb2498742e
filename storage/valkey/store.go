package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/oauth-core/instrumentation"
	"github.com/giantswarm/oauth-core/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "oauth:"

	backendName = "valkey"

	// tokenIDLogLength is the number of characters to include when logging token IDs
	tokenIDLogLength = 8

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxIDLength is the maximum allowed length for identifiers (userID, clientID, familyID)
	MaxIDLength = 256

	// MaxRecordSize is the maximum size of a serialized record (64KB)
	MaxRecordSize = 64 * 1024
)

var errInputTooLarge = errors.New("input exceeds maximum allowed size")

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "oauth:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of storage.Store.
type Store struct {
	client          valkeygo.Client
	prefix          string
	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
}

// Compile-time interface checks
var _ storage.Store = (*Store)(nil)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
		Password:    cfg.Password,
		TLSConfig:   cfg.TLS,
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client:          client,
		prefix:          prefix,
		logger:          logger,
		instrumentation: instrumentation.NewNoop(),
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() error {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
	return nil
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		s.instrumentation = inst
	}
}

func (s *Store) observe(ctx context.Context, operation string) func(*error) {
	_, op := s.instrumentation.StartStorageOperation(ctx, backendName, operation)
	return func(err *error) { op.End(*err, storage.ContractErrors...) }
}

// validateStringLength checks if a string exceeds the maximum allowed length
func validateStringLength(value string, maxLen int, fieldName string) error {
	if len(value) > maxLen {
		return fmt.Errorf("%w: %s exceeds maximum length of %d bytes", errInputTooLarge, fieldName, maxLen)
	}
	return nil
}

// ============================================================
// Key Helpers
// ============================================================
//
// The Lua scripts build some of these keys themselves from the prefix, so
// the segment names below must match the literals used there.

const (
	segClient         = "client:"
	segOwner          = "owner:"
	segSecrets        = "secrets:"
	segRedirect       = "redirect:"
	segDomains        = "domains:"
	segProduct        = "product:"
	segScope          = "scope:"
	segProductScopes  = "product_scopes:"
	segClientProducts = "client_products:"
	segClientScopes   = "client_scopes:"
	segConsent        = "consent:"
	segConsentActive  = "consent_active:"
	segConsentHistory = "consent_history:"
	segCode           = "code:"
	segClientCodes    = "client_codes:"
	segToken          = "rt:"
	segTokenHash      = "rt_hash:"
	segFamily         = "family:"
	segClientTokens   = "client_tokens:"
	segCodeExpiry     = "expiry:codes"
	segTokenExpiry    = "expiry:tokens"
)

func (s *Store) key(segment string, parts ...string) string {
	k := s.prefix + segment
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// Records with mutable state are stored as hashes: the "data" field holds the
// JSON written at insert time and the flags (used, revoked, ...) live in their
// own fields. The scripts only ever touch the flag fields, so every
// compare-and-swap stays a handful of HGET/HSET calls.

// luaInsertToken is shared by every script that creates a refresh token.
// It expects the five token keys at KEYS[k..k+4] and the four token
// arguments at ARGV[a..a+3]: data, id, family score, expiry score.
const luaInsertToken = `
local function token_exists(k)
    return redis.call('EXISTS', KEYS[k]) == 1 or redis.call('EXISTS', KEYS[k+1]) == 1
end

local function insert_token(k, a)
    redis.call('HSET', KEYS[k], 'data', ARGV[a], 'used', '0', 'revoked', '0')
    redis.call('SET', KEYS[k+1], ARGV[a+1])
    redis.call('ZADD', KEYS[k+2], ARGV[a+2], ARGV[a+1])
    redis.call('SADD', KEYS[k+3], ARGV[a+1])
    if ARGV[a+3] ~= '' then
        redis.call('ZADD', KEYS[k+4], ARGV[a+3], ARGV[a+1])
    end
end
`

// saveTokenScript inserts a standalone refresh token.
//
// Returns 'OK' or 'EXISTS'.
var saveTokenScript = valkeygo.NewLuaScript(luaInsertToken + `
if token_exists(1) then
    return 'EXISTS'
end
insert_token(1, 1)
return 'OK'
`)

// redeemCodeScript marks an authorization code used and inserts the root
// token of its family. Only one concurrent caller can see used == '0'.
//
// KEYS[1] = code hash, KEYS[2..6] = root token keys
// ARGV[1] = used_at, ARGV[2] = family ID, ARGV[3..6] = root token args
//
// Returns 'OK', 'NOT_FOUND', 'USED' or 'EXISTS'.
var redeemCodeScript = valkeygo.NewLuaScript(luaInsertToken + `
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 'NOT_FOUND'
end
local state = redis.call('HMGET', KEYS[1], 'used', 'revoked')
if state[1] == '1' or state[2] == '1' then
    return 'USED'
end
if token_exists(2) then
    return 'EXISTS'
end
redis.call('HSET', KEYS[1], 'used', '1', 'used_at', ARGV[1], 'family_id', ARGV[2])
insert_token(2, 3)
return 'OK'
`)

// rotateTokenScript marks the current token used and inserts its child.
//
// KEYS[1] = current token hash, KEYS[2..6] = child token keys
// ARGV[1] = used_at, ARGV[2..5] = child token args
//
// Returns 'OK', 'NOT_FOUND', 'REVOKED', 'USED' or 'EXISTS'.
var rotateTokenScript = valkeygo.NewLuaScript(luaInsertToken + `
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 'NOT_FOUND'
end
local state = redis.call('HMGET', KEYS[1], 'used', 'revoked')
if state[2] == '1' then
    return 'REVOKED'
end
if state[1] == '1' then
    return 'USED'
end
if token_exists(2) then
    return 'EXISTS'
end
redis.call('HSET', KEYS[1], 'used', '1', 'used_at', ARGV[1])
insert_token(2, 2)
return 'OK'
`)

// luaRevokeTokens revokes every token ID in ids that is not already revoked
// and returns how many changed.
const luaRevokeTokens = `
local function revoke_tokens(ids, token_prefix, reason, at)
    local n = 0
    for _, id in ipairs(ids) do
        local k = token_prefix .. id
        if redis.call('EXISTS', k) == 1 and redis.call('HGET', k, 'revoked') ~= '1' then
            redis.call('HSET', k, 'revoked', '1', 'revoked_at', at, 'revoked_reason', reason)
            n = n + 1
        end
    end
    return n
end
`

// revokeFamilyScript revokes every token of a family.
//
// KEYS[1] = family zset
// ARGV[1] = token key prefix, ARGV[2] = reason, ARGV[3] = revoked_at
var revokeFamilyScript = valkeygo.NewLuaScript(luaRevokeTokens + `
return revoke_tokens(redis.call('ZRANGE', KEYS[1], 0, -1), ARGV[1], ARGV[2], ARGV[3])
`)

// deactivateClientScript stores the deactivated client, revokes its pending
// codes and all of its refresh tokens in one step.
//
// KEYS[1] = client, KEYS[2] = client codes set, KEYS[3] = client tokens set
// ARGV[1] = client JSON, ARGV[2] = code key prefix, ARGV[3] = token key prefix,
// ARGV[4] = reason, ARGV[5] = revoked_at
//
// Returns the number of revoked tokens, or -1 if the client does not exist.
var deactivateClientScript = valkeygo.NewLuaScript(luaRevokeTokens + `
if redis.call('EXISTS', KEYS[1]) == 0 then
    return -1
end
redis.call('SET', KEYS[1], ARGV[1])
for _, h in ipairs(redis.call('SMEMBERS', KEYS[2])) do
    local k = ARGV[2] .. h
    if redis.call('EXISTS', k) == 1 and redis.call('HGET', k, 'used') ~= '1' then
        redis.call('HSET', k, 'revoked', '1')
    end
end
return revoke_tokens(redis.call('SMEMBERS', KEYS[3]), ARGV[3], ARGV[4], ARGV[5])
`)

// saveCodeScript stores a new authorization code with its flags and indexes.
//
// KEYS[1] = code hash, KEYS[2] = client codes set, KEYS[3] = code expiry zset
// ARGV[1] = data JSON, ARGV[2] = client ID, ARGV[3] = code hash,
// ARGV[4] = expiry score (empty for none)
//
// Returns 'OK' or 'EXISTS'.
var saveCodeScript = valkeygo.NewLuaScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 'EXISTS'
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'client_id', ARGV[2], 'used', '0', 'revoked', '0')
redis.call('SADD', KEYS[2], ARGV[3])
if ARGV[4] ~= '' then
    redis.call('ZADD', KEYS[3], ARGV[4], ARGV[3])
end
return 'OK'
`)

// deleteExpiredScript sweeps whole refresh token families and then codes.
// A family is deleted only when each member is revoked or has an expiry score
// below ARGV[1]; a member without an expiry score keeps it alive. A redeemed
// code stays while the family it minted exists and is retried on later runs.
//
// KEYS[1] = code expiry zset, KEYS[2] = token expiry zset
// ARGV[1] = cutoff score (exclusive), ARGV[2] = key prefix
var deleteExpiredScript = valkeygo.NewLuaScript(`
local removed = 0
local cutoff = tonumber(ARGV[1])
local p = ARGV[2]

local function member_dead(id)
    local k = p .. 'rt:' .. id
    if redis.call('HGET', k, 'revoked') == '1' then
        return true
    end
    local exp = redis.call('ZSCORE', KEYS[2], id)
    return exp ~= false and exp ~= nil and tonumber(exp) < cutoff
end

local seen = {}
for _, id in ipairs(redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', '(' .. ARGV[1])) do
    local data = redis.call('HGET', p .. 'rt:' .. id, 'data')
    if not data then
        redis.call('ZREM', KEYS[2], id)
    else
        local fid = cjson.decode(data).family_id
        if not seen[fid] then
            seen[fid] = true
            local fk = p .. 'family:' .. fid
            local members = redis.call('ZRANGE', fk, 0, -1)
            local dead = true
            for _, m in ipairs(members) do
                if not member_dead(m) then
                    dead = false
                    break
                end
            end
            if dead then
                for _, m in ipairs(members) do
                    local k = p .. 'rt:' .. m
                    local mdata = redis.call('HGET', k, 'data')
                    if mdata then
                        local t = cjson.decode(mdata)
                        redis.call('DEL', p .. 'rt_hash:' .. t.token_hash)
                        redis.call('SREM', p .. 'client_tokens:' .. t.client_id, m)
                    end
                    removed = removed + redis.call('DEL', k)
                    redis.call('ZREM', KEYS[2], m)
                end
                redis.call('DEL', fk)
            end
        end
    end
end

for _, h in ipairs(redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])) do
    local k = p .. 'code:' .. h
    local fam = redis.call('HGET', k, 'family_id')
    if not (fam and fam ~= '' and redis.call('EXISTS', p .. 'family:' .. fam) == 1) then
        local client = redis.call('HGET', k, 'client_id')
        if client then
            redis.call('SREM', p .. 'client_codes:' .. client, h)
        end
        removed = removed + redis.call('DEL', k)
        redis.call('ZREM', KEYS[1], h)
    end
end

return removed
`)

// upsertConsentScript updates the active grant or starts a new one.
//
// KEYS[1] = active pointer, KEYS[2] = history list
// ARGV[1] = new grant ID, ARGV[2] = data JSON, ARGV[3] = scopes JSON,
// ARGV[4] = updated_at, ARGV[5] = consent key prefix
//
// Returns the ID of the stored grant.
var upsertConsentScript = valkeygo.NewLuaScript(`
local id = redis.call('GET', KEYS[1])
if id then
    redis.call('HSET', ARGV[5] .. id, 'scopes', ARGV[3], 'updated_at', ARGV[4])
    return id
end
redis.call('HSET', ARGV[5] .. ARGV[1], 'data', ARGV[2], 'scopes', ARGV[3], 'active', '1', 'updated_at', ARGV[4])
redis.call('SET', KEYS[1], ARGV[1])
redis.call('RPUSH', KEYS[2], ARGV[1])
return ARGV[1]
`)

// revokeConsentScript deactivates the active grant.
//
// KEYS[1] = active pointer
// ARGV[1] = revoked_at, ARGV[2] = consent key prefix
//
// Returns 'OK' or 'NOT_FOUND'.
var revokeConsentScript = valkeygo.NewLuaScript(`
local id = redis.call('GET', KEYS[1])
if not id then
    return 'NOT_FOUND'
end
redis.call('HSET', ARGV[2] .. id, 'active', '0', 'revoked_at', ARGV[1], 'updated_at', ARGV[1])
redis.call('DEL', KEYS[1])
return 'OK'
`)

// ============================================================
// Encoding Helpers
// ============================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// score converts a time to a sorted-set score. Zero times get no score.
func score(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func marshal(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}
	if len(data) > MaxRecordSize {
		return "", fmt.Errorf("%w: record of %d bytes", errInputTooLarge, len(data))
	}
	return string(data), nil
}

// getJSON fetches a plain string key and unmarshals it into T.
func getJSON[T any](ctx context.Context, s *Store, key string, notFound error) (*T, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, notFound
		}
		return nil, fmt.Errorf("failed to get data: %w", err)
	}

	var v T
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}
	return &v, nil
}

// setNX stores a JSON record only if the key is free.
func (s *Store) setNX(ctx context.Context, key string, v any, what string) error {
	data, err := marshal(v)
	if err != nil {
		return err
	}
	err = s.client.Do(ctx, s.client.B().Set().Key(key).Value(data).Nx().Build()).Error()
	if isNilError(err) {
		return fmt.Errorf("%w: %s", storage.ErrAlreadyExists, what)
	}
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", what, err)
	}
	return nil
}

// members returns the sorted members of a set, never nil.
func (s *Store) members(ctx context.Context, key string) ([]string, error) {
	out, err := s.client.Do(ctx, s.client.B().Smembers().Key(key).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to read set: %w", err)
	}
	if out == nil {
		out = []string{}
	}
	slices.Sort(out)
	return out, nil
}

// isNilError checks if the error indicates a nil/not-found result from Valkey.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
