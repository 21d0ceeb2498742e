package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"
	"golang.org/x/sync/semaphore"
)

// dummySecret is hashed once and compared against when a client is unknown,
// so lookups of missing clients cost the same as failed comparisons.
const dummySecret = "dummy-secret-for-timing-equalization"

// Hasher runs bcrypt on a bounded pool of workers. Requests wait for a free
// slot (honouring ctx) instead of all competing for CPU at once.
type Hasher struct {
	cost    int
	workers *semaphore.Weighted

	dummyOnce sync.Once
	dummyHash []byte
	dummyErr  error
}

// NewHasher creates a hasher. workers <= 0 uses GOMAXPROCS; cost outside
// bcrypt's range uses bcrypt.DefaultCost.
func NewHasher(cost, workers int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Hasher{
		cost:    cost,
		workers: semaphore.NewWeighted(int64(workers)),
	}
}

// Hash returns the bcrypt hash of secret.
func (h *Hasher) Hash(ctx context.Context, secret string) (string, error) {
	if err := h.workers.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer h.workers.Release(1)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}

// Compare reports whether secret matches hash. A mismatch is not an error.
func (h *Hasher) Compare(ctx context.Context, hash, secret string) (bool, error) {
	if err := h.workers.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer h.workers.Release(1)

	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword), errors.Is(err, bcrypt.ErrPasswordTooLong):
		return false, nil
	default:
		return false, fmt.Errorf("failed to compare secret: %w", err)
	}
}

// CompareDummy performs a comparison that always fails, taking as long as a
// real one. Used when the client does not exist.
func (h *Hasher) CompareDummy(ctx context.Context, secret string) error {
	h.dummyOnce.Do(func() {
		h.dummyHash, h.dummyErr = bcrypt.GenerateFromPassword([]byte(dummySecret), h.cost)
	})
	if h.dummyErr != nil {
		return h.dummyErr
	}
	_, err := h.Compare(ctx, string(h.dummyHash), secret+"!")
	return err
}

// GenerateToken returns a new URL-safe random credential with 256 bits of
// entropy, used for client secrets, authorization codes and refresh tokens.
func GenerateToken() string {
	return oauth2.GenerateVerifier()
}

// HashToken returns the hex SHA-256 digest used as the lookup key of a
// high-entropy credential. It is not suitable for low-entropy secrets.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
