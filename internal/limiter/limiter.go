// Package limiter throttles repeated OAuth callback failures per subject and scope.
package limiter

import (
	"context"
	"crypto/sha256"
	"time"
)

// Limiter controls callback attempts and temporary lockouts.
type Limiter interface {
	// Allow reports whether a callback is currently allowed and an optional retry-after.
	Allow(ctx context.Context, subject string, scopeHash []byte) (bool, time.Duration, error)
	// Success resets counters after a completed callback.
	Success(ctx context.Context, subject string, scopeHash []byte) error
	// Failure records a failed callback; may place a temporary block.
	Failure(ctx context.Context, subject string, scopeHash []byte) (bool, time.Duration, error)
}

// HashScope returns a stable hash of the scope parts so raw values are never stored.
func HashScope(parts ...string) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return h.Sum(nil)
}

// Noop never blocks.
type Noop struct{}

func (Noop) Allow(context.Context, string, []byte) (bool, time.Duration, error) { return true, 0, nil }
func (Noop) Success(context.Context, string, []byte) error                       { return nil }
func (Noop) Failure(context.Context, string, []byte) (bool, time.Duration, error) {
	return false, 0, nil
}
