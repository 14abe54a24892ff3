// Package limiter defines interfaces and implementations for signup rate limiting.
package limiter

import (
	"context"
	"net"
	"time"

	"github.com/zeebo/blake3"
)

// Limiter controls signup attempts and temporary lockouts per remote address.
type Limiter interface {
	// Allow reports whether signup is currently allowed and optional retry-after.
	Allow(ctx context.Context, addrHash []byte) (bool, time.Duration, error)
	// Attempt records one signup attempt; may place a temporary block.
	Attempt(ctx context.Context, addrHash []byte) (bool, time.Duration, error)
}

// HashAddr returns a stable hash of the remote host to avoid storing raw
// addresses. The port is dropped so reconnects share one budget.
func HashAddr(addr string) []byte {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	h := blake3.Sum256([]byte(addr))
	return h[:]
}
