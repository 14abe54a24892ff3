package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/and161185/fanrelay/internal/clock"
)

type bucket struct {
	attempts     int
	updatedAt    time.Time
	blockedUntil time.Time
}

// Memory is an in-process limiter with the same window semantics as PG.
type Memory struct {
	mu          sync.Mutex
	clk         clock.Clock
	window      time.Duration
	maxAttempts int
	blockFor    time.Duration
	buckets     map[string]*bucket
}

// NewMemory constructs an in-process limiter.
func NewMemory(clk clock.Clock, window time.Duration, maxAttempts int, blockFor time.Duration) *Memory {
	return &Memory{
		clk:         clk,
		window:      window,
		maxAttempts: maxAttempts,
		blockFor:    blockFor,
		buckets:     map[string]*bucket{},
	}
}

// Allow reports whether signup is currently allowed.
func (m *Memory) Allow(_ context.Context, addrHash []byte) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[string(addrHash)]
	if !ok {
		return true, 0, nil
	}
	if now := m.clk.Now(); b.blockedUntil.After(now) {
		return false, b.blockedUntil.Sub(now), nil
	}
	return true, 0, nil
}

// Attempt records an attempt.
func (m *Memory) Attempt(_ context.Context, addrHash []byte) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clk.Now()
	b, ok := m.buckets[string(addrHash)]
	if !ok {
		b = &bucket{}
		m.buckets[string(addrHash)] = b
	}
	if now.Sub(b.updatedAt) > m.window {
		b.attempts = 0
	}
	b.attempts++
	b.updatedAt = now
	if b.attempts > m.maxAttempts {
		b.blockedUntil = now.Add(m.blockFor)
		return true, m.blockFor, nil
	}
	return false, 0, nil
}
