package bucket

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store for tests. It reproduces the Redis script's
// refill-then-consume semantics exactly, driven by an injectable clock so
// quota-conformance tests (spec §8 property 1) are deterministic.
type Memory struct {
	mu    sync.Mutex
	state map[Key]*state
	nowFn func() time.Time
}

type state struct {
	tokens       float64
	lastRefill   time.Time
	expiresAfter time.Time
}

// NewMemory creates a Memory store using nowFn as its time source.
func NewMemory(nowFn func() time.Time) *Memory {
	return &Memory{state: make(map[Key]*state), nowFn: nowFn}
}

// Consume implements Store.
func (m *Memory) Consume(_ context.Context, spec Spec) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFn()
	s, ok := m.state[spec.Key]
	if !ok || now.After(s.expiresAfter) {
		s = &state{tokens: float64(spec.Capacity), lastRefill: now}
		m.state[spec.Key] = s
	}

	elapsed := now.Sub(s.lastRefill)
	if elapsed < 0 {
		elapsed = 0
	}
	s.tokens = min(float64(spec.Capacity), s.tokens+float64(elapsed)*spec.RefillPerNs)
	s.lastRefill = now

	ttl := spec.TTL
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	s.expiresAfter = now.Add(ttl)

	if s.tokens >= float64(spec.Cost) {
		s.tokens -= float64(spec.Cost)
		return Result{OK: true, Remaining: int64(s.tokens)}, nil
	}

	deficit := float64(spec.Cost) - s.tokens
	var retryAfter time.Duration
	if spec.RefillPerNs > 0 {
		retryAfter = time.Duration(deficit / spec.RefillPerNs)
	} else {
		retryAfter = 24 * time.Hour
	}
	return Result{OK: false, Remaining: int64(s.tokens), RetryAfter: retryAfter}, nil
}

// Refund implements Store.
func (m *Memory) Refund(_ context.Context, key Key, amount int64) error {
	if amount <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.state[key]; ok {
		s.tokens += float64(amount)
	}
	return nil
}

// Remaining implements Store.
func (m *Memory) Remaining(_ context.Context, key Key) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.state[key]
	if !ok {
		return 0, false, nil
	}
	return int64(s.tokens), true, nil
}

// ExtendRetryAfter implements Store.
func (m *Memory) ExtendRetryAfter(_ context.Context, key Key, refillPerNs float64, retryAfter time.Duration) error {
	if retryAfter <= 0 || refillPerNs <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFn()
	s, ok := m.state[key]
	if !ok {
		s = &state{lastRefill: now}
		m.state[key] = s
	} else {
		elapsed := now.Sub(s.lastRefill)
		if elapsed < 0 {
			elapsed = 0
		}
		s.tokens += float64(elapsed) * refillPerNs
		s.lastRefill = now
	}

	floor := -(float64(retryAfter) * refillPerNs)
	if s.tokens > floor {
		s.tokens = floor
	}
	s.expiresAfter = now.Add(48 * time.Hour)
	return nil
}
