// Package tenant implements the Tenant Registry (spec §4.4): an in-memory,
// periodically reconciled snapshot of every tenant's configuration and
// quota counters, so the Scheduler and Pipeline never hit the repository
// on the hot path.
package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nightrelay/postengine/internal/clock"
	"github.com/nightrelay/postengine/pkg/repository"
)

// Snapshot is the registry's read-only view of one tenant, handed to the
// Scheduler and Pipeline.
type Snapshot struct {
	repository.Tenant
}

// Registry holds the latest reconciled tenant set in memory and exposes
// the narrow read/write surface spec §4.4 calls for: list_active,
// snapshot, and record_completion.
type Registry struct {
	repo   repository.Repository
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.RWMutex
	tenants map[uuid.UUID]repository.Tenant
	locks   map[uuid.UUID]*sync.Mutex // per-tenant exclusive lock for claim/complete

	pending   map[uuid.UUID]repository.CompletionOutcome
	pendingMu sync.Mutex
}

// New creates an empty Registry. Call Reconcile (directly or via Run) at
// least once before serving traffic.
func New(repo repository.Repository, clk clock.Clock, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		repo:    repo,
		clock:   clk,
		logger:  logger,
		tenants: make(map[uuid.UUID]repository.Tenant),
		locks:   make(map[uuid.UUID]*sync.Mutex),
		pending: make(map[uuid.UUID]repository.CompletionOutcome),
	}
}

// Reconcile loads the full tenant set from the repository and replaces
// the in-memory snapshot. Tenants removed from the backing store since the
// last reconcile are dropped; their per-tenant locks are released.
func (r *Registry) Reconcile(ctx context.Context) error {
	tenants, err := r.repo.ListTenants(ctx)
	if err != nil {
		return fmt.Errorf("reconciling tenant registry: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	fresh := make(map[uuid.UUID]repository.Tenant, len(tenants))
	for _, t := range tenants {
		fresh[t.ID] = t
		if _, ok := r.locks[t.ID]; !ok {
			r.locks[t.ID] = &sync.Mutex{}
		}
	}
	for id := range r.locks {
		if _, ok := fresh[id]; !ok {
			delete(r.locks, id)
		}
	}
	r.tenants = fresh

	r.logger.Debug("tenant registry reconciled", "tenants", len(fresh))
	return nil
}

// ListActive returns a snapshot of every active tenant, in no particular
// order; the Scheduler imposes its own fairness ordering.
func (r *Registry) ListActive() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.tenants))
	for _, t := range r.tenants {
		if t.Active {
			out = append(out, Snapshot{Tenant: t})
		}
	}
	return out
}

// Get returns a single tenant's snapshot.
func (r *Registry) Get(id uuid.UUID) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tenants[id]
	return Snapshot{Tenant: t}, ok
}

// TryLock attempts to acquire the per-tenant exclusive lock the Scheduler
// uses to prevent two workers from claiming the same tenant concurrently
// (spec §4.5: "a tenant has at most one in-flight post at a time").
// It returns a release function and true on success, or a no-op function
// and false if the tenant is unknown or already locked.
func (r *Registry) TryLock(id uuid.UUID) (release func(), ok bool) {
	r.mu.RLock()
	lock, known := r.locks[id]
	r.mu.RUnlock()
	if !known {
		return func() {}, false
	}
	if !lock.TryLock() {
		return func() {}, false
	}
	return lock.Unlock, true
}

// RecordCompletion stages a quota/activity update for a tenant in memory
// (so the Scheduler sees it immediately on the next eligibility pass) and
// queues it for write-back to the repository. Write-backs are flushed by
// FlushPending, called periodically and on shutdown.
func (r *Registry) RecordCompletion(id uuid.UUID, outcome repository.CompletionOutcome) {
	r.mu.Lock()
	if t, ok := r.tenants[id]; ok {
		if t.DailyCounterDayKey == outcome.DayKey {
			t.DailyLLMCalls += outcome.LLMCalls
			t.DailyPosts += outcome.Posts
		} else {
			t.DailyCounterDayKey = outcome.DayKey
			t.DailyLLMCalls = outcome.LLMCalls
			t.DailyPosts = outcome.Posts
		}
		acted := outcome.ActedAt
		t.LastActedAt = &acted
		r.tenants[id] = t
	}
	r.mu.Unlock()

	r.pendingMu.Lock()
	if existing, ok := r.pending[id]; ok {
		outcome.LLMCalls += existing.LLMCalls
		outcome.Posts += existing.Posts
	}
	r.pending[id] = outcome
	r.pendingMu.Unlock()
}

// FlushPending writes every staged completion back to the repository.
// Entries that fail to write are left pending and retried on the next
// call; callers should invoke this periodically and once more, blocking,
// during shutdown.
func (r *Registry) FlushPending(ctx context.Context) error {
	r.pendingMu.Lock()
	batch := r.pending
	r.pending = make(map[uuid.UUID]repository.CompletionOutcome)
	r.pendingMu.Unlock()

	var firstErr error
	for id, outcome := range batch {
		if err := r.repo.RecordCompletion(ctx, id, outcome); err != nil {
			r.logger.Error("flushing tenant completion failed", "tenant", id, "error", err)
			r.pendingMu.Lock()
			if existing, ok := r.pending[id]; ok {
				outcome.LLMCalls += existing.LLMCalls
				outcome.Posts += existing.Posts
			}
			r.pending[id] = outcome
			r.pendingMu.Unlock()
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Run reconciles on a timer until ctx is cancelled, jittering each
// interval by up to ±10% so that many engine instances reconciling on the
// same nominal period don't all hit the repository at once.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	r.logger.Info("tenant registry reconcile loop started", "interval", interval)

	if err := r.Reconcile(ctx); err != nil {
		r.logger.Error("initial tenant reconcile failed", "error", err)
	}

	for {
		wait := jitter(interval)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Info("tenant registry reconcile loop stopped")
			return
		case <-timer.C:
			if err := r.Reconcile(ctx); err != nil {
				r.logger.Error("tenant reconcile failed", "error", err)
			}
			if err := r.FlushPending(ctx); err != nil {
				r.logger.Error("tenant flush failed", "error", err)
			}
		}
	}
}

// jitter returns interval scaled by a uniform random factor in [0.9, 1.1].
func jitter(interval time.Duration) time.Duration {
	factor := 0.9 + rand.Float64()*0.2
	return time.Duration(float64(interval) * factor)
}
