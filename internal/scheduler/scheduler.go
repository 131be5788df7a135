// Package scheduler implements the cooperative ticker described in spec
// §4.5: it computes the eligible tenant set, orders it for
// least-recently-acted-first fairness, and dispatches claimed work items
// to the worker pool.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/nightrelay/postengine/internal/clock"
	"github.com/nightrelay/postengine/internal/tenant"
)

// WorkItem is a scheduler-dispatched unit instructing a worker to attempt
// one generation-and-publish cycle for one tenant. Release must be called
// exactly once, regardless of outcome, to free the tenant's claim.
type WorkItem struct {
	Tenant  tenant.Snapshot
	Release func()
}

// Scheduler selects eligible tenants and dispatches work items.
type Scheduler struct {
	registry          *tenant.Registry
	clock             clock.Clock
	logger            *slog.Logger
	repositoryPollInt time.Duration
	dailyLimitFn      func(tenant.Snapshot) bool // reports whether tenant is under its daily caps
	hasInFlightFn     func(uuid.UUID) bool
}

// New creates a Scheduler over the given tenant Registry.
//
// underDailyLimits reports whether a tenant still has daily quota
// headroom (checked against the registry's in-memory counters, which are
// authoritative only as a scheduling hint: the rate-limit Coordinator is
// the actual source of truth per spec §4.5).
func New(registry *tenant.Registry, clk clock.Clock, logger *slog.Logger, repositoryPollInterval time.Duration, underDailyLimits func(tenant.Snapshot) bool) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		registry:          registry,
		clock:             clk,
		logger:            logger,
		repositoryPollInt: repositoryPollInterval,
		dailyLimitFn:      underDailyLimits,
	}
}

// Eligible computes E from spec §4.5 step 1: active tenants currently in
// their posting window and under their daily limits. A tenant whose claim
// is already held is still listed; Claim rejects it.
func (s *Scheduler) Eligible(now time.Time) ([]tenant.Snapshot, error) {
	var eligible []tenant.Snapshot

	for _, snap := range s.registry.ListActive() {
		inWindow, err := clock.InPostingWindow(snap.Timezone, hourSet(snap.PostingWindowHours), now)
		if err != nil {
			s.logger.Warn("skipping tenant with invalid timezone", "tenant", snap.ID, "timezone", snap.Timezone, "error", err)
			continue
		}
		if !inWindow {
			continue
		}
		if s.dailyLimitFn != nil && !s.dailyLimitFn(snap) {
			continue
		}
		eligible = append(eligible, snap)
	}

	sortFair(eligible)
	return eligible, nil
}

// Claim attempts to acquire the tenant's exclusive in-flight lock,
// returning a WorkItem and true on success. A caller that fails to claim
// should move on to the next eligible tenant; another worker got there
// first.
func (s *Scheduler) Claim(snap tenant.Snapshot) (WorkItem, bool) {
	release, ok := s.registry.TryLock(snap.ID)
	if !ok {
		return WorkItem{}, false
	}
	return WorkItem{Tenant: snap, Release: release}, true
}

// NextWake computes spec §4.5 step 4's sleep target when E is empty: the
// earliest of every active tenant's next window-open time,
// the earliest next daily reset, and the repository poll interval.
func (s *Scheduler) NextWake(ctx context.Context, now time.Time) time.Time {
	earliest := now.Add(s.repositoryPollInt)

	for _, snap := range s.registry.ListActive() {
		if open, err := clock.NextWindowOpen(snap.Timezone, hourSet(snap.PostingWindowHours), now); err == nil && open.Before(earliest) {
			earliest = open
		}
		if reset, err := clock.NextDailyReset(snap.Timezone, now); err == nil && reset.Before(earliest) {
			earliest = reset
		}
	}
	return earliest
}

// sortFair orders tenants by least-recently-acted-first, treating a never-
// acted tenant as -∞ (always first), tie-breaking by a stable hash of the
// tenant id so that selection is deterministic for identical inputs
// (spec §4.5: "Selection decisions MUST be deterministic").
func sortFair(tenants []tenant.Snapshot) {
	sort.SliceStable(tenants, func(i, j int) bool {
		a, b := tenants[i], tenants[j]
		aNever, bNever := a.LastActedAt == nil, b.LastActedAt == nil
		switch {
		case aNever && !bNever:
			return true
		case !aNever && bNever:
			return false
		case aNever && bNever:
			return tieBreak(a.ID) < tieBreak(b.ID)
		}
		if !a.LastActedAt.Equal(*b.LastActedAt) {
			return a.LastActedAt.Before(*b.LastActedAt)
		}
		return tieBreak(a.ID) < tieBreak(b.ID)
	})
}

func tieBreak(id uuid.UUID) uint64 {
	return xxhash.Sum64(id[:])
}

func hourSet(hours []int) map[int]bool {
	set := make(map[int]bool, len(hours))
	for _, h := range hours {
		set[h] = true
	}
	return set
}
