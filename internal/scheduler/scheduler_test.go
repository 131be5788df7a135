package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nightrelay/postengine/internal/clock"
	"github.com/nightrelay/postengine/internal/tenant"
	"github.com/nightrelay/postengine/pkg/repository"
)

func newTestRegistry(t *testing.T, tenants ...repository.UpsertTenantParams) *tenant.Registry {
	t.Helper()
	repo := repository.NewMemory(nil)
	ctx := context.Background()
	for _, p := range tenants {
		if _, err := repo.UpsertTenant(ctx, p); err != nil {
			t.Fatalf("UpsertTenant: %v", err)
		}
	}
	reg := tenant.New(repo, clock.System{}, nil)
	if err := reg.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	return reg
}

func TestEligible_FiltersOutsideWindow(t *testing.T) {
	inWindow := repository.UpsertTenantParams{ID: uuid.New(), Active: true, Timezone: "UTC", PostingWindowHours: []int{10, 11}}
	outsideWindow := repository.UpsertTenantParams{ID: uuid.New(), Active: true, Timezone: "UTC", PostingWindowHours: []int{2, 3}}
	reg := newTestRegistry(t, inWindow, outsideWindow)

	sched := New(reg, clock.System{}, nil, time.Minute, nil)
	now := time.Date(2026, 7, 31, 10, 30, 0, 0, time.UTC)

	eligible, err := sched.Eligible(now)
	if err != nil {
		t.Fatalf("Eligible: %v", err)
	}
	if len(eligible) != 1 || eligible[0].ID != inWindow.ID {
		t.Fatalf("Eligible = %v, want only %v", eligible, inWindow.ID)
	}
}

func TestEligible_DeterministicOrdering(t *testing.T) {
	never := repository.UpsertTenantParams{ID: uuid.New(), Active: true, Timezone: "UTC", PostingWindowHours: []int{10}}
	reg := newTestRegistry(t, never)

	sched := New(reg, clock.System{}, nil, time.Minute, nil)
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)

	first, err := sched.Eligible(now)
	if err != nil {
		t.Fatalf("Eligible: %v", err)
	}
	second, err := sched.Eligible(now)
	if err != nil {
		t.Fatalf("Eligible: %v", err)
	}
	if len(first) != 1 || len(second) != 1 || first[0].ID != second[0].ID {
		t.Fatalf("Eligible ordering not deterministic across calls: %v vs %v", first, second)
	}
}

func TestClaim_PreventsDoubleClaim(t *testing.T) {
	p := repository.UpsertTenantParams{ID: uuid.New(), Active: true, Timezone: "UTC", PostingWindowHours: []int{10}}
	reg := newTestRegistry(t, p)
	sched := New(reg, clock.System{}, nil, time.Minute, nil)

	snap, ok := reg.Get(p.ID)
	if !ok {
		t.Fatalf("tenant not found in registry")
	}

	item, ok := sched.Claim(snap)
	if !ok {
		t.Fatalf("first claim should succeed")
	}
	if _, ok := sched.Claim(snap); ok {
		t.Fatalf("second claim should fail while first is held")
	}
	item.Release()
	if _, ok := sched.Claim(snap); !ok {
		t.Fatalf("claim after release should succeed")
	}
}

func TestNextWake_ReturnsNextWindowOpenWhenSooner(t *testing.T) {
	p := repository.UpsertTenantParams{ID: uuid.New(), Active: true, Timezone: "UTC", PostingWindowHours: []int{12}}
	reg := newTestRegistry(t, p)
	sched := New(reg, clock.System{}, nil, 3*time.Hour, nil)

	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	wake := sched.NextWake(context.Background(), now)

	want := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	if !wake.Equal(want) {
		t.Errorf("NextWake = %v, want %v", wake, want)
	}
}
