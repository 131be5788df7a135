package tenant

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nightrelay/postengine/pkg/repository"
)

func TestRegistry_ReconcileAndListActive(t *testing.T) {
	repo := repository.NewMemory(nil)
	ctx := context.Background()

	active, err := repo.UpsertTenant(ctx, repository.UpsertTenantParams{ID: uuid.New(), DisplayName: "active", Active: true})
	if err != nil {
		t.Fatalf("UpsertTenant: %v", err)
	}
	_, err = repo.UpsertTenant(ctx, repository.UpsertTenantParams{ID: uuid.New(), DisplayName: "inactive", Active: false})
	if err != nil {
		t.Fatalf("UpsertTenant: %v", err)
	}

	reg := New(repo, nil, nil)
	if err := reg.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	got := reg.ListActive()
	if len(got) != 1 {
		t.Fatalf("ListActive returned %d tenants, want 1", len(got))
	}
	if got[0].ID != active.ID {
		t.Errorf("ListActive returned wrong tenant: %v", got[0].ID)
	}
}

func TestRegistry_TryLock_PreventsDoubleClaim(t *testing.T) {
	repo := repository.NewMemory(nil)
	ctx := context.Background()
	id := uuid.New()
	if _, err := repo.UpsertTenant(ctx, repository.UpsertTenantParams{ID: id, Active: true}); err != nil {
		t.Fatalf("UpsertTenant: %v", err)
	}

	reg := New(repo, nil, nil)
	if err := reg.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	release, ok := reg.TryLock(id)
	if !ok {
		t.Fatalf("first TryLock should succeed")
	}
	if _, ok := reg.TryLock(id); ok {
		t.Fatalf("second concurrent TryLock should fail while held")
	}
	release()
	if _, ok := reg.TryLock(id); !ok {
		t.Fatalf("TryLock after release should succeed")
	}
}

func TestRegistry_TryLock_UnknownTenant(t *testing.T) {
	reg := New(repository.NewMemory(nil), nil, nil)
	if _, ok := reg.TryLock(uuid.New()); ok {
		t.Fatalf("TryLock on unknown tenant should fail")
	}
}

func TestRegistry_RecordCompletion_UpdatesSnapshotAndFlushes(t *testing.T) {
	repo := repository.NewMemory(nil)
	ctx := context.Background()
	id := uuid.New()
	if _, err := repo.UpsertTenant(ctx, repository.UpsertTenantParams{ID: id, Active: true}); err != nil {
		t.Fatalf("UpsertTenant: %v", err)
	}

	reg := New(repo, nil, nil)
	if err := reg.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	reg.RecordCompletion(id, repository.CompletionOutcome{ActedAt: time.Now(), DayKey: "2026-07-31", LLMCalls: 1, Posts: 1})

	snap, ok := reg.Get(id)
	if !ok || snap.DailyPosts != 1 {
		t.Fatalf("in-memory snapshot not updated immediately: %+v ok=%v", snap, ok)
	}

	if err := reg.FlushPending(ctx); err != nil {
		t.Fatalf("FlushPending: %v", err)
	}
	persisted, err := repo.GetTenant(ctx, id)
	if err != nil {
		t.Fatalf("GetTenant: %v", err)
	}
	if persisted.DailyPosts != 1 {
		t.Errorf("repository not updated after flush: DailyPosts = %d, want 1", persisted.DailyPosts)
	}
}
