package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMemory_UpdatePostStatus_RejectsStaleTransition(t *testing.T) {
	repo := NewMemory(nil)
	ctx := context.Background()

	id := uuid.New()
	post := Post{ID: id, TenantID: uuid.New(), Text: "hello", Status: PostPending, CreatedAt: time.Now()}
	if err := repo.InsertPost(ctx, post); err != nil {
		t.Fatalf("InsertPost: %v", err)
	}

	if err := repo.UpdatePostStatus(ctx, id, StatusTransition{From: PostPending, To: PostGenerating}); err != nil {
		t.Fatalf("valid transition rejected: %v", err)
	}

	// Retrying the same From=pending transition should now fail since the
	// post has already moved to generating.
	err := repo.UpdatePostStatus(ctx, id, StatusTransition{From: PostPending, To: PostGenerating})
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition for stale From, got %v", err)
	}

	got, err := repo.GetPost(ctx, id)
	if err != nil {
		t.Fatalf("GetPost: %v", err)
	}
	if got.Status != PostGenerating {
		t.Errorf("status = %q, want generating", got.Status)
	}
}

func TestMemory_UpdatePostStatus_UnknownPost(t *testing.T) {
	repo := NewMemory(nil)
	err := repo.UpdatePostStatus(context.Background(), uuid.New(), StatusTransition{From: PostPending, To: PostGenerating})
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition for unknown post, got %v", err)
	}
}

func TestMemory_RecentPublishedTexts_NewestFirst(t *testing.T) {
	repo := NewMemory(nil)
	ctx := context.Background()
	tenantID := uuid.New()

	base := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	texts := []string{"first", "second", "third"}
	for i, text := range texts {
		published := base.Add(time.Duration(i) * time.Hour)
		if err := repo.InsertPost(ctx, Post{
			ID: uuid.New(), TenantID: tenantID, Text: text,
			Status: PostPublished, PublishedAt: &published, CreatedAt: published,
		}); err != nil {
			t.Fatalf("InsertPost: %v", err)
		}
	}
	// An unrelated tenant's published post must not leak into the result.
	otherPublished := base.Add(5 * time.Hour)
	if err := repo.InsertPost(ctx, Post{
		ID: uuid.New(), TenantID: uuid.New(), Text: "other-tenant",
		Status: PostPublished, PublishedAt: &otherPublished, CreatedAt: otherPublished,
	}); err != nil {
		t.Fatalf("InsertPost: %v", err)
	}

	got, err := repo.RecentPublishedTexts(ctx, tenantID, 2)
	if err != nil {
		t.Fatalf("RecentPublishedTexts: %v", err)
	}
	want := []string{"third", "second"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("RecentPublishedTexts = %v, want %v", got, want)
	}
}

func TestMemory_RecordCompletion_ResetsOnDayRollover(t *testing.T) {
	repo := NewMemory(nil)
	ctx := context.Background()

	id := uuid.New()
	tenant, err := repo.UpsertTenant(ctx, UpsertTenantParams{ID: id, DisplayName: "a", Active: true})
	if err != nil {
		t.Fatalf("UpsertTenant: %v", err)
	}
	_ = tenant

	if err := repo.RecordCompletion(ctx, id, CompletionOutcome{ActedAt: time.Now(), DayKey: "2026-07-30", LLMCalls: 3, Posts: 1}); err != nil {
		t.Fatalf("RecordCompletion: %v", err)
	}
	if err := repo.RecordCompletion(ctx, id, CompletionOutcome{ActedAt: time.Now(), DayKey: "2026-07-30", LLMCalls: 2, Posts: 1}); err != nil {
		t.Fatalf("RecordCompletion: %v", err)
	}

	got, err := repo.GetTenant(ctx, id)
	if err != nil {
		t.Fatalf("GetTenant: %v", err)
	}
	if got.DailyLLMCalls != 5 || got.DailyPosts != 2 {
		t.Fatalf("same-day accumulation: llm=%d posts=%d, want 5,2", got.DailyLLMCalls, got.DailyPosts)
	}

	// New day key resets rather than accumulates.
	if err := repo.RecordCompletion(ctx, id, CompletionOutcome{ActedAt: time.Now(), DayKey: "2026-07-31", LLMCalls: 1, Posts: 1}); err != nil {
		t.Fatalf("RecordCompletion: %v", err)
	}
	got, err = repo.GetTenant(ctx, id)
	if err != nil {
		t.Fatalf("GetTenant: %v", err)
	}
	if got.DailyLLMCalls != 1 || got.DailyPosts != 1 {
		t.Errorf("day rollover reset: llm=%d posts=%d, want 1,1", got.DailyLLMCalls, got.DailyPosts)
	}
	if got.DailyCounterDayKey != "2026-07-31" {
		t.Errorf("DailyCounterDayKey = %q, want 2026-07-31", got.DailyCounterDayKey)
	}
}
