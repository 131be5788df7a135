package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/nightrelay/postengine/internal/bucket"
)

func TestAdmit_RefundsOnPartialFailure(t *testing.T) {
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	store := bucket.NewMemory(func() time.Time { return now })
	coord := New(store, time.Second)

	ctx := context.Background()
	reqs := LLMRequests("tenant-a", 1, 50, 5000)

	// Exhaust the finest bucket (llm:sec) ahead of time so the composite
	// admission fails on the last request in the vector, after the coarser
	// buckets have already been debited.
	if _, err := store.Consume(ctx, bucket.Spec{
		Key: reqs[2].Key, Cost: 1, Capacity: reqs[2].Capacity, RefillPerNs: reqs[2].RefillPerNs, TTL: reqs[2].TTL,
	}); err != nil {
		t.Fatalf("pre-consuming llm:sec: %v", err)
	}

	// Untouched buckets start full, so a complete refund leaves them at capacity.
	globalBefore, tenantDayBefore := reqs[0].Capacity, reqs[1].Capacity

	decision, err := coord.Admit(ctx, reqs)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if decision.Admitted {
		t.Fatalf("expected defer, got admit")
	}
	if decision.Defer <= 0 {
		t.Errorf("expected positive defer duration")
	}

	globalAfter, _, _ := store.Remaining(ctx, reqs[0].Key)
	tenantDayAfter, _, _ := store.Remaining(ctx, reqs[1].Key)
	if globalAfter != globalBefore {
		t.Errorf("global bucket not refunded: before=%d after=%d", globalBefore, globalAfter)
	}
	if tenantDayAfter != tenantDayBefore {
		t.Errorf("tenant day bucket not refunded: before=%d after=%d", tenantDayBefore, tenantDayAfter)
	}
}

func TestAdmit_AllPass(t *testing.T) {
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	store := bucket.NewMemory(func() time.Time { return now })
	coord := New(store, time.Second)

	ctx := context.Background()
	decision, err := coord.Admit(ctx, LLMRequests("tenant-a", 1, 50, 5000))
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if !decision.Admitted {
		t.Fatalf("expected admit, got defer(%v)", decision.Defer)
	}
}
