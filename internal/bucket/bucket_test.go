package bucket

import (
	"context"
	"testing"
	"time"
)

func TestMemoryConsume_PerSecondPacing(t *testing.T) {
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	clk := func() time.Time { return now }
	store := NewMemory(func() time.Time { return clk() })

	spec := Spec{Key: "llm:sec:a", Cost: 1, Capacity: 1, RefillPerNs: PerSecond(1), TTL: time.Minute}

	ctx := context.Background()
	r1, err := store.Consume(ctx, spec)
	if err != nil || !r1.OK {
		t.Fatalf("first consume should be admitted: %+v, err=%v", r1, err)
	}

	r2, err := store.Consume(ctx, spec)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if r2.OK {
		t.Fatalf("second immediate consume should be rejected (1/sec bucket)")
	}
	if r2.RetryAfter <= 0 {
		t.Errorf("expected positive retry_after, got %v", r2.RetryAfter)
	}

	// Advance past the refill window; third consume should admit.
	now = now.Add(1100 * time.Millisecond)
	r3, err := store.Consume(ctx, spec)
	if err != nil || !r3.OK {
		t.Fatalf("consume after refill window should be admitted: %+v, err=%v", r3, err)
	}
}

func TestMemoryConsume_DailyCapNeverExceeded(t *testing.T) {
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	store := NewMemory(func() time.Time { return now })
	spec := Spec{Key: "llm:day:a", Cost: 1, Capacity: 5, RefillPerNs: DailyRate(5), TTL: 48 * time.Hour}

	ctx := context.Background()
	admitted := 0
	for i := 0; i < 20; i++ {
		r, err := store.Consume(ctx, spec)
		if err != nil {
			t.Fatalf("Consume: %v", err)
		}
		if r.OK {
			admitted++
		}
	}
	if admitted != 5 {
		t.Errorf("admitted = %d within a single instant, want exactly capacity (5)", admitted)
	}
}

func TestMemoryRefund(t *testing.T) {
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	store := NewMemory(func() time.Time { return now })
	spec := Spec{Key: "post:day:a", Cost: 1, Capacity: 1, RefillPerNs: DailyRate(1), TTL: time.Hour}

	ctx := context.Background()
	if r, err := store.Consume(ctx, spec); err != nil || !r.OK {
		t.Fatalf("consume should admit: %+v, %v", r, err)
	}
	if err := store.Refund(ctx, spec.Key, 1); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	r, err := store.Consume(ctx, spec)
	if err != nil || !r.OK {
		t.Fatalf("consume after refund should admit again: %+v, %v", r, err)
	}
}

func TestMemoryExtendRetryAfter_BlocksConsumeUntilElapsed(t *testing.T) {
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	clk := func() time.Time { return now }
	store := NewMemory(func() time.Time { return clk() })
	spec := Spec{Key: "llm:sec:a", Cost: 1, Capacity: 5, RefillPerNs: PerSecond(5), TTL: time.Minute}

	ctx := context.Background()
	if r, err := store.Consume(ctx, spec); err != nil || !r.OK {
		t.Fatalf("first consume should be admitted: %+v, err=%v", r, err)
	}

	if err := store.ExtendRetryAfter(ctx, spec.Key, spec.RefillPerNs, 2*time.Second); err != nil {
		t.Fatalf("ExtendRetryAfter: %v", err)
	}

	r, err := store.Consume(ctx, spec)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if r.OK {
		t.Fatalf("consume immediately after ExtendRetryAfter should be rejected")
	}

	// The floor leaves the bucket retry-after's worth of refill below zero,
	// so a whole token is back only after 2s plus one token's refill (0.2s).
	now = now.Add(2300 * time.Millisecond)
	r, err = store.Consume(ctx, spec)
	if err != nil || !r.OK {
		t.Fatalf("consume after the extended retry-after elapses should be admitted: %+v, err=%v", r, err)
	}
}

func TestMemoryExtendRetryAfter_ZeroRetryAfterIsNoOp(t *testing.T) {
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	store := NewMemory(func() time.Time { return now })
	spec := Spec{Key: "llm:sec:a", Cost: 1, Capacity: 5, RefillPerNs: PerSecond(5), TTL: time.Minute}

	ctx := context.Background()
	before, _, err := store.Remaining(ctx, spec.Key)
	if err != nil {
		t.Fatalf("Remaining: %v", err)
	}
	if before != 0 {
		t.Fatalf("untouched bucket should report 0 remaining, got %d", before)
	}

	// A zero retry-after must be a no-op, not reset an untouched bucket to
	// some arbitrary floor.
	if err := store.ExtendRetryAfter(ctx, spec.Key, spec.RefillPerNs, 0); err != nil {
		t.Fatalf("ExtendRetryAfter: %v", err)
	}
	if _, ok, _ := store.Remaining(ctx, spec.Key); ok {
		t.Fatalf("a zero retry-after must not create bucket state")
	}
}

func TestKeyNamespace(t *testing.T) {
	tests := map[Key]string{
		"llm:sec:tenant-a":  "llm:sec",
		"llm:day:tenant-a":  "llm:day",
		"post:day:tenant-a": "post:day",
		"llm:day:global":    "llm:day",
	}
	for k, want := range tests {
		if got := k.Namespace(); got != want {
			t.Errorf("Key(%q).Namespace() = %q, want %q", k, got, want)
		}
	}
}
