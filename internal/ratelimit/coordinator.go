// Package ratelimit implements the Rate-Limit Coordinator (spec §4.3): it
// composes a vector of token buckets into a single admission decision per
// decision site (an LLM call or a publish), consuming coarsest-to-finest
// and refunding already-consumed tokens best-effort on partial failure.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/nightrelay/postengine/internal/bucket"
	"github.com/nightrelay/postengine/internal/telemetry"
)

// Decision is the coordinator's admission verdict.
type Decision struct {
	Admitted bool
	Defer    time.Duration // meaningful iff !Admitted
}

// Coordinator composes buckets into admission decisions.
type Coordinator struct {
	store          bucket.Store
	defaultBackoff time.Duration
}

// New creates a Coordinator over the given bucket Store. defaultBackoff is
// the defer duration used when the store itself times out (spec §4.3:
// "Timeouts on the counter store map to defer(default_backoff)").
func New(store bucket.Store, defaultBackoff time.Duration) *Coordinator {
	if defaultBackoff <= 0 {
		defaultBackoff = 5 * time.Second
	}
	return &Coordinator{store: store, defaultBackoff: defaultBackoff}
}

// Request is one bucket to consume as part of a composite admission
// decision.
type Request struct {
	Key         bucket.Key
	Cost        int64
	Capacity    int64
	RefillPerNs float64
	TTL         time.Duration
}

// Admit consumes each request in order (callers must pass coarsest-to-
// finest: global before per-tenant, day before second, per spec §4.3) and
// returns Admit on full success. On the first rejection or store error, it
// refunds every bucket already consumed in this call and returns a Defer
// decision sized to the rejecting bucket's retry_after (or defaultBackoff
// on a store error).
func (c *Coordinator) Admit(ctx context.Context, reqs []Request) (Decision, error) {
	consumed := make([]Request, 0, len(reqs))

	for _, req := range reqs {
		res, err := c.store.Consume(ctx, bucket.Spec{
			Key: req.Key, Cost: req.Cost, Capacity: req.Capacity,
			RefillPerNs: req.RefillPerNs, TTL: req.TTL,
		})
		if err != nil {
			c.refundAll(ctx, consumed)
			return Decision{Admitted: false, Defer: c.defaultBackoff}, fmt.Errorf("consuming %s: %w", req.Key, err)
		}

		telemetry.BucketRemaining.WithLabelValues(req.Key.Namespace()).Set(float64(res.Remaining))

		if !res.OK {
			c.refundAll(ctx, consumed)
			retry := res.RetryAfter
			if retry <= 0 {
				retry = c.defaultBackoff
			}
			return Decision{Admitted: false, Defer: retry}, nil
		}
		consumed = append(consumed, req)
	}

	return Decision{Admitted: true}, nil
}

// Remaining reports a bucket's last-known token count for the health
// surface (spec §4.10), without consuming.
func (c *Coordinator) Remaining(ctx context.Context, key bucket.Key) (int64, bool, error) {
	return c.store.Remaining(ctx, key)
}

// ExtendLLMRetryAfter floors tenantID's llm:sec bucket so a driver-
// signaled retry_after is honored by the next Admit call (spec §4.3, §7:
// "extend the tenant's llm:sec bucket by a signaled retry_after"). Admit
// itself never observes a driver-side rate-limit response, so callers
// that get one back from the LLM driver call this directly.
func (c *Coordinator) ExtendLLMRetryAfter(ctx context.Context, tenantID string, perSec int, retryAfter time.Duration) error {
	key := bucket.Key("llm:sec:" + tenantID)
	return c.store.ExtendRetryAfter(ctx, key, bucket.PerSecond(float64(perSec)), retryAfter)
}

// refundAll best-effort re-credits every bucket already consumed in the
// current Admit call. Failures are swallowed: refund is an optimization,
// not a correctness requirement (spec §4.3).
func (c *Coordinator) refundAll(ctx context.Context, consumed []Request) {
	for _, req := range consumed {
		_ = c.store.Refund(ctx, req.Key, req.Cost)
	}
}

// LLMRequests builds the bucket vector for an LLM admission decision,
// ordered coarsest-to-finest per spec §4.3: global daily cap first, then
// the tenant's daily cap, then the tenant's per-second pacing bucket.
func LLMRequests(tenantID string, perSec, dailyLimit, globalDailyLimit int) []Request {
	return []Request{
		{
			Key: bucket.Key("llm:day:global"), Cost: 1,
			Capacity: int64(globalDailyLimit), RefillPerNs: bucket.DailyRate(int64(globalDailyLimit)),
			TTL: 48 * time.Hour,
		},
		{
			Key: bucket.Key("llm:day:" + tenantID), Cost: 1,
			Capacity: int64(dailyLimit), RefillPerNs: bucket.DailyRate(int64(dailyLimit)),
			TTL: 48 * time.Hour,
		},
		{
			Key: bucket.Key("llm:sec:" + tenantID), Cost: 1,
			Capacity: int64(perSec), RefillPerNs: bucket.PerSecond(float64(perSec)),
			TTL: time.Minute,
		},
	}
}

// PostRequests builds the bucket vector for a publish admission decision
// (spec §4.3).
func PostRequests(tenantID string, dailyLimit int) []Request {
	return []Request{
		{
			Key: bucket.Key("post:day:" + tenantID), Cost: 1,
			Capacity: int64(dailyLimit), RefillPerNs: bucket.DailyRate(int64(dailyLimit)),
			TTL: 48 * time.Hour,
		},
	}
}
