// Package bucket implements the engine's distributed Token-Bucket Store
// (spec §4.2): an atomic consume primitive over a shared counter store,
// used by the Rate-Limit Coordinator to enforce per-tenant and global
// quotas.
package bucket

import (
	"context"
	"time"
)

// Key is a namespaced bucket identifier, e.g. "llm:sec:<tenant>",
// "llm:day:<tenant>", "post:day:<tenant>", "llm:day:global".
type Key string

// Namespace returns the key's first two colon-delimited segments (e.g.
// "llm:sec" for "llm:sec:<tenant>"), used to keep Prometheus label
// cardinality bounded across tenants.
func (k Key) Namespace() string {
	for i := 0; i < len(k); i++ {
		if k[i] == ':' {
			for j := i + 1; j < len(k); j++ {
				if k[j] == ':' {
					return string(k[:j])
				}
			}
			break
		}
	}
	return string(k)
}

// Spec parameterizes a single consume call.
type Spec struct {
	Key         Key
	Cost        int64
	Capacity    int64
	RefillPerNs float64 // tokens added per nanosecond of elapsed time
	TTL         time.Duration
}

// Result is the outcome of a single consume call.
type Result struct {
	OK         bool
	Remaining  int64
	RetryAfter time.Duration
}

// Store is the atomic token-bucket primitive described in spec §4.2.
// Implementations MUST evaluate consume server-side (e.g. a Lua script on
// Redis, or an equivalent transactional primitive) so that concurrent
// callers across many worker processes observe a single consistent bucket
// state.
type Store interface {
	// Consume atomically refills then attempts to debit Cost tokens from
	// the named bucket, creating it with Capacity tokens (minus Cost, if
	// admitted) on first use.
	Consume(ctx context.Context, spec Spec) (Result, error)
	// Refund best-effort re-credits `amount` tokens to key. Correctness of
	// the coordinator does not depend on refunds landing; it only reduces
	// false starvation after a partial admission failure (spec §4.3).
	Refund(ctx context.Context, key Key, amount int64) error
	// Remaining reports the last-known token count for key without
	// consuming, for the health surface (spec §4.10). Implementations may
	// return (0, false) if the bucket has never been touched.
	Remaining(ctx context.Context, key Key) (int64, bool, error)
	// ExtendRetryAfter floors key's token count so that, refilling at
	// refillPerNs, at least retryAfter elapses before a later Consume can
	// succeed again. It never raises the bucket above its current level:
	// a driver-signaled retry_after composes with whatever the bucket
	// already owes, it doesn't reset it (spec §4.3, §7: a rate-limited
	// driver response "extends" the bucket, it doesn't replace its state).
	ExtendRetryAfter(ctx context.Context, key Key, refillPerNs float64, retryAfter time.Duration) error
}

// PerSecond returns a RefillPerNs rate for `tokensPerSecond` tokens/sec.
func PerSecond(tokensPerSecond float64) float64 {
	return tokensPerSecond / float64(time.Second)
}

// DailyRate returns a RefillPerNs rate that refills `dailyLimit` tokens
// over a 24h period.
func DailyRate(dailyLimit int64) float64 {
	return float64(dailyLimit) / float64(24*time.Hour)
}
