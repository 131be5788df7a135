package bucket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrStoreUnavailable wraps a transient failure to reach the backing
// counter store. Callers MUST treat this as transient (spec §4.2).
var ErrStoreUnavailable = errors.New("bucket: store unavailable")

// consumeScript implements spec §4.2's refill-then-consume primitive as a
// single atomic Lua script, so the read-refill-compare-write cycle can
// never interleave with a concurrent caller touching the same key.
//
// KEYS[1] = bucket hash key (fields: tokens, last_refill_ns)
// ARGV[1] = cost
// ARGV[2] = capacity
// ARGV[3] = refill_per_ns (float, as string)
// ARGV[4] = now_ns
// ARGV[5] = ttl_seconds
//
// Returns {ok (0/1), remaining, retry_after_ns}.
const consumeScript = `
local key = KEYS[1]
local cost = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local rate = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local tokens = tonumber(redis.call('HGET', key, 'tokens'))
local last = tonumber(redis.call('HGET', key, 'last_refill_ns'))

if tokens == nil then
  tokens = capacity
  last = now
end

local elapsed = now - last
if elapsed < 0 then elapsed = 0 end
tokens = math.min(capacity, tokens + elapsed * rate)

local ok = 0
local retry_after = 0
if tokens >= cost then
  tokens = tokens - cost
  ok = 1
else
  local deficit = cost - tokens
  if rate > 0 then
    retry_after = math.ceil(deficit / rate)
  else
    retry_after = -1
  end
end

redis.call('HSET', key, 'tokens', tokens, 'last_refill_ns', now)
redis.call('EXPIRE', key, ttl)

return {ok, tostring(tokens), tostring(retry_after)}
`

// refundScript best-effort re-credits tokens without disturbing
// last_refill_ns (a refund is not a refill). The credit itself is not
// capped; the next consume's refill clamps tokens to capacity.
const refundScript = `
local key = KEYS[1]
local amount = tonumber(ARGV[1])
local tokens = tonumber(redis.call('HGET', key, 'tokens'))
if tokens == nil then
  return 0
end
redis.call('HSET', key, 'tokens', tokens + amount)
return 1
`

// extendScript folds in whatever refill has accrued since last_refill_ns,
// then floors tokens at floor_value so a later consumeScript call can't
// succeed until retry_after has elapsed, without raising the bucket above
// whatever it already held (spec §4.3, §7).
//
// KEYS[1] = bucket hash key
// ARGV[1] = refill_per_ns (float, as string)
// ARGV[2] = now_ns
// ARGV[3] = floor_value (float, as string; negative == a future retry)
// ARGV[4] = ttl_seconds
const extendScript = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local floor = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local tokens = tonumber(redis.call('HGET', key, 'tokens'))
local last = tonumber(redis.call('HGET', key, 'last_refill_ns'))
if tokens == nil then
  tokens = 0
  last = now
end

local elapsed = now - last
if elapsed < 0 then elapsed = 0 end
tokens = tokens + elapsed * rate
if tokens > floor then
  tokens = floor
end

redis.call('HSET', key, 'tokens', tokens, 'last_refill_ns', now)
redis.call('EXPIRE', key, ttl)
return 1
`

// Redis is a Store backed by Redis, using an atomic Lua script for the
// refill-and-consume primitive (spec §4.2).
type Redis struct {
	client       *redis.Client
	consume      *redis.Script
	refund       *redis.Script
	extend       *redis.Script
	clockNanosFn func() int64
}

// NewRedis creates a Redis-backed bucket Store.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{
		client:       client,
		consume:      redis.NewScript(consumeScript),
		refund:       redis.NewScript(refundScript),
		extend:       redis.NewScript(extendScript),
		clockNanosFn: func() int64 { return time.Now().UnixNano() },
	}
}

func redisKey(k Key) string { return "bucket:" + string(k) }

// Consume implements Store.
func (r *Redis) Consume(ctx context.Context, spec Spec) (Result, error) {
	ttlSeconds := int64(spec.TTL / time.Second)
	if ttlSeconds <= 0 {
		ttlSeconds = 172800 // 48h default per spec §4.2 for daily buckets
	}

	res, err := r.consume.Run(ctx, r.client, []string{redisKey(spec.Key)},
		spec.Cost, spec.Capacity, fmt.Sprintf("%.17g", spec.RefillPerNs), r.clockNanosFn(), ttlSeconds,
	).Result()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) != 3 {
		return Result{}, fmt.Errorf("bucket: unexpected script result shape: %v", res)
	}

	admitted := fmt.Sprint(arr[0]) == "1"

	var remainingF float64
	fmt.Sscanf(fmt.Sprint(arr[1]), "%f", &remainingF)
	remaining := int64(remainingF)

	var retryAfterRaw int64
	fmt.Sscanf(fmt.Sprint(arr[2]), "%d", &retryAfterRaw)

	retryAfter := time.Duration(0)
	if !admitted {
		if retryAfterRaw < 0 {
			retryAfter = 24 * time.Hour // zero refill rate: caller must wait out the TTL/reset
		} else {
			retryAfter = time.Duration(retryAfterRaw)
		}
	}

	return Result{OK: admitted, Remaining: remaining, RetryAfter: retryAfter}, nil
}

// Refund implements Store.
func (r *Redis) Refund(ctx context.Context, key Key, amount int64) error {
	if amount <= 0 {
		return nil
	}
	_, err := r.refund.Run(ctx, r.client, []string{redisKey(key)}, amount).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Remaining implements Store.
func (r *Redis) Remaining(ctx context.Context, key Key) (int64, bool, error) {
	val, err := r.client.HGet(ctx, redisKey(key), "tokens").Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	var f float64
	fmt.Sscanf(val, "%f", &f)
	return int64(f), true, nil
}

// ExtendRetryAfter implements Store.
func (r *Redis) ExtendRetryAfter(ctx context.Context, key Key, refillPerNs float64, retryAfter time.Duration) error {
	if retryAfter <= 0 || refillPerNs <= 0 {
		return nil
	}
	floor := -(float64(retryAfter) * refillPerNs)
	_, err := r.extend.Run(ctx, r.client, []string{redisKey(key)},
		fmt.Sprintf("%.17g", refillPerNs), r.clockNanosFn(), fmt.Sprintf("%.17g", floor), 172800,
	).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}
