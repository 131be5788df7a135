// Package cache implements the Semantic Cache (spec §4.7): an exact-hash
// fast path plus an embedding-similarity fallback over recently generated
// prompts, with LRU eviction, TTL expiry, and single-flight coalescing of
// concurrent identical renders.
package cache

import (
	"context"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Entry is one cached generation result, keyed primarily by PromptHash.
type Entry struct {
	PromptHash string
	Embedding  []float32
	Text       string
	TokenUsage int
	StoredAt   time.Time
	ExpiresAt  time.Time
}

// Generator produces a fresh Entry on a cache miss. It is the pipeline's
// LLM-call step, injected so the cache package has no direct LLM
// dependency.
type Generator func(ctx context.Context) (text string, tokenUsage int, err error)

// Cache is the semantic cache. All exported methods are safe for
// concurrent use.
type Cache struct {
	mu        sync.RWMutex
	byHash    *lru.Cache[string, *Entry]
	simThresh float64
	ttl       time.Duration
	group     singleflight.Group
	nowFn     func() time.Time
}

// New creates a Cache with the given capacity (entries), similarity
// threshold for the embedding fallback, and entry TTL.
func New(capacity int, similarityThreshold float64, ttl time.Duration) (*Cache, error) {
	byHash, err := lru.New[string, *Entry](capacity)
	if err != nil {
		return nil, err
	}
	return &Cache{
		byHash:    byHash,
		simThresh: similarityThreshold,
		ttl:       ttl,
		nowFn:     time.Now,
	}, nil
}

// Result is what GetOrGenerate returns: the entry (hit or freshly
// generated) and whether it was served from cache.
type Result struct {
	Entry *Entry
	Hit   bool
}

// GetOrGenerate implements spec §4.7 and §8 properties 6 and 7 together:
//
//  1. Exact match: if promptHash has an unexpired entry, return it — no
//     generation call.
//  2. Semantic match: if embedding's cosine similarity to any unexpired
//     stored entry is ≥ the configured threshold, return that entry — no
//     generation call.
//  3. Otherwise, call gen exactly once even under concurrent callers with
//     the same promptHash (singleflight), store the result, and return it.
func (c *Cache) GetOrGenerate(ctx context.Context, promptHash string, embedding []float32, gen Generator) (Result, error) {
	if entry, ok := c.lookupExact(promptHash); ok {
		return Result{Entry: entry, Hit: true}, nil
	}
	if entry, ok := c.lookupSimilar(embedding); ok {
		return Result{Entry: entry, Hit: true}, nil
	}

	v, err, _ := c.group.Do(promptHash, func() (any, error) {
		// Re-check under the singleflight key: another goroutine may have
		// populated the entry while we were waiting to enter this section.
		if entry, ok := c.lookupExact(promptHash); ok {
			return entry, nil
		}
		text, tokens, err := gen(ctx)
		if err != nil {
			return nil, err
		}
		entry := &Entry{
			PromptHash: promptHash,
			Embedding:  embedding,
			Text:       text,
			TokenUsage: tokens,
			StoredAt:   c.nowFn(),
			ExpiresAt:  c.nowFn().Add(c.ttl),
		}
		c.store(entry)
		return entry, nil
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Entry: v.(*Entry), Hit: false}, nil
}

func (c *Cache) lookupExact(promptHash string) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.byHash.Get(promptHash)
	if !ok {
		return nil, false
	}
	if c.nowFn().After(entry.ExpiresAt) {
		return nil, false
	}
	return entry, true
}

// lookupSimilar scans the cached entries for the highest cosine similarity
// to embedding, returning a hit iff it clears the configured threshold.
// The LRU's Keys() order is oldest-to-newest access; scanning it fully is
// acceptable at this cache's expected scale (bounded by CACHE_CAP).
func (c *Cache) lookupSimilar(embedding []float32) (*Entry, bool) {
	if len(embedding) == 0 {
		return nil, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var best *Entry
	bestSim := -1.0
	now := c.nowFn()
	for _, hash := range c.byHash.Keys() {
		entry, ok := c.byHash.Peek(hash)
		if !ok || now.After(entry.ExpiresAt) || len(entry.Embedding) == 0 {
			continue
		}
		sim := cosineSimilarity(embedding, entry.Embedding)
		if sim > bestSim {
			bestSim, best = sim, entry
		}
	}
	if best != nil && bestSim >= c.simThresh {
		return best, true
	}
	return nil, false
}

func (c *Cache) store(entry *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byHash.Add(entry.PromptHash, entry)
}

// Sweep evicts every expired entry. Callers invoke this periodically;
// expired entries are also lazily skipped by lookups in the meantime, so
// Sweep is a memory-reclamation optimization, not a correctness
// requirement.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFn()
	removed := 0
	for _, hash := range c.byHash.Keys() {
		entry, ok := c.byHash.Peek(hash)
		if ok && now.After(entry.ExpiresAt) {
			c.byHash.Remove(hash)
			removed++
		}
	}
	return removed
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return -1
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return -1
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
