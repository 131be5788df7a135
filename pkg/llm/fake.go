package llm

import (
	"context"
	"sync"
	"sync/atomic"
)

// Fake is an in-memory Driver for tests. CompleteFn/EmbedFn default to
// deterministic canned responses; set them to control specific scenarios
// (rate limiting, transient failure, particular embeddings).
type Fake struct {
	CompleteFn func(ctx context.Context, prompt string, params Params) (Completion, error)
	EmbedFn    func(ctx context.Context, text string) ([]float32, error)

	mu         sync.Mutex
	callCount  int64
	lastPrompt string
}

// NewFake creates a Fake whose completion text is "generated: " followed by
// the prompt and whose embedding is always {1, 0, 0}, unless overridden.
func NewFake() *Fake {
	return &Fake{}
}

// CallCount returns how many times Complete has been invoked.
func (f *Fake) CallCount() int64 { return atomic.LoadInt64(&f.callCount) }

func (f *Fake) Complete(ctx context.Context, prompt string, params Params) (Completion, error) {
	atomic.AddInt64(&f.callCount, 1)
	f.mu.Lock()
	f.lastPrompt = prompt
	f.mu.Unlock()

	if f.CompleteFn != nil {
		return f.CompleteFn(ctx, prompt, params)
	}
	return Completion{Text: "generated: " + prompt, TokenUsage: len(prompt) / 4, FinishReason: FinishStop}, nil
}

func (f *Fake) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.EmbedFn != nil {
		return f.EmbedFn(ctx, text)
	}
	return []float32{1, 0, 0}, nil
}

var _ Driver = (*Fake)(nil)
