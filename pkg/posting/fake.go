package posting

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Fake is an in-memory Driver for tests.
type Fake struct {
	PublishFn func(ctx context.Context, credentials []byte, text string) (Result, error)

	mu         sync.Mutex
	published  map[string]string // externalID -> text
	nextID     int64
	callCount  int64
}

// NewFake creates a Fake that publishes successfully with a sequential
// external id, unless overridden.
func NewFake() *Fake {
	return &Fake{published: make(map[string]string)}
}

func (f *Fake) CallCount() int64 { return atomic.LoadInt64(&f.callCount) }

func (f *Fake) Publish(ctx context.Context, credentials []byte, text string) (Result, error) {
	atomic.AddInt64(&f.callCount, 1)
	if f.PublishFn != nil {
		return f.PublishFn(ctx, credentials, text)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("fake-%d", f.nextID)
	f.published[id] = text
	return Result{ExternalID: id}, nil
}

func (f *Fake) Delete(ctx context.Context, credentials []byte, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.published, externalID)
	return nil
}

// Published returns the text published under externalID, if any.
func (f *Fake) Published(externalID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	text, ok := f.published[externalID]
	return text, ok
}

var _ Driver = (*Fake)(nil)
