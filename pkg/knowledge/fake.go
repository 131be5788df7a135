package knowledge

import "context"

// Fake is an in-memory Driver for tests.
type Fake struct {
	FetchFn func(ctx context.Context, handle string) (map[string]string, error)
	Vars    map[string]map[string]string
}

// NewFake creates a Fake returning the configured Vars for each handle.
func NewFake() *Fake {
	return &Fake{Vars: make(map[string]map[string]string)}
}

func (f *Fake) Fetch(ctx context.Context, handle string) (map[string]string, error) {
	if f.FetchFn != nil {
		return f.FetchFn(ctx, handle)
	}
	return f.Vars[handle], nil
}

var _ Driver = (*Fake)(nil)
