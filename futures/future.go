package futures

import (
	"context"
	"sync"
)

// Future is a resolve-once completion signal. The first call to Complete or
// Fail wins; every later resolution attempt is a no-op. A resolved future is
// removed from its store, if it has one.
type Future struct {
	store *Store
	id    uint64

	mu       sync.Mutex
	done     chan struct{}
	err      error
	resolved bool
}

// New creates a standalone future that is not tracked by any store. Used for
// single-slot signals such as a channel's closing signal.
func New() *Future {
	return &Future{done: make(chan struct{})}
}

// Done is closed once the future resolves, successfully or not.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the failure the future resolved with, or nil. Only meaningful
// after Done is closed.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Resolved reports whether the future has already completed or failed.
func (f *Future) Resolved() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolved
}

// Complete resolves the future successfully. Returns false if it was
// already resolved.
func (f *Future) Complete() bool {
	return f.resolve(nil)
}

// Fail resolves the future with err. Returns false if it was already
// resolved.
func (f *Future) Fail(err error) bool {
	return f.resolve(err)
}

// Wait blocks until the future resolves or ctx expires.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Future) resolve(err error) bool {
	f.mu.Lock()
	if f.resolved {
		f.mu.Unlock()
		return false
	}
	f.resolved = true
	f.err = err
	close(f.done)
	f.mu.Unlock()

	if f.store != nil {
		f.store.remove(f.id)
	}
	return true
}
