// Package lazy creates shared resources on first use. Concurrent callers for
// the same name wait on one creation; a failed creation is not cached, so the
// next caller tries again.
package lazy

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Factory builds the resource for name. It runs detached from the caller's
// cancellation so one impatient caller cannot fail the others waiting on it.
type Factory[T any] func(ctx context.Context, name string) (T, error)

// Group is a get-or-create cache keyed by name.
type Group[T any] struct {
	factory Factory[T]
	flight  singleflight.Group

	mu    sync.RWMutex
	ready map[string]T
}

func NewGroup[T any](factory Factory[T]) *Group[T] {
	return &Group[T]{
		factory: factory,
		ready:   make(map[string]T),
	}
}

// GetOrCreate returns the ready value for name, creating it when absent.
// Waiting honours ctx; the creation itself keeps running for other callers.
func (g *Group[T]) GetOrCreate(ctx context.Context, name string) (T, error) {
	if v, ok := g.Peek(name); ok {
		return v, nil
	}

	ch := g.flight.DoChan(name, func() (any, error) {
		if v, ok := g.Peek(name); ok {
			return v, nil
		}
		v, err := g.factory(context.WithoutCancel(ctx), name)
		if err != nil {
			return nil, err
		}
		g.mu.Lock()
		g.ready[name] = v
		g.mu.Unlock()
		return v, nil
	})

	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}

// Peek returns the value for name without creating it.
func (g *Group[T]) Peek(name string) (T, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.ready[name]
	return v, ok
}

// Forget drops the ready value for name and returns it, so the next
// GetOrCreate builds a fresh one.
func (g *Group[T]) Forget(name string) (T, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.ready[name]
	delete(g.ready, name)
	return v, ok
}
