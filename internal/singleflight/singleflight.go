package singleflight

import (
	"context"
	"sync"
)

// Group manages a set of in-flight calls to prevent duplicate work.
// Entries leave the map the moment their call returns, so a later call with
// the same key always starts fresh work.
type Group[K comparable, T any] struct {
	mu sync.Mutex
	m  map[K]*call[T]
}

// call represents an active function call.
type call[T any] struct {
	done   chan struct{}
	val    T
	cancel context.CancelFunc

	// waiters counts joined duplicates; refs counts everyone still waiting,
	// the caller that started the call included.
	waiters int
	refs    int
}

// New creates a new singleflight Group.
func New[K comparable, T any]() *Group[K, T] {
	return &Group[K, T]{
		m: make(map[K]*call[T]),
	}
}

// Do runs fn once per key among concurrent callers. Later callers with the
// same key wait for the running call and get its value with shared=true.
//
// fn runs on its own goroutine with a context that keeps the values of the
// first caller's ctx but not its cancellation. That context is cancelled
// only once every caller waiting on the call has given up. A caller whose
// ctx ends returns ctx.Err() without disturbing the others.
func (g *Group[K, T]) Do(ctx context.Context, key K, fn func(context.Context) T) (val T, shared bool, err error) {
	g.mu.Lock()
	if c, ok := g.m[key]; ok {
		c.waiters++
		c.refs++
		g.mu.Unlock()
		return g.wait(ctx, key, c, true)
	}

	if err := ctx.Err(); err != nil {
		g.mu.Unlock()
		var zero T
		return zero, false, err
	}

	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &call[T]{done: make(chan struct{}), cancel: cancel, refs: 1}
	g.m[key] = c
	g.mu.Unlock()

	go func() {
		defer cancel()
		v := fn(workCtx)

		g.mu.Lock()
		if g.m[key] == c {
			delete(g.m, key)
		}
		g.mu.Unlock()

		c.val = v
		close(c.done)
	}()

	return g.wait(ctx, key, c, false)
}

func (g *Group[K, T]) wait(ctx context.Context, key K, c *call[T], shared bool) (T, bool, error) {
	select {
	case <-c.done:
		return c.val, shared, nil
	case <-ctx.Done():
		select {
		case <-c.done:
			return c.val, shared, nil
		default:
		}
	}

	g.mu.Lock()
	c.refs--
	if c.refs == 0 {
		// Nobody is left to receive the value. Later callers start fresh.
		if g.m[key] == c {
			delete(g.m, key)
		}
		c.cancel()
	}
	g.mu.Unlock()

	var zero T
	return zero, shared, ctx.Err()
}

// InFlight reports how many keys currently have a running call.
func (g *Group[K, T]) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.m)
}

// Waiters reports how many duplicate callers joined the running call for key.
func (g *Group[K, T]) Waiters(key K) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.m[key]; ok {
		return c.waiters
	}
	return 0
}
