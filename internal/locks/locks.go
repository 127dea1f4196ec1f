// Package locks provides per-key mutual exclusion for account addresses.
package locks

import (
	"context"
	"slices"
	"sync"
)

// Registry hands out one mutex per key. Mutexes are created on first use and
// kept for the lifetime of the registry.
type Registry struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{locks: make(map[string]chan struct{})}
}

func (r *Registry) get(key string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		r.locks[key] = ch
	}
	return ch
}

// Lock blocks until key is free or ctx ends. The returned func releases the
// key; calling it more than once is harmless.
func (r *Registry) Lock(ctx context.Context, key string) (func(), error) {
	ch := r.get(key)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-ch })
	}, nil
}

// MultiLock takes every key in sorted order, so two callers with overlapping
// key sets can never wait on each other in a cycle. The returned func
// releases them in reverse order. If ctx ends part way, keys already taken
// are released before returning.
func (r *Registry) MultiLock(ctx context.Context, keys []string) (func(), error) {
	ordered := slices.Clone(keys)
	slices.Sort(ordered)
	ordered = slices.Compact(ordered)

	held := make([]func(), 0, len(ordered))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}

	for _, key := range ordered {
		unlock, err := r.Lock(ctx, key)
		if err != nil {
			release()
			return nil, err
		}
		held = append(held, unlock)
	}
	return release, nil
}

// Size returns how many keys have been seen.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
