// Package locks provides the engine's coordination primitives:
// a reader/writer lock over the combined store+queue state, a named
// mutex registry for per-item and per-table locking, and a single-slot
// serializer that keeps Push/Pull/Purge from interleaving.
package locks

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// RWLock is a context-aware wrapper over sync.RWMutex. Readers are the
// query/read paths; writers are enqueue, collapse, and conflict
// resolution.
type RWLock struct {
	mu sync.RWMutex
}

// RLock acquires a read lock; the only suspension point is lock
// acquisition itself, so ctx is checked once up front rather than
// interrupting an in-progress Lock call (sync.RWMutex offers no
// cancellable variant).
func (l *RWLock) RLock(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	return l.mu.RUnlock, nil
}

func (l *RWLock) Lock(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	return l.mu.Unlock, nil
}

// NamedMutexRegistry hands out *sync.Mutex instances keyed by string,
// creating them on first use and reference-counting holders and waiters;
// release removes a name's entry once nothing references it any more, so
// the registry only holds names that are currently locked or awaited.
type NamedMutexRegistry struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu       sync.Mutex
	refCount int
}

func NewNamedMutexRegistry() *NamedMutexRegistry {
	return &NamedMutexRegistry{locks: map[string]*entry{}}
}

// Lock acquires the named lock, blocking until ctx is done or the lock is
// free. The returned func releases it; callers must call it exactly
// once, typically via defer.
func (r *NamedMutexRegistry) Lock(ctx context.Context, name string) (func(), error) {
	r.mu.Lock()
	e, ok := r.locks[name]
	if !ok {
		e = &entry{}
		r.locks[name] = e
	}
	e.refCount++
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.mu.Lock()
		close(done)
	}()

	select {
	case <-done:
		return func() { r.release(name, e) }, nil
	case <-ctx.Done():
		// The lock may still be acquired by the goroutine above after we
		// give up waiting; drain it asynchronously so it isn't leaked.
		// release performs the unlock.
		go func() {
			<-done
			r.release(name, e)
		}()
		return nil, ctx.Err()
	}
}

func (r *NamedMutexRegistry) release(name string, e *entry) {
	e.mu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	e.refCount--
	if e.refCount == 0 {
		delete(r.locks, name)
	}
}

// ItemKey and TableKey build the canonical names used to look up
// per-item / per-table locks, keeping the (table, id) -> string mapping
// in one place so push/pull/queue agree on it.
func ItemKey(tableName, itemID string) string { return "item:" + tableName + ":" + itemID }
func TableKey(tableName string) string        { return "table:" + tableName }

// ActionSerializer ensures Push/Pull/Purge actions never run
// concurrently against the same engine instance, while leaving local
// mutations free to proceed
// against the store through the regular reader/writer lock. It is a
// weight-1 golang.org/x/sync/semaphore.Weighted, which gives us
// cancellable acquisition for free instead of hand-rolling a channel.
type ActionSerializer struct {
	sem *semaphore.Weighted
}

func NewActionSerializer() *ActionSerializer {
	return &ActionSerializer{sem: semaphore.NewWeighted(1)}
}

// Run executes fn once no other action is in flight, blocking until
// ctx is cancelled or the slot is free.
func (a *ActionSerializer) Run(ctx context.Context, fn func(context.Context) error) error {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer a.sem.Release(1)
	return fn(ctx)
}
