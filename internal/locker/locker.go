// Package locker provides the process-wide named lock guarding the
// allocation critical section.
//
// Every write path that reads a ledger aggregate and then writes a row
// affecting that aggregate runs inside WithLock("alloc", …): single
// allocation, batch allocation, subscription payment recording, and the
// monthly allocation batch. The lock serializes those sections, giving a
// linearizable view of the ledger.
//
// GUARDRAIL: The lock is released on every exit path, including panic.
// Nested acquisition of the same name within one call chain is forbidden
// and detected through the context.
package locker

import (
	"context"
	"fmt"
	"sync"
	"time"

	pkgerrors "pledgeledger/pkg/errors"
)

// LockAlloc is the name of the allocation critical-section lock.
const LockAlloc = "alloc"

// DefaultWait is the standard acquisition budget.
const DefaultWait = 30 * time.Second

// Locker acquires named locks. Dependency-injectable for tests.
type Locker interface {
	// WithLock runs fn while holding the named lock. If the lock cannot
	// be acquired within wait, returns ErrBusy without running fn.
	// The context passed to fn must be used for any nested WithLock call
	// so re-entry can be detected.
	WithLock(ctx context.Context, name string, wait time.Duration, fn func(ctx context.Context) error) error
}

type heldKey struct{ name string }

// Named is the production Locker: one semaphore per name.
type Named struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewNamed returns a process-wide named locker.
func NewNamed() *Named {
	return &Named{locks: make(map[string]chan struct{})}
}

func (n *Named) semaphore(name string) chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	sem, ok := n.locks[name]
	if !ok {
		sem = make(chan struct{}, 1)
		n.locks[name] = sem
	}
	return sem
}

// WithLock implements Locker.
func (n *Named) WithLock(ctx context.Context, name string, wait time.Duration, fn func(ctx context.Context) error) error {
	if held, _ := ctx.Value(heldKey{name}).(bool); held {
		return fmt.Errorf("lock %q: %w", name, pkgerrors.ErrLockReentry)
	}

	sem := n.semaphore(name)
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case sem <- struct{}{}:
		// acquired
	case <-timer.C:
		return fmt.Errorf("lock %q after %s: %w", name, wait, pkgerrors.ErrBusy)
	case <-ctx.Done():
		return fmt.Errorf("lock %q: %w", name, ctx.Err())
	}

	defer func() { <-sem }()
	return fn(context.WithValue(ctx, heldKey{name}, true))
}

// Nop is a Locker that runs fn immediately. For tests that do not
// exercise contention.
type Nop struct{}

// WithLock runs fn without locking.
func (Nop) WithLock(ctx context.Context, name string, _ time.Duration, fn func(ctx context.Context) error) error {
	return fn(context.WithValue(ctx, heldKey{name}, true))
}

var (
	_ Locker = (*Named)(nil)
	_ Locker = Nop{}
)
