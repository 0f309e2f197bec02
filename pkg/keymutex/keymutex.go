// Copyright 2026 Digital Platformer
//
// Per-Key Mutual Exclusion
// FIFO keyed locks for per-signer submission serialization

// Package keymutex provides per-identity mutual exclusion for ledger
// submissions. The settlement ledger assigns each signing account a linear
// sequence number, so two in-flight submissions from the same signer race
// and one fails with a past-sequence error. Serializing submissions per
// signer inside the process removes that race; cross-process coordination
// is out of scope.
package keymutex

import (
	"context"
	"sync"
)

// KeyMutex is a keyed mutual-exclusion primitive. Waiters for the same key
// queue FIFO; distinct keys proceed in parallel. It is not re-entrant: a
// nested WithLock on the same key blocks until the outer one completes.
type KeyMutex struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	ch      chan struct{} // buffered size 1; holding the token = holding the lock
	waiters int
}

// New creates an empty KeyMutex.
func New() *KeyMutex {
	return &KeyMutex{locks: make(map[string]*entry)}
}

// WithLock runs f while holding an exclusive lock on key. It returns f's
// error, or the context error if ctx is cancelled before the lock is
// acquired. Once f begins, cancellation no longer interrupts it; the lock is
// always released.
func (k *KeyMutex) WithLock(ctx context.Context, key string, f func() error) error {
	e := k.acquireEntry(key)

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.releaseEntry(key, e)
		return ctx.Err()
	}

	defer func() {
		<-e.ch
		k.releaseEntry(key, e)
	}()

	return f()
}

// acquireEntry registers interest in key, creating its entry on first use.
func (k *KeyMutex) acquireEntry(key string) *entry {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, ok := k.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.waiters++
	return e
}

// releaseEntry drops interest in key and reaps the entry when nobody holds
// or waits for it.
func (k *KeyMutex) releaseEntry(key string, e *entry) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e.waiters--
	if e.waiters == 0 && len(e.ch) == 0 {
		delete(k.locks, key)
	}
}

// IsLocked reports whether key is currently held. Observational only.
func (k *KeyMutex) IsLocked(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, ok := k.locks[key]
	return ok && len(e.ch) > 0
}

// LockedCount returns the number of keys currently held. Observational only.
func (k *KeyMutex) LockedCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	n := 0
	for _, e := range k.locks {
		if len(e.ch) > 0 {
			n++
		}
	}
	return n
}
