// Package hostsync supplies the mutual-exclusion capability the database
// needs to serialize flash access, injectable so a single-task firmware
// build can use a no-op while a host test harness (or any future
// multi-goroutine caller) gets a real lock.
package hostsync

import "sync"

// Mutex runs fn with exclusive access held for its duration. Implementations
// must not retain fn or call it asynchronously: the caller relies on fn
// having returned before Lock itself returns.
type Mutex interface {
	Lock(fn func())
}

// NoopMutex assumes single-threaded, single-task access and performs no
// synchronization at all — the common case for firmware with no real
// concurrency.
type NoopMutex struct{}

// Lock simply invokes fn.
func (NoopMutex) Lock(fn func()) { fn() }

// StdMutex wraps a standard sync.Mutex, for the host test harness or any
// caller that does drive the database from multiple goroutines.
type StdMutex struct {
	mu sync.Mutex
}

// Lock acquires the underlying mutex, runs fn, and releases it.
func (m *StdMutex) Lock(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn()
}
