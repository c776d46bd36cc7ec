// Package spin provides a non-blocking mutual-exclusion primitive for device
// state that may be touched from interrupt or polling contexts.
//
// Unlike sync.Mutex, a contended Lock never parks the caller or hands control
// to a scheduler; it spins until the lock is released. Critical sections must
// be short and must never block on the scheduler while the lock is held.
package spin

import "sync/atomic"

// Mutex is an interrupt-safe spin lock. The zero value is unlocked.
type Mutex struct {
	state atomic.Uint32
}

// Lock acquires the mutex, spinning until it is available.
func (m *Mutex) Lock() {
	for !m.state.CompareAndSwap(0, 1) {
	}
}

// TryLock acquires the mutex if it is free and reports whether it succeeded.
func (m *Mutex) TryLock() bool {
	return m.state.CompareAndSwap(0, 1)
}

// Unlock releases the mutex. Unlocking an unlocked mutex is a caller bug.
func (m *Mutex) Unlock() {
	m.state.Store(0)
}
