// Package platform abstracts the services the device layer needs from the
// surrounding system: translating physical address ranges into accessible
// memory, allocating DMA-coherent buffers, and busy-wait timing.
//
// The device layer never touches a global allocator directly. Everything goes
// through a Memory implementation so that tests and hardware-free tools can
// substitute an accounted, heap-backed implementation.
package platform

import "time"

// DMABuffer describes one DMA-coherent allocation. DeviceAddr is the address
// the device uses for bus-master transfers and Data is the host-visible view
// of the same physical range. Both views stay valid until the buffer is
// passed back to FreeCoherent exactly once.
type DMABuffer struct {
	DeviceAddr uint64
	Data       []byte
}

// Size returns the length of the allocation in bytes.
func (b DMABuffer) Size() int { return len(b.Data) }

// Memory is the platform memory service.
//
// Implementations must be safe for concurrent AllocCoherent/FreeCoherent from
// multiple devices; callers add no serialization of their own.
type Memory interface {
	// MapPhys translates a physical address range into host-accessible
	// memory. The returned slice aliases the underlying range for the
	// lifetime of the Memory.
	MapPhys(phys uint64, size int) ([]byte, error)

	// AllocCoherent allocates size bytes of DMA-coherent memory aligned to
	// align bytes. Exhaustion is fatal for device bring-up; there is no
	// recovery path at this layer.
	AllocCoherent(size, align int) (DMABuffer, error)

	// FreeCoherent releases a buffer previously returned by AllocCoherent.
	// Freeing an unknown or already-freed buffer is a caller bug.
	FreeCoherent(buf DMABuffer) error
}

// AllocStats reports allocator accounting, used by tests to prove that
// allocate/free pairs leave the allocator observably unchanged.
type AllocStats struct {
	Allocs    uint64
	Frees     uint64
	LiveBytes int64
}

// Timer provides the busy-wait delay primitive. BusyWait blocks the calling
// context for at least d without yielding; it may run with interrupts masked.
type Timer interface {
	BusyWait(d time.Duration)
}

// BusyTimer spins on the monotonic clock.
type BusyTimer struct{}

// BusyWait implements Timer.
func (BusyTimer) BusyWait(d time.Duration) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
	}
}

var _ Timer = BusyTimer{}
