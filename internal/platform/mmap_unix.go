//go:build unix

package platform

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MmapMemory backs DMA-coherent allocations with anonymous page-aligned
// mappings. It exists for hosted deployments where the "device" is another
// process or a userspace driver sharing page-granular buffers; it cannot map
// arbitrary physical ranges.
type MmapMemory struct {
	mu    sync.Mutex
	live  map[uint64]int
	stats AllocStats
}

// NewMmapMemory returns an mmap-backed Memory.
func NewMmapMemory() *MmapMemory {
	return &MmapMemory{live: make(map[uint64]int)}
}

// MapPhys implements Memory. Hosted processes have no window into physical
// address space, so this always fails.
func (m *MmapMemory) MapPhys(phys uint64, size int) ([]byte, error) {
	return nil, fmt.Errorf("platform: physical mappings unsupported on hosted memory")
}

// AllocCoherent implements Memory. Allocations are rounded up to whole pages
// so the alignment request is satisfied for any align up to the page size.
func (m *MmapMemory) AllocCoherent(size, align int) (DMABuffer, error) {
	if size <= 0 {
		return DMABuffer{}, fmt.Errorf("platform: invalid DMA allocation size %d", size)
	}
	pageSize := unix.Getpagesize()
	if align > pageSize {
		return DMABuffer{}, fmt.Errorf("platform: alignment %d exceeds page size %d", align, pageSize)
	}
	rounded := (size + pageSize - 1) &^ (pageSize - 1)
	data, err := unix.Mmap(-1, 0, rounded,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return DMABuffer{}, fmt.Errorf("platform: mmap %d bytes: %w", rounded, err)
	}
	addr := uint64(uintptr(unsafe.Pointer(&data[0])))

	m.mu.Lock()
	m.live[addr] = rounded
	m.stats.Allocs++
	m.stats.LiveBytes += int64(rounded)
	m.mu.Unlock()

	return DMABuffer{DeviceAddr: addr, Data: data[:size]}, nil
}

// FreeCoherent implements Memory.
func (m *MmapMemory) FreeCoherent(buf DMABuffer) error {
	m.mu.Lock()
	rounded, ok := m.live[buf.DeviceAddr]
	if ok {
		delete(m.live, buf.DeviceAddr)
		m.stats.Frees++
		m.stats.LiveBytes -= int64(rounded)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("platform: free of unknown DMA buffer %#x", buf.DeviceAddr)
	}
	return unix.Munmap(buf.Data[:rounded:rounded])
}

// Stats returns a snapshot of the allocator accounting.
func (m *MmapMemory) Stats() AllocStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

var _ Memory = (*MmapMemory)(nil)
