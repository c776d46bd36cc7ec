package platform

import (
	"fmt"
	"sync"
)

// simDMABase is where simulated DMA allocations appear in device address
// space. The value only has to avoid colliding with registered regions.
const simDMABase = 0x8000_0000

// SimMemory is a heap-backed Memory used by tests and hardware-free tools.
// Physical regions (such as a synthetic ECAM window) are registered up front
// with AddRegion; DMA-coherent allocations are plain Go slices with
// synthesized device addresses and full accounting.
type SimMemory struct {
	mu      sync.Mutex
	regions []simRegion
	next    uint64
	live    map[uint64]int
	stats   AllocStats
}

type simRegion struct {
	base uint64
	data []byte
}

// NewSimMemory returns an empty simulated memory service.
func NewSimMemory() *SimMemory {
	return &SimMemory{
		next: simDMABase,
		live: make(map[uint64]int),
	}
}

// AddRegion registers data as the physical range [base, base+len(data)).
// The slice is aliased, not copied, so callers can inspect device-visible
// mutations afterwards.
func (m *SimMemory) AddRegion(base uint64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regions = append(m.regions, simRegion{base: base, data: data})
}

// MapPhys implements Memory.
func (m *SimMemory) MapPhys(phys uint64, size int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.regions {
		if phys >= r.base && phys+uint64(size) <= r.base+uint64(len(r.data)) {
			off := phys - r.base
			return r.data[off : off+uint64(size) : off+uint64(size)], nil
		}
	}
	return nil, fmt.Errorf("platform: no mapping for physical range %#x+%#x", phys, size)
}

// AllocCoherent implements Memory.
func (m *SimMemory) AllocCoherent(size, align int) (DMABuffer, error) {
	if size <= 0 {
		return DMABuffer{}, fmt.Errorf("platform: invalid DMA allocation size %d", size)
	}
	if align <= 0 {
		align = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	addr := (m.next + uint64(align) - 1) &^ (uint64(align) - 1)
	m.next = addr + uint64(size)
	m.live[addr] = size
	m.stats.Allocs++
	m.stats.LiveBytes += int64(size)
	return DMABuffer{
		DeviceAddr: addr,
		Data:       make([]byte, size),
	}, nil
}

// FreeCoherent implements Memory.
func (m *SimMemory) FreeCoherent(buf DMABuffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	size, ok := m.live[buf.DeviceAddr]
	if !ok {
		return fmt.Errorf("platform: free of unknown DMA buffer %#x", buf.DeviceAddr)
	}
	if size != len(buf.Data) {
		return fmt.Errorf("platform: DMA buffer %#x freed with size %d, allocated %d",
			buf.DeviceAddr, len(buf.Data), size)
	}
	delete(m.live, buf.DeviceAddr)
	m.stats.Frees++
	m.stats.LiveBytes -= int64(size)
	return nil
}

// Stats returns a snapshot of the allocator accounting.
func (m *SimMemory) Stats() AllocStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

var _ Memory = (*SimMemory)(nil)
