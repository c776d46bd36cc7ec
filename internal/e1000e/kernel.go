package e1000e

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/metal/internal/pci"
	"github.com/tinyrange/metal/internal/platform"
)

// kernelFunc implements Kernel against a real PCI endpoint and the platform
// services. One instance exists per device and lives as long as the adapter.
type kernelFunc struct {
	ep     *pci.Endpoint
	mem    platform.Memory
	timer  platform.Timer
	logger *slog.Logger
}

func newKernelFunc(ep *pci.Endpoint, mem platform.Memory, timer platform.Timer, logger *slog.Logger) *kernelFunc {
	return &kernelFunc{ep: ep, mem: mem, timer: timer, logger: logger}
}

// MapBAR implements Kernel.
func (k *kernelFunc) MapBAR(n int) ([]byte, error) {
	bar, err := k.ep.BAR(n)
	if err != nil {
		return nil, fmt.Errorf("e1000e: resolve BAR %d: %w", n, err)
	}
	switch bar.Kind {
	case pci.BarMemory32, pci.BarMemory64:
		region, err := k.mem.MapPhys(bar.Address, int(bar.Size))
		if err != nil {
			return nil, fmt.Errorf("e1000e: map BAR %d at %#x: %w", n, bar.Address, err)
		}
		return region, nil
	case pci.BarIO:
		return nil, fmt.Errorf("e1000e: BAR %d is I/O space, memory-mapped required", n)
	default:
		return nil, fmt.Errorf("e1000e: BAR %d has unknown kind %v", n, bar.Kind)
	}
}

// Delay implements Kernel.
func (k *kernelFunc) Delay(d time.Duration) {
	k.timer.BusyWait(d)
}

// ReadConfigWord implements Kernel.
func (k *kernelFunc) ReadConfigWord(offset int) uint16 {
	k.logger.Debug("e1000e: config word read", "offset", offset)
	return k.ep.ConfigRead16(uint16(offset))
}

// AllocCoherent implements Kernel. Allocations are aligned to their own size,
// which satisfies the ring alignment the core expects.
func (k *kernelFunc) AllocCoherent(size int) (platform.DMABuffer, error) {
	buf, err := k.mem.AllocCoherent(size, size)
	if err != nil {
		return platform.DMABuffer{}, fmt.Errorf("e1000e: DMA allocation of %d bytes: %w", size, err)
	}
	return buf, nil
}

// FreeCoherent implements Kernel.
func (k *kernelFunc) FreeCoherent(buf platform.DMABuffer) error {
	return k.mem.FreeCoherent(buf)
}

// OnXmitCompleted implements Kernel.
func (k *kernelFunc) OnXmitCompleted(pkts, bytes uint32) {}

// Unmap implements Kernel.
func (k *kernelFunc) Unmap(region []byte) {}

var _ Kernel = (*kernelFunc)(nil)
