// Package e1000e adapts an Intel E1000E driver core to the generic
// network-device interface. The core's descriptor-ring state machine is
// library-provided and consumed through the Core contract; this package
// supplies the hardware capabilities the core needs (the Kernel bridge) and
// manages the packet buffers that cross the hardware boundary.
package e1000e

import (
	"time"

	"github.com/tinyrange/metal/internal/platform"
)

// Settings is the fixed configuration a core is constructed with.
type Settings struct {
	EnableMSI bool
	MTU       int
}

// NetDevSettings is the receive filtering applied when the device is opened.
type NetDevSettings struct {
	Promiscuous   bool
	AllMulticast  bool
	MulticastList [][6]byte
	UnicastList   [][6]byte
}

// XmitConfig is the per-call transmit configuration.
type XmitConfig struct {
	Segs           int
	IPv4           bool
	NoFCS          bool
	VLANTagPresent bool
}

// Core is the wrapped driver core. Implementations drive the real NIC's
// descriptor rings; all calls happen with the adapter's device state lock
// held.
type Core interface {
	// ReadMACAddr returns the burned-in hardware address.
	ReadMACAddr() ([6]byte, error)

	// Open applies receive filter settings and opens the device for
	// traffic.
	Open(settings NetDevSettings) error

	// IsLinkUp reports the cached link state without touching hardware.
	IsLinkUp() bool

	// ServiceIRQ services one round of pending interrupt work for the
	// given vector.
	ServiceIRQ(vector int) error

	// CleanTxIRQ drains completed transmit descriptors.
	CleanTxIRQ()

	// CleanRxIRQ drains up to max completed receive descriptors and
	// returns their frames in completion order. The returned slices are
	// only valid until the next core call; callers copy what they keep.
	CleanRxIRQ(max int) [][]byte

	// Xmit queues one frame for transmission.
	Xmit(cfg XmitConfig, frame []byte) error
}

// CoreFactory constructs a core bound to a device identifier. The Kernel is
// passed explicitly instead of being registered in global state, so multiple
// devices can coexist.
type CoreFactory func(k Kernel, deviceID uint16, settings Settings) (Core, error)

// Kernel is the capability set a core requires from its host. The adapter
// implements it against a real PCI endpoint and the platform memory service.
type Kernel interface {
	// MapBAR resolves base address register n to host-accessible memory.
	// Only memory BARs can be mapped; an I/O-space or absent BAR is a
	// contract violation and fails rather than mapping a wrong address.
	MapBAR(n int) ([]byte, error)

	// Delay busy-waits for at least d. It may run with interrupts masked
	// and never yields.
	Delay(d time.Duration)

	// ReadConfigWord reads the 16-bit configuration word at a byte
	// offset.
	ReadConfigWord(offset int) uint16

	// AllocCoherent allocates DMA-coherent memory for descriptor rings
	// and hardware buffers. Failure is fatal for bring-up.
	AllocCoherent(size int) (platform.DMABuffer, error)

	// FreeCoherent releases a buffer from AllocCoherent exactly once.
	FreeCoherent(buf platform.DMABuffer) error

	// OnXmitCompleted is a best-effort transmit-completion notification.
	OnXmitCompleted(pkts, bytes uint32)

	// Unmap is a best-effort teardown notification for a region returned
	// by MapBAR.
	Unmap(region []byte)
}
