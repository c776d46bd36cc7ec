// Package driver defines the generic device model: device types, the
// network-device operations the networking stack calls, ownership-tracked
// packet buffers, and the registry/dispatch machinery that matches probes to
// enumerated PCI endpoints.
package driver

import "errors"

// ErrAgain signals "no work available now, retry later". It is the only
// transient failure in the device layer: callers retry or wait for the next
// interrupt or poll tick. It is not an error condition.
var ErrAgain = errors.New("driver: try again")

// DeviceType tags a claimed device for inventory lookup.
type DeviceType uint8

const (
	DeviceTypeUnknown DeviceType = iota
	DeviceTypeNet
	DeviceTypeBlock
	DeviceTypeDisplay
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeNet:
		return "net"
	case DeviceTypeBlock:
		return "block"
	case DeviceTypeDisplay:
		return "display"
	default:
		return "unknown"
	}
}

// Device is the minimal surface every claimed device exposes.
type Device interface {
	DeviceName() string
	DeviceType() DeviceType
}

// NetDevice is the generic network-device interface the networking stack
// drives. Implementations are safe to call from interrupt or polling
// contexts; no operation blocks waiting for hardware.
type NetDevice interface {
	Device

	// MACAddress returns the burned-in hardware address.
	MACAddress() [6]byte

	// CanTransmit and CanReceive report link readiness. When the cached
	// link state is down they service one round of pending interrupt work
	// before re-checking, so a readiness check can process queued hardware
	// events as a side effect.
	CanTransmit() bool
	CanReceive() bool

	// RxQueueSize and TxQueueSize are fixed capacities reported for buffer
	// pre-allocation planning. They are advisory, not enforced caps.
	RxQueueSize() int
	TxQueueSize() int

	// Transmit sends one frame. Ownership of buf transfers to the device
	// for the duration of the call and the buffer is always retired before
	// the call returns, success or not. A failure to queue the frame
	// surfaces as ErrAgain.
	Transmit(buf *NetBuf) error

	// Receive returns the next completed receive buffer in completion
	// order, or ErrAgain if no frame is available yet. Ownership of the
	// returned buffer transfers to the caller until it is passed to
	// RecycleRxBuffer.
	Receive() (*NetBuf, error)

	// RecycleRxBuffer returns a previously delivered receive buffer.
	// Each buffer must be recycled exactly once.
	RecycleRxBuffer(buf *NetBuf) error

	// RecycleTxBuffers reclaims completed transmit buffers for devices
	// that retire them asynchronously.
	RecycleTxBuffers() error

	// AllocTxBuffer produces a fresh buffer of the given size for the
	// caller to fill and pass to Transmit.
	AllocTxBuffer(size int) (*NetBuf, error)
}
