// Package pci walks PCI Express configuration space through a memory-mapped
// ECAM window and hands out shared endpoint handles for driver probing.
//
// The package performs no device-specific I/O beyond configuration space: it
// classifies functions, enables command-register access bits on endpoints,
// and decodes BARs. Everything else belongs to the driver that claims the
// endpoint.
package pci

import (
	"encoding/binary"
	"fmt"
)

// Configuration space register offsets (type 0/1 headers).
const (
	regVendorID      = 0x00
	regDeviceID      = 0x02
	regCommand       = 0x04
	regRevisionClass = 0x08
	regHeaderType    = 0x0e
	regBAR0          = 0x10
	regSecondaryBus  = 0x19
	regInterruptLine = 0x3c
	regInterruptPin  = 0x3d
)

// Command register bits set on every endpoint before it is offered to
// drivers.
const (
	CmdIOEnable        uint16 = 1 << 0
	CmdMemoryEnable    uint16 = 1 << 1
	CmdBusMasterEnable uint16 = 1 << 2
)

const (
	headerTypeEndpoint = 0x00
	headerTypeBridge   = 0x01
	headerTypeMultiFn  = 0x80

	barCount = 6

	funcStride = 1 << 12
	busStride  = 1 << 20
)

// Address identifies one PCI function.
type Address struct {
	Bus      uint8
	Device   uint8
	Function uint8
}

// String formats the address in the conventional bb:dd.f form.
func (a Address) String() string {
	return fmt.Sprintf("%02x:%02x.%x", a.Bus, a.Device, a.Function)
}

// ecamOffset returns the byte offset of this function's configuration space
// inside the ECAM window.
func (a Address) ecamOffset() int {
	return int(a.Bus)<<20 | int(a.Device)<<15 | int(a.Function)<<12
}

// BarKind distinguishes the three BAR variants.
type BarKind uint8

const (
	BarMemory32 BarKind = iota
	BarMemory64
	BarIO
)

func (k BarKind) String() string {
	switch k {
	case BarMemory32:
		return "mem32"
	case BarMemory64:
		return "mem64"
	case BarIO:
		return "io"
	default:
		return "invalid"
	}
}

// Bar describes one decoded base address register.
type Bar struct {
	Kind         BarKind
	Address      uint64
	Size         uint64
	Prefetchable bool
	Port         uint32
}

// ConfigIO is raw dword access into an ECAM window. Offsets are absolute
// window offsets (bus/device/function already encoded). Reads outside the
// window return all ones, writes outside it are dropped.
type ConfigIO interface {
	ReadDword(offset int) uint32
	WriteDword(offset int, value uint32)
}

// bytesConfig is ConfigIO over a memory-mapped ECAM region.
type bytesConfig struct {
	ecam []byte
}

func (c bytesConfig) ReadDword(offset int) uint32 {
	if offset < 0 || offset+4 > len(c.ecam) {
		return 0xffff_ffff
	}
	return binary.LittleEndian.Uint32(c.ecam[offset:])
}

func (c bytesConfig) WriteDword(offset int, value uint32) {
	if offset < 0 || offset+4 > len(c.ecam) {
		return
	}
	binary.LittleEndian.PutUint32(c.ecam[offset:], value)
}
