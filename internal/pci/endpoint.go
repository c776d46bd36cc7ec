package pci

import "fmt"

// Endpoint is a shared handle to one PCI Express function that is a terminal
// device. The walk and any driver that claims the endpoint hold the same
// handle; drivers that decline must not retain or mutate it.
type Endpoint struct {
	root     *Root
	addr     Address
	vendorID uint16
	deviceID uint16
}

// Address returns the function's bus/device/function address.
func (e *Endpoint) Address() Address { return e.addr }

// ID returns the function's vendor and device identifiers.
func (e *Endpoint) ID() (vendor, device uint16) {
	return e.vendorID, e.deviceID
}

// ConfigRead32 reads the 32-bit configuration dword at a 4-byte-aligned
// offset.
func (e *Endpoint) ConfigRead32(offset uint16) uint32 {
	return e.root.io.ReadDword(e.addr.ecamOffset() + int(offset&^3))
}

// ConfigWrite32 writes the 32-bit configuration dword at a 4-byte-aligned
// offset.
func (e *Endpoint) ConfigWrite32(offset uint16, value uint32) {
	e.root.io.WriteDword(e.addr.ecamOffset()+int(offset&^3), value)
}

// ConfigRead16 reads a 16-bit configuration word at a 2-byte-aligned byte
// offset. The access performed on the bus is the containing dword read; the
// requested half is extracted from it, matching little-endian configuration
// space layout.
func (e *Endpoint) ConfigRead16(offset uint16) uint16 {
	dword := e.ConfigRead32(offset)
	if offset&2 != 0 {
		return uint16(dword >> 16)
	}
	return uint16(dword)
}

// UpdateCommand read-modify-writes the command register, preserving bits the
// update function does not touch.
func (e *Endpoint) UpdateCommand(update func(uint16) uint16) {
	dword := e.ConfigRead32(regCommand)
	cmd := update(uint16(dword))
	e.ConfigWrite32(regCommand, dword&0xffff_0000|uint32(cmd))
}

// Interrupt returns the function's interrupt pin and line registers.
func (e *Endpoint) Interrupt() (pin, line uint8) {
	dword := e.ConfigRead32(regInterruptLine)
	return uint8(dword >> 8), uint8(dword)
}

// BAR decodes the nth base address register, sizing it with the usual
// write-ones probe. Absent BARs return an error: callers that require a BAR
// treat that as a contract violation, not a recoverable condition.
func (e *Endpoint) BAR(n int) (Bar, error) {
	if n < 0 || n >= barCount {
		return Bar{}, fmt.Errorf("pci %s: BAR index %d out of range", e.addr, n)
	}
	offset := uint16(regBAR0 + 4*n)
	value := e.ConfigRead32(offset)

	if value&1 != 0 {
		return Bar{
			Kind: BarIO,
			Port: value &^ 0x3,
			Size: uint64(barSize32(e, offset, 0x3)),
		}, nil
	}

	prefetchable := value&0x8 != 0
	switch (value >> 1) & 0x3 {
	case 0: // 32-bit memory
		size := barSize32(e, offset, 0xf)
		if size == 0 {
			return Bar{}, fmt.Errorf("pci %s: BAR %d not implemented", e.addr, n)
		}
		return Bar{
			Kind:         BarMemory32,
			Address:      uint64(value &^ 0xf),
			Size:         uint64(size),
			Prefetchable: prefetchable,
		}, nil
	case 2: // 64-bit memory, consumes BAR n and n+1
		if n+1 >= barCount {
			return Bar{}, fmt.Errorf("pci %s: 64-bit BAR %d has no upper half", e.addr, n)
		}
		upper := e.ConfigRead32(offset + 4)
		size := barSize64(e, offset)
		if size == 0 {
			return Bar{}, fmt.Errorf("pci %s: BAR %d not implemented", e.addr, n)
		}
		return Bar{
			Kind:         BarMemory64,
			Address:      uint64(upper)<<32 | uint64(value&^0xf),
			Size:         size,
			Prefetchable: prefetchable,
		}, nil
	default:
		return Bar{}, fmt.Errorf("pci %s: BAR %d has reserved memory type %#x", e.addr, n, (value>>1)&0x3)
	}
}

// barSize32 probes the size of a single-dword BAR by writing all ones and
// reading back the address mask, then restores the original value.
func barSize32(e *Endpoint, offset uint16, flagMask uint32) uint32 {
	orig := e.ConfigRead32(offset)
	e.ConfigWrite32(offset, 0xffff_ffff)
	mask := e.ConfigRead32(offset) &^ flagMask
	e.ConfigWrite32(offset, orig)
	if mask == 0 {
		return 0
	}
	return ^mask + 1
}

func barSize64(e *Endpoint, offset uint16) uint64 {
	origLow := e.ConfigRead32(offset)
	origHigh := e.ConfigRead32(offset + 4)
	e.ConfigWrite32(offset, 0xffff_ffff)
	e.ConfigWrite32(offset+4, 0xffff_ffff)
	mask := uint64(e.ConfigRead32(offset+4))<<32 | uint64(e.ConfigRead32(offset)&^uint32(0xf))
	e.ConfigWrite32(offset, origLow)
	e.ConfigWrite32(offset+4, origHigh)
	if mask == 0 {
		return 0
	}
	return ^mask + 1
}
