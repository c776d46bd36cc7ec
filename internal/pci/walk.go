package pci

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/metal/internal/platform"
)

// Root is an ECAM-backed view of a PCI Express segment.
type Root struct {
	io       ConfigIO
	busCount int
	logger   *slog.Logger
}

// NewRoot maps busCount buses of configuration space starting at the ECAM
// physical base address and returns a root bound to the window.
func NewRoot(mem platform.Memory, ecamBase uint64, busCount int, logger *slog.Logger) (*Root, error) {
	if busCount <= 0 {
		busCount = 1
	}
	if busCount > 256 {
		return nil, fmt.Errorf("pci: bus count %d exceeds ECAM limit", busCount)
	}
	ecam, err := mem.MapPhys(ecamBase, busCount*busStride)
	if err != nil {
		return nil, fmt.Errorf("pci: map ECAM window: %w", err)
	}
	return NewRootWithIO(bytesConfig{ecam: ecam}, busCount, logger), nil
}

// NewRootWithIO builds a root over an explicit config-space access
// implementation. Tools reading ECAM image files and tests emulating device
// behaviour use this directly.
func NewRootWithIO(io ConfigIO, busCount int, logger *slog.Logger) *Root {
	if busCount <= 0 {
		busCount = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Root{io: io, busCount: busCount, logger: logger}
}

// Walk starts a single pass over the segment. The returned sequence is lazy,
// finite, and not restartable; call Root.Walk again for a fresh pass.
func (r *Root) Walk() *Walk {
	return &Walk{
		root:    r,
		pending: []uint8{0},
		scanned: map[uint8]bool{0: true},
		device:  0,
		fn:      0,
	}
}

// Walk yields endpoints one at a time. Bridges are descended but never
// yielded; malformed functions are logged and skipped.
type Walk struct {
	root    *Root
	pending []uint8
	scanned map[uint8]bool

	active   bool
	bus      uint8
	device   uint8
	fn       uint8
	maxFn    uint8
}

// Next returns the next discovered endpoint with its command-register access
// bits already enabled. The second result is false once the pass is
// exhausted.
func (w *Walk) Next() (*Endpoint, bool) {
	for {
		addr, ok := w.nextFunction()
		if !ok {
			return nil, false
		}
		ep, yield := w.root.inspect(w, addr)
		if yield {
			return ep, true
		}
	}
}

// nextFunction advances the (bus, device, function) cursor, honouring the
// multifunction bit sampled at function 0 of each device.
func (w *Walk) nextFunction() (Address, bool) {
	for {
		if !w.active {
			if len(w.pending) == 0 {
				return Address{}, false
			}
			w.bus = w.pending[0]
			w.pending = w.pending[1:]
			w.device = 0
			w.fn = 0
			w.maxFn = 0
			w.active = true
		}

		if w.device >= 32 {
			w.active = false
			continue
		}

		addr := Address{Bus: w.bus, Device: w.device, Function: w.fn}
		if w.fn == 0 {
			header := w.root.io.ReadDword(addr.ecamOffset() + regHeaderType&^3)
			headerType := uint8(header >> 16)
			vendor := w.root.io.ReadDword(addr.ecamOffset() + regVendorID)
			if uint16(vendor) == 0xffff {
				// No device in this slot.
				w.device++
				continue
			}
			if headerType&headerTypeMultiFn != 0 {
				w.maxFn = 7
			} else {
				w.maxFn = 0
			}
		}

		if w.fn >= w.maxFn {
			w.fn = 0
			w.device++
		} else {
			w.fn++
		}
		return addr, true
	}
}

// inspect classifies one function. Endpoints are prepared and yielded;
// bridges queue their secondary bus for a later scan.
func (r *Root) inspect(w *Walk, addr Address) (*Endpoint, bool) {
	base := addr.ecamOffset()
	idDword := r.io.ReadDword(base + regVendorID)
	vendor := uint16(idDword)
	device := uint16(idDword >> 16)
	if vendor == 0xffff {
		return nil, false
	}

	headerType := uint8(r.io.ReadDword(base+regHeaderType&^3)>>16) &^ headerTypeMultiFn
	switch headerType {
	case headerTypeBridge:
		secondaryDword := r.io.ReadDword(base + regSecondaryBus&^3)
		secondary := uint8(secondaryDword >> 8)
		if int(secondary) >= w.root.busCount {
			r.logger.Warn("pci: bridge secondary bus outside ECAM window",
				"address", addr, "secondary", secondary)
			return nil, false
		}
		if !w.scanned[secondary] {
			w.scanned[secondary] = true
			w.pending = append(w.pending, secondary)
		}
		r.logger.Debug("pci: bridge", "address", addr, "secondary", secondary)
		return nil, false

	case headerTypeEndpoint:
		ep := &Endpoint{
			root:     r,
			addr:     addr,
			vendorID: vendor,
			deviceID: device,
		}
		// Enable I/O, memory and bus-master decode before anyone touches
		// BARs. This mutates real device state; the walk never reverts it.
		ep.UpdateCommand(func(cmd uint16) uint16 {
			return cmd | CmdIOEnable | CmdMemoryEnable | CmdBusMasterEnable
		})
		r.logger.Debug("pci: endpoint",
			"address", addr,
			"vendor", fmt.Sprintf("%04x", vendor),
			"device", fmt.Sprintf("%04x", device))
		return ep, true

	default:
		r.logger.Warn("pci: unsupported header type, skipping function",
			"address", addr, "headerType", headerType)
		return nil, false
	}
}
