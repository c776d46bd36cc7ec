package pci

import "encoding/binary"

// BytesIO wraps a raw ECAM dump (for example one captured from a running
// machine) as a ConfigIO. Writes mutate the dump in place; no device-side
// behaviour such as BAR sizing is emulated.
func BytesIO(data []byte) ConfigIO {
	return bytesConfig{ecam: data}
}

// BarConfig describes one BAR of a synthetic function.
type BarConfig struct {
	Kind         BarKind
	Address      uint64
	Size         uint64
	Prefetchable bool
	Port         uint32
}

// FunctionConfig describes one synthetic PCI function.
type FunctionConfig struct {
	VendorID      uint16
	DeviceID      uint16
	Bridge        bool
	Multifunction bool
	SecondaryBus  uint8
	InterruptPin  uint8
	InterruptLine uint8
	// HeaderType, when non-zero, overrides the derived header type byte.
	// Used to model functions with layouts this package cannot parse.
	HeaderType uint8
	BARs       []BarConfig
}

// Image is a synthetic ECAM segment with just enough device-side behaviour
// for enumeration: populated headers and BAR registers that respond to the
// standard write-ones size probe. Tests and hardware-free tools use it in
// place of a real segment.
type Image struct {
	data     []byte
	barMask  map[int]uint32 // dword offset -> mask returned while probed
	probing  map[int]bool   // dword offset -> all-ones was written
	busCount int
}

// NewImage returns an empty segment covering busCount buses.
func NewImage(busCount int) *Image {
	if busCount <= 0 {
		busCount = 1
	}
	img := &Image{
		data:     make([]byte, busCount*busStride),
		barMask:  make(map[int]uint32),
		probing:  make(map[int]bool),
		busCount: busCount,
	}
	// Empty slots read as all ones, like a real segment.
	for i := range img.data {
		img.data[i] = 0xff
	}
	return img
}

// BusCount returns the number of buses the segment covers.
func (img *Image) BusCount() int { return img.busCount }

// AddFunction populates the configuration header for one function.
func (img *Image) AddFunction(addr Address, cfg FunctionConfig) {
	base := addr.ecamOffset()
	for i := 0; i < funcStride; i++ {
		img.data[base+i] = 0
	}
	binary.LittleEndian.PutUint16(img.data[base+regVendorID:], cfg.VendorID)
	binary.LittleEndian.PutUint16(img.data[base+regDeviceID:], cfg.DeviceID)

	headerType := cfg.HeaderType
	if headerType == 0 && cfg.Bridge {
		headerType = headerTypeBridge
	}
	if cfg.Multifunction {
		headerType |= headerTypeMultiFn
	}
	img.data[base+regHeaderType] = headerType

	if cfg.Bridge {
		img.data[base+regSecondaryBus] = cfg.SecondaryBus
		// Class 06.04: PCI-to-PCI bridge.
		img.data[base+regRevisionClass+3] = 0x06
		img.data[base+regRevisionClass+2] = 0x04
		return
	}

	img.data[base+regInterruptPin] = cfg.InterruptPin
	img.data[base+regInterruptLine] = cfg.InterruptLine

	bar := 0
	for _, b := range cfg.BARs {
		if bar >= barCount {
			break
		}
		off := base + regBAR0 + 4*bar
		switch b.Kind {
		case BarIO:
			binary.LittleEndian.PutUint32(img.data[off:], b.Port|0x1)
			img.barMask[off] = uint32(^(b.Size-1)) | 0x1
			bar++
		case BarMemory32:
			value := uint32(b.Address) &^ 0xf
			if b.Prefetchable {
				value |= 0x8
			}
			binary.LittleEndian.PutUint32(img.data[off:], value)
			img.barMask[off] = uint32(^(b.Size-1)) &^ 0xf
			bar++
		case BarMemory64:
			value := uint32(b.Address)&^0xf | 0x4
			if b.Prefetchable {
				value |= 0x8
			}
			binary.LittleEndian.PutUint32(img.data[off:], value)
			binary.LittleEndian.PutUint32(img.data[off+4:], uint32(b.Address>>32))
			mask := ^(b.Size - 1)
			img.barMask[off] = uint32(mask) &^ 0xf
			img.barMask[off+4] = uint32(mask >> 32)
			bar += 2
		}
	}
}

// ReadDword implements ConfigIO.
func (img *Image) ReadDword(offset int) uint32 {
	if offset < 0 || offset+4 > len(img.data) {
		return 0xffff_ffff
	}
	if img.probing[offset] {
		return img.barMask[offset]
	}
	return binary.LittleEndian.Uint32(img.data[offset:])
}

// WriteDword implements ConfigIO. Writing all ones to a BAR register arms
// the size probe; any other value stores normally and disarms it.
func (img *Image) WriteDword(offset int, value uint32) {
	if offset < 0 || offset+4 > len(img.data) {
		return
	}
	if _, isBAR := img.barMask[offset]; isBAR {
		if value == 0xffff_ffff {
			img.probing[offset] = true
			return
		}
		delete(img.probing, offset)
	}
	binary.LittleEndian.PutUint32(img.data[offset:], value)
}

var _ ConfigIO = (*Image)(nil)
