package driver

import "github.com/tinyrange/metal/internal/pci"

// Driver is one registered candidate. Each probe field covers one bus kind;
// a nil field means the driver does not probe that bus. Probes either claim
// the device by returning it or decline by returning nil, and declining must
// leave the endpoint handle untouched.
type Driver struct {
	// Name identifies the driver in logs.
	Name string

	// ProbeGlobal probes a globally-known resource with no bus context,
	// such as a ramdisk carved out of main memory.
	ProbeGlobal func() (Device, error)

	// ProbeMMIO probes a memory-mapped I/O region.
	ProbeMMIO func(base uint64, size int) (Device, error)

	// ProbePCIe probes a PCI Express endpoint. The handle is shared with
	// the enumerator; the probe may keep it only after claiming.
	ProbePCIe func(root *pci.Root, ep *pci.Endpoint) (Device, error)
}

// Registry is the ordered list of candidate drivers consulted by Dispatch.
// The order is fixed at construction and determines claim priority. The
// registry itself performs no I/O.
type Registry struct {
	drivers []Driver
}

// NewRegistry builds a registry with the given registration order.
func NewRegistry(drivers ...Driver) *Registry {
	return &Registry{drivers: append([]Driver(nil), drivers...)}
}

// Drivers returns the registered drivers in registration order.
func (r *Registry) Drivers() []Driver { return r.drivers }
