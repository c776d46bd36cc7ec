// Package inventory holds the devices claimed during bring-up for later
// retrieval by the subsystems that consume them.
package inventory

import (
	"sync"

	"github.com/tinyrange/metal/internal/driver"
)

// Inventory is a thread-safe collection of claimed devices, grouped by
// device type in registration order.
type Inventory struct {
	mu      sync.Mutex
	byType  map[driver.DeviceType][]driver.Device
	ordered []driver.Device
}

// New returns an empty inventory.
func New() *Inventory {
	return &Inventory{byType: make(map[driver.DeviceType][]driver.Device)}
}

// AddDevice implements driver.Inventory. Ownership of dev transfers to the
// inventory.
func (i *Inventory) AddDevice(dev driver.Device) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.byType[dev.DeviceType()] = append(i.byType[dev.DeviceType()], dev)
	i.ordered = append(i.ordered, dev)
}

// Devices returns all registered devices in registration order.
func (i *Inventory) Devices() []driver.Device {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]driver.Device(nil), i.ordered...)
}

// NetDevices returns registered network devices in registration order.
func (i *Inventory) NetDevices() []driver.NetDevice {
	i.mu.Lock()
	defer i.mu.Unlock()
	var out []driver.NetDevice
	for _, dev := range i.byType[driver.DeviceTypeNet] {
		if nd, ok := dev.(driver.NetDevice); ok {
			out = append(out, nd)
		}
	}
	return out
}

// Len returns the number of registered devices.
func (i *Inventory) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.ordered)
}

var _ driver.Inventory = (*Inventory)(nil)
