// Package metal provides device discovery for PCI Express segments and the
// driver adapters that turn discovered endpoints into usable devices. It
// walks configuration space, dispatches endpoints to an ordered list of
// driver probes, and collects the claimed devices in an inventory for the
// rest of the system.
package metal

import (
	"log/slog"

	"github.com/tinyrange/metal/internal/config"
	"github.com/tinyrange/metal/internal/driver"
	"github.com/tinyrange/metal/internal/inventory"
	"github.com/tinyrange/metal/internal/pci"
	"github.com/tinyrange/metal/internal/platform"
)

// -----------------------------------------------------------------------------
// Type aliases - these re-export types from internal packages
// -----------------------------------------------------------------------------

// Device is the minimal surface of a claimed device.
type Device = driver.Device

// NetDevice is the generic network-device interface.
type NetDevice = driver.NetDevice

// NetBuf is a packet buffer handle with tracked ownership.
type NetBuf = driver.NetBuf

// Driver is one registered probe candidate.
type Driver = driver.Driver

// Registry is the ordered list of candidate drivers.
type Registry = driver.Registry

// Inventory collects claimed devices.
type Inventory = inventory.Inventory

// Root is an ECAM-backed view of a PCI segment.
type Root = pci.Root

// Endpoint is a shared handle to a discovered PCI function.
type Endpoint = pci.Endpoint

// Memory is the platform memory service.
type Memory = platform.Memory

// Timer is the busy-wait time source.
type Timer = platform.Timer

// DMABuffer describes one DMA-coherent allocation.
type DMABuffer = platform.DMABuffer

// Config is the bring-up configuration.
type Config = config.Config

// ErrAgain is the transient "no work available, retry later" signal.
var ErrAgain = driver.ErrAgain

// Device type tags.
const (
	DeviceTypeNet     = driver.DeviceTypeNet
	DeviceTypeBlock   = driver.DeviceTypeBlock
	DeviceTypeDisplay = driver.DeviceTypeDisplay
)

// -----------------------------------------------------------------------------
// Constructors
// -----------------------------------------------------------------------------

// NewRegistry builds a registry with the given registration order, which
// fixes claim priority for the lifetime of the process.
func NewRegistry(drivers ...Driver) *Registry {
	return driver.NewRegistry(drivers...)
}

// NewInventory returns an empty device inventory.
func NewInventory() *Inventory {
	return inventory.New()
}

// NewRoot maps the ECAM window described by cfg through mem.
func NewRoot(mem Memory, cfg *Config, logger *slog.Logger) (*Root, error) {
	return pci.NewRoot(mem, cfg.Platform.ECAMBase, cfg.Platform.BusCount, logger)
}

// LoadConfig reads a bring-up configuration file.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// DefaultConfig returns the configuration with every field defaulted.
func DefaultConfig() *Config {
	return config.Default()
}

// BringUp runs device discovery once: global probes first, then one
// enumeration pass over the segment with every endpoint offered to the
// registry in order. The returned inventory owns all claimed devices.
func BringUp(root *Root, reg *Registry, logger *slog.Logger) *Inventory {
	inv := inventory.New()
	driver.DispatchGlobal(reg, inv, logger)
	driver.Dispatch(root, reg, inv, logger)
	return inv
}
