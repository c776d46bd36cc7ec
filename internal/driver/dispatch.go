package driver

import (
	"log/slog"

	"github.com/tinyrange/metal/internal/pci"
)

// Inventory receives claimed devices. Ownership of a device transfers to the
// inventory at AddDevice.
type Inventory interface {
	AddDevice(dev Device)
}

// Dispatch walks the PCI segment once and offers every discovered endpoint
// to the registered drivers in registration order. The first driver to claim
// an endpoint wins; endpoints nobody claims are left alone. Returns the
// number of devices claimed.
func Dispatch(root *pci.Root, reg *Registry, inv Inventory, logger *slog.Logger) int {
	if logger == nil {
		logger = slog.Default()
	}

	claimed := 0
	walk := root.Walk()
	for {
		ep, ok := walk.Next()
		if !ok {
			break
		}
		if dev := offer(root, reg, ep, logger); dev != nil {
			logger.Info("registered a new device",
				"type", dev.DeviceType(),
				"address", ep.Address(),
				"name", dev.DeviceName())
			inv.AddDevice(dev)
			claimed++
		}
	}
	return claimed
}

func offer(root *pci.Root, reg *Registry, ep *pci.Endpoint, logger *slog.Logger) Device {
	for _, d := range reg.Drivers() {
		if d.ProbePCIe == nil {
			continue
		}
		dev, err := d.ProbePCIe(root, ep)
		if err != nil {
			logger.Warn("driver probe failed",
				"driver", d.Name, "address", ep.Address(), "error", err)
			continue
		}
		if dev != nil {
			return dev
		}
	}
	return nil
}

// DispatchGlobal runs the bus-independent probes once during bring-up, for
// drivers backed by globally-known resources rather than enumerated buses.
// Returns the number of devices claimed.
func DispatchGlobal(reg *Registry, inv Inventory, logger *slog.Logger) int {
	if logger == nil {
		logger = slog.Default()
	}

	claimed := 0
	for _, d := range reg.Drivers() {
		if d.ProbeGlobal == nil {
			continue
		}
		dev, err := d.ProbeGlobal()
		if err != nil {
			logger.Warn("global driver probe failed", "driver", d.Name, "error", err)
			continue
		}
		if dev != nil {
			logger.Info("registered a new device",
				"type", dev.DeviceType(),
				"name", dev.DeviceName())
			inv.AddDevice(dev)
			claimed++
		}
	}
	return claimed
}

// DispatchMMIO offers one memory-mapped I/O region to the registered drivers
// in registration order; the first claim wins. Reports whether any driver
// claimed the region.
func DispatchMMIO(reg *Registry, inv Inventory, base uint64, size int, logger *slog.Logger) bool {
	if logger == nil {
		logger = slog.Default()
	}

	for _, d := range reg.Drivers() {
		if d.ProbeMMIO == nil {
			continue
		}
		dev, err := d.ProbeMMIO(base, size)
		if err != nil {
			logger.Warn("mmio driver probe failed",
				"driver", d.Name, "base", base, "error", err)
			continue
		}
		if dev != nil {
			logger.Info("registered a new device",
				"type", dev.DeviceType(),
				"base", base,
				"name", dev.DeviceName())
			inv.AddDevice(dev)
			return true
		}
	}
	return false
}
