package e1000e

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/tinyrange/metal/internal/driver"
	"github.com/tinyrange/metal/internal/pci"
	"github.com/tinyrange/metal/internal/platform"
)

const vendorIntel = 0x8086

// Device IDs this adapter claims: 82574L and I219 variants.
var supportedDeviceIDs = []uint16{0x10d3, 0x0dc8}

// NewDriver returns the registry entry for this adapter. The probe claims
// matching PCI Express endpoints and declines everything else without
// touching the handle.
func NewDriver(mem platform.Memory, timer platform.Timer, factory CoreFactory, cfg Config, logger *slog.Logger) driver.Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return driver.Driver{
		Name: "e1000e",
		ProbePCIe: func(root *pci.Root, ep *pci.Endpoint) (driver.Device, error) {
			vendor, device := ep.ID()
			if vendor != vendorIntel || !slices.Contains(supportedDeviceIDs, device) {
				return nil, nil
			}
			logger.Info("e1000e: endpoint found", "address", ep.Address())
			dev, err := New(ep, mem, timer, factory, cfg, logger)
			if err != nil {
				return nil, fmt.Errorf("e1000e: bring-up at %s: %w", ep.Address(), err)
			}
			return dev, nil
		},
	}
}
