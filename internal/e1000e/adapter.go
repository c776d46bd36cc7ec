package e1000e

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/metal/internal/driver"
	"github.com/tinyrange/metal/internal/pci"
	"github.com/tinyrange/metal/internal/platform"
	"github.com/tinyrange/metal/internal/spin"
)

const (
	// queueSize is the fixed queue capacity reported to the networking
	// stack. It is advisory; the adapter does not enforce it.
	queueSize = 64

	// rxBatch bounds how many completed frames one Receive call drains
	// from the core.
	rxBatch = 64

	defaultMTU = 1500
)

// Config tunes device bring-up.
type Config struct {
	// MTU is the maximum transmission unit the core is constructed with.
	// Zero means 1500.
	MTU int

	// EnableMSI selects message-signaled interrupts.
	EnableMSI bool
}

// E1000E exposes one NIC through the generic network-device operations. The
// wrapped core sits behind an interrupt-safe spin lock; every core
// interaction holds it.
//
// Completed receive frames are copied into freshly allocated buffers and
// queued in completion order, so successive Receive calls deliver frames
// FIFO even when the core completed them in one batch.
type E1000E struct {
	mu     spin.Mutex
	core   Core
	mac    [6]byte
	pool   *driver.BufPool
	rxq    []*driver.NetBuf
	logger *slog.Logger
}

// New brings up the device: it builds the Kernel bridge for the endpoint,
// constructs the core, reads the hardware address, applies baseline receive
// filtering and opens the device for traffic. Any failure aborts bring-up;
// there is no degraded device.
func New(ep *pci.Endpoint, mem platform.Memory, timer platform.Timer, factory CoreFactory, cfg Config, logger *slog.Logger) (*E1000E, error) {
	if factory == nil {
		return nil, fmt.Errorf("e1000e: no core factory")
	}
	if logger == nil {
		logger = slog.Default()
	}
	mtu := cfg.MTU
	if mtu == 0 {
		mtu = defaultMTU
	}

	_, deviceID := ep.ID()
	pin, line := ep.Interrupt()
	logger.Debug("e1000e: bring-up", "address", ep.Address(), "pin", pin, "line", line)

	kernel := newKernelFunc(ep, mem, timer, logger)
	core, err := factory(kernel, deviceID, Settings{
		EnableMSI: cfg.EnableMSI,
		MTU:       mtu,
	})
	if err != nil {
		return nil, fmt.Errorf("e1000e: core construction: %w", err)
	}

	mac, err := core.ReadMACAddr()
	if err != nil {
		return nil, fmt.Errorf("e1000e: read MAC address: %w", err)
	}

	// Baseline filtering: not promiscuous, no all-multicast, filter lists
	// seeded from the device's own address.
	if err := core.Open(NetDevSettings{
		Promiscuous:   false,
		AllMulticast:  false,
		MulticastList: [][6]byte{mac},
		UnicastList:   [][6]byte{mac},
	}); err != nil {
		return nil, fmt.Errorf("e1000e: open: %w", err)
	}

	return &E1000E{
		core:   core,
		mac:    mac,
		pool:   driver.NewBufPool(),
		rxq:    make([]*driver.NetBuf, 0, queueSize),
		logger: logger,
	}, nil
}

// DeviceName implements driver.Device.
func (d *E1000E) DeviceName() string { return "e1000e" }

// DeviceType implements driver.Device.
func (d *E1000E) DeviceType() driver.DeviceType { return driver.DeviceTypeNet }

// MACAddress implements driver.NetDevice.
func (d *E1000E) MACAddress() [6]byte { return d.mac }

// Pool returns the adapter's buffer pool, for allocator accounting.
func (d *E1000E) Pool() *driver.BufPool { return d.pool }

// linkReady is the shared readiness check: cached link state wins; when the
// link is down, one round of pending interrupt work is serviced before
// re-reading it.
func (d *E1000E) linkReady() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.core.IsLinkUp() {
		return true
	}
	if err := d.core.ServiceIRQ(1); err != nil {
		d.logger.Debug("e1000e: irq service", "error", err)
	}
	return d.core.IsLinkUp()
}

// CanTransmit implements driver.NetDevice.
func (d *E1000E) CanTransmit() bool { return d.linkReady() }

// CanReceive implements driver.NetDevice.
func (d *E1000E) CanReceive() bool { return d.linkReady() }

// RxQueueSize implements driver.NetDevice.
func (d *E1000E) RxQueueSize() int { return queueSize }

// TxQueueSize implements driver.NetDevice.
func (d *E1000E) TxQueueSize() int { return queueSize }

// Transmit implements driver.NetDevice. The buffer is retired before the
// call returns whatever the outcome, so a core failure cannot leak it.
func (d *E1000E) Transmit(buf *driver.NetBuf) error {
	if buf == nil {
		return fmt.Errorf("e1000e: transmit of nil buffer")
	}
	buf.SetOwner(driver.OwnerAdapter)

	d.mu.Lock()
	err := d.core.Xmit(XmitConfig{
		Segs:           1,
		IPv4:           true,
		NoFCS:          true,
		VLANTagPresent: false,
	}, buf.Bytes())
	d.mu.Unlock()

	d.pool.Retire(buf)
	if err != nil {
		d.logger.Warn("e1000e: xmit failed", "error", err)
		return fmt.Errorf("e1000e: transmit: %w", driver.ErrAgain)
	}
	return nil
}

// Receive implements driver.NetDevice. Queued completions are delivered
// first; otherwise transmit completions are reaped and one bounded batch of
// new receive completions is pulled from the core.
func (d *E1000E) Receive() (*driver.NetBuf, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.rxq) > 0 {
		return d.popLocked(), nil
	}

	d.core.CleanTxIRQ()
	frames := d.core.CleanRxIRQ(rxBatch)
	if len(frames) == 0 {
		return nil, driver.ErrAgain
	}
	for _, frame := range frames {
		buf, err := d.pool.Alloc(len(frame), driver.OwnerRxQueue)
		if err != nil {
			return nil, fmt.Errorf("e1000e: receive buffer: %w", err)
		}
		copy(buf.Bytes(), frame)
		d.rxq = append(d.rxq, buf)
	}
	return d.popLocked(), nil
}

func (d *E1000E) popLocked() *driver.NetBuf {
	buf := d.rxq[0]
	d.rxq = d.rxq[1:]
	buf.SetOwner(driver.OwnerStack)
	return buf
}

// RecycleRxBuffer implements driver.NetDevice. Each delivered buffer must be
// recycled exactly once; a second recycle of the same handle is a caller
// bug.
func (d *E1000E) RecycleRxBuffer(buf *driver.NetBuf) error {
	if buf == nil {
		return fmt.Errorf("e1000e: recycle of nil buffer")
	}
	d.pool.Retire(buf)
	return nil
}

// RecycleTxBuffers implements driver.NetDevice. Transmit buffers are retired
// synchronously inside Transmit, so there is nothing to reap here.
func (d *E1000E) RecycleTxBuffers() error { return nil }

// AllocTxBuffer implements driver.NetDevice.
func (d *E1000E) AllocTxBuffer(size int) (*driver.NetBuf, error) {
	return d.pool.Alloc(size, driver.OwnerStack)
}

var _ driver.NetDevice = (*E1000E)(nil)
