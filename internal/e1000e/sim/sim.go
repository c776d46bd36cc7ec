// Package sim provides a software model of the E1000E driver core. It keeps
// the descriptor-ring contract of the real core (bounded completion drains,
// link state driven by interrupt servicing, DMA-backed rings) without any
// hardware, so adapters can be exercised by tests and hardware-free tools.
package sim

import (
	"fmt"
	"sync"
	"time"

	"github.com/tinyrange/metal/internal/e1000e"
	"github.com/tinyrange/metal/internal/platform"
)

const (
	// ringBytes is the size of each descriptor ring allocation the model
	// requests during construction, standing in for the real rings.
	ringBytes = 4096

	// configWordDeviceID mirrors the config-space offset the real core
	// samples during reset.
	configWordDeviceID = 0x02
)

// Core is a software E1000E core. Frames transmitted through it are recorded
// and optionally handed to a tap; frames injected with InjectFrame become
// receive completions.
type Core struct {
	mu sync.Mutex

	kernel   e1000e.Kernel
	deviceID uint16
	settings e1000e.Settings

	mac    [6]byte
	bar    []byte
	txRing platform.DMABuffer
	rxRing platform.DMABuffer

	open    bool
	linkUp  bool
	rxQueue [][]byte
	txSent  [][]byte
	txTap   func(frame []byte)

	xmitErr    error
	txPending  uint32
	txBytesAcc uint32
}

// Option configures the model.
type Option func(*Core)

// WithLinkUp starts the model with the link already up instead of requiring
// an interrupt-service round to raise it.
func WithLinkUp() Option {
	return func(c *Core) { c.linkUp = true }
}

// WithTxTap invokes fn for every transmitted frame. The slice is only valid
// during the call.
func WithTxTap(fn func(frame []byte)) Option {
	return func(c *Core) { c.txTap = fn }
}

// Factory constructs one model per device and remembers every core it
// built, so tests and tools can reach into a core (frame injection, forced
// link state) after the adapter claimed it.
type Factory struct {
	mac  [6]byte
	opts []Option

	mu    sync.Mutex
	cores []*Core
}

// NewFactory returns a factory producing models with the given burned-in
// address. Pass Factory.New as the adapter's CoreFactory.
func NewFactory(mac [6]byte, opts ...Option) *Factory {
	return &Factory{mac: mac, opts: opts}
}

// Cores returns every core constructed so far, in construction order.
func (f *Factory) Cores() []*Core {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Core(nil), f.cores...)
}

// New implements e1000e.CoreFactory. Construction exercises the full Kernel
// contract: BAR 0 is mapped, the device identifier is cross-checked against
// configuration space, and both descriptor rings are carved from
// DMA-coherent memory.
func (f *Factory) New(k e1000e.Kernel, deviceID uint16, settings e1000e.Settings) (e1000e.Core, error) {
	c := &Core{
		kernel:   k,
		deviceID: deviceID,
		settings: settings,
		mac:      f.mac,
	}
	for _, opt := range f.opts {
		opt(c)
	}

	bar, err := k.MapBAR(0)
	if err != nil {
		return nil, fmt.Errorf("sim: map registers: %w", err)
	}
	c.bar = bar

	if got := k.ReadConfigWord(configWordDeviceID); got != deviceID {
		return nil, fmt.Errorf("sim: config space device ID %#x, constructed for %#x", got, deviceID)
	}

	// Reset settle time, as the real core busy-waits after reset.
	k.Delay(10 * time.Microsecond)

	if c.txRing, err = k.AllocCoherent(ringBytes); err != nil {
		return nil, fmt.Errorf("sim: tx ring: %w", err)
	}
	if c.rxRing, err = k.AllocCoherent(ringBytes); err != nil {
		_ = k.FreeCoherent(c.txRing)
		return nil, fmt.Errorf("sim: rx ring: %w", err)
	}

	f.mu.Lock()
	f.cores = append(f.cores, c)
	f.mu.Unlock()
	return c, nil
}

var _ e1000e.CoreFactory = (&Factory{}).New

// ReadMACAddr implements e1000e.Core.
func (c *Core) ReadMACAddr() ([6]byte, error) {
	return c.mac, nil
}

// Open implements e1000e.Core.
func (c *Core) Open(settings e1000e.NetDevSettings) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open {
		return fmt.Errorf("sim: device already open")
	}
	if settings.Promiscuous || settings.AllMulticast {
		return fmt.Errorf("sim: baseline filtering expected at open")
	}
	c.open = true
	return nil
}

// IsLinkUp implements e1000e.Core.
func (c *Core) IsLinkUp() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.linkUp
}

// ServiceIRQ implements e1000e.Core. Servicing pending interrupt work raises
// the link, mirroring the link-status-change interrupt of the real part.
func (c *Core) ServiceIRQ(vector int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return fmt.Errorf("sim: irq before open")
	}
	c.linkUp = true
	return nil
}

// CleanTxIRQ implements e1000e.Core.
func (c *Core) CleanTxIRQ() {
	c.mu.Lock()
	pkts, bytes := c.txPending, c.txBytesAcc
	c.txPending, c.txBytesAcc = 0, 0
	c.mu.Unlock()
	if pkts > 0 {
		c.kernel.OnXmitCompleted(pkts, bytes)
	}
}

// CleanRxIRQ implements e1000e.Core.
func (c *Core) CleanRxIRQ(max int) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.rxQueue)
	if n > max {
		n = max
	}
	if n == 0 {
		return nil
	}
	out := c.rxQueue[:n]
	c.rxQueue = append([][]byte(nil), c.rxQueue[n:]...)
	return out
}

// Xmit implements e1000e.Core.
func (c *Core) Xmit(cfg e1000e.XmitConfig, frame []byte) error {
	c.mu.Lock()
	if c.xmitErr != nil {
		err := c.xmitErr
		c.mu.Unlock()
		return err
	}
	if !c.open {
		c.mu.Unlock()
		return fmt.Errorf("sim: xmit before open")
	}
	if cfg.Segs != 1 {
		c.mu.Unlock()
		return fmt.Errorf("sim: multi-segment xmit unsupported")
	}
	sent := append([]byte(nil), frame...)
	c.txSent = append(c.txSent, sent)
	c.txPending++
	c.txBytesAcc += uint32(len(frame))
	tap := c.txTap
	c.mu.Unlock()

	if tap != nil {
		tap(sent)
	}
	return nil
}

// InjectFrame queues a frame as a completed receive.
func (c *Core) InjectFrame(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rxQueue = append(c.rxQueue, append([]byte(nil), frame...))
}

// Transmitted returns copies of every frame transmitted so far.
func (c *Core) Transmitted() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.txSent))
	for i, f := range c.txSent {
		out[i] = append([]byte(nil), f...)
	}
	return out
}

// SetXmitError forces subsequent Xmit calls to fail with err; pass nil to
// clear.
func (c *Core) SetXmitError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.xmitErr = err
}

// SetLink forces the cached link state.
func (c *Core) SetLink(up bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.linkUp = up
}

var _ e1000e.Core = (*Core)(nil)
