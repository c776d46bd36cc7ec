package e1000e

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/tinyrange/metal/internal/driver"
	"github.com/tinyrange/metal/internal/pci"
	"github.com/tinyrange/metal/internal/platform"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeCore is a scripted core for exercising the adapter's call sequencing.
type fakeCore struct {
	mac     [6]byte
	macErr  error
	openErr error
	opened  []NetDevSettings

	linkUp       bool
	linkAfterIRQ bool
	irqCalls     int

	cleanTxCalls int
	cleanRxCalls int
	rxBatches    [][][]byte

	xmitErr  error
	sent     [][]byte
	lastXmit XmitConfig
}

func (c *fakeCore) ReadMACAddr() ([6]byte, error) { return c.mac, c.macErr }

func (c *fakeCore) Open(settings NetDevSettings) error {
	c.opened = append(c.opened, settings)
	return c.openErr
}

func (c *fakeCore) IsLinkUp() bool { return c.linkUp }

func (c *fakeCore) ServiceIRQ(vector int) error {
	c.irqCalls++
	if c.linkAfterIRQ {
		c.linkUp = true
	}
	return nil
}

func (c *fakeCore) CleanTxIRQ() { c.cleanTxCalls++ }

func (c *fakeCore) CleanRxIRQ(max int) [][]byte {
	c.cleanRxCalls++
	if len(c.rxBatches) == 0 {
		return nil
	}
	batch := c.rxBatches[0]
	c.rxBatches = c.rxBatches[1:]
	if len(batch) > max {
		batch = batch[:max]
	}
	return batch
}

func (c *fakeCore) Xmit(cfg XmitConfig, frame []byte) error {
	if c.xmitErr != nil {
		return c.xmitErr
	}
	c.lastXmit = cfg
	c.sent = append(c.sent, append([]byte(nil), frame...))
	return nil
}

var _ Core = (*fakeCore)(nil)

const (
	testBARBase = 0xfeb0_0000
	testBARSize = 0x2_0000
)

// testEndpoint enumerates a one-device segment and returns its endpoint with
// the BAR region registered in simulated memory.
func testEndpoint(t *testing.T, cfg pci.FunctionConfig) (*pci.Endpoint, *platform.SimMemory) {
	t.Helper()
	img := pci.NewImage(1)
	img.AddFunction(pci.Address{Bus: 0, Device: 1, Function: 0}, cfg)

	mem := platform.NewSimMemory()
	mem.AddRegion(testBARBase, make([]byte, testBARSize))

	walk := pci.NewRootWithIO(img, 1, testLogger()).Walk()
	ep, ok := walk.Next()
	if !ok {
		t.Fatalf("no endpoint enumerated")
	}
	return ep, mem
}

func intelEndpoint(t *testing.T) (*pci.Endpoint, *platform.SimMemory) {
	t.Helper()
	return testEndpoint(t, pci.FunctionConfig{
		VendorID: 0x8086, DeviceID: 0x10d3,
		InterruptPin: 1, InterruptLine: 11,
		BARs: []pci.BarConfig{{Kind: pci.BarMemory32, Address: testBARBase, Size: testBARSize}},
	})
}

// fixedFactory hands out one prepared core.
func fixedFactory(core Core, err error) CoreFactory {
	return func(k Kernel, deviceID uint16, settings Settings) (Core, error) {
		if err != nil {
			return nil, err
		}
		return core, nil
	}
}

func newTestAdapter(t *testing.T, core *fakeCore) *E1000E {
	t.Helper()
	ep, mem := intelEndpoint(t)
	dev, err := New(ep, mem, platform.BusyTimer{}, fixedFactory(core, nil), Config{}, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return dev
}

func TestBringUpAppliesBaselineFiltering(t *testing.T) {
	mac := [6]byte{0x02, 0x00, 0x00, 0xbe, 0xef, 0x01}
	core := &fakeCore{mac: mac}
	dev := newTestAdapter(t, core)

	if dev.MACAddress() != mac {
		t.Fatalf("MACAddress() = %x, want %x", dev.MACAddress(), mac)
	}
	if len(core.opened) != 1 {
		t.Fatalf("Open() called %d times, want 1", len(core.opened))
	}
	settings := core.opened[0]
	if settings.Promiscuous || settings.AllMulticast {
		t.Fatalf("opened with %+v, want baseline filtering", settings)
	}
	if len(settings.UnicastList) != 1 || settings.UnicastList[0] != mac {
		t.Fatalf("unicast list = %x, want the device's own address", settings.UnicastList)
	}
	if len(settings.MulticastList) != 1 || settings.MulticastList[0] != mac {
		t.Fatalf("multicast list = %x, want the device's own address", settings.MulticastList)
	}
	if dev.DeviceType() != driver.DeviceTypeNet {
		t.Fatalf("DeviceType() = %v", dev.DeviceType())
	}
}

func TestBringUpFailures(t *testing.T) {
	ep, mem := intelEndpoint(t)

	factoryErr := errors.New("reset timed out")
	if _, err := New(ep, mem, platform.BusyTimer{}, fixedFactory(nil, factoryErr), Config{}, testLogger()); !errors.Is(err, factoryErr) {
		t.Errorf("factory failure: New() error = %v", err)
	}

	macErr := errors.New("eeprom checksum")
	if _, err := New(ep, mem, platform.BusyTimer{}, fixedFactory(&fakeCore{macErr: macErr}, nil), Config{}, testLogger()); !errors.Is(err, macErr) {
		t.Errorf("mac failure: New() error = %v", err)
	}

	openErr := errors.New("filter programming failed")
	if _, err := New(ep, mem, platform.BusyTimer{}, fixedFactory(&fakeCore{openErr: openErr}, nil), Config{}, testLogger()); !errors.Is(err, openErr) {
		t.Errorf("open failure: New() error = %v", err)
	}

	if _, err := New(ep, mem, platform.BusyTimer{}, nil, Config{}, testLogger()); err == nil {
		t.Errorf("nil factory: New() succeeded")
	}
}

func TestReceiveEmpty(t *testing.T) {
	core := &fakeCore{}
	dev := newTestAdapter(t, core)

	if _, err := dev.Receive(); !errors.Is(err, driver.ErrAgain) {
		t.Fatalf("Receive() error = %v, want ErrAgain", err)
	}
	if core.cleanTxCalls != 1 || core.cleanRxCalls != 1 {
		t.Fatalf("clean calls tx=%d rx=%d, want 1/1", core.cleanTxCalls, core.cleanRxCalls)
	}
	if n := dev.Pool().Outstanding(); n != 0 {
		t.Fatalf("empty receive allocated %d buffers", n)
	}
}

func TestReceiveDeliversBatchInOrder(t *testing.T) {
	frameA := []byte{0xaa, 0x01}
	frameB := []byte{0xbb, 0x02, 0x03}
	core := &fakeCore{rxBatches: [][][]byte{{frameA, frameB}}}
	dev := newTestAdapter(t, core)

	first, err := dev.Receive()
	if err != nil {
		t.Fatalf("first Receive() error = %v", err)
	}
	if string(first.Bytes()) != string(frameA) {
		t.Fatalf("first frame = %x, want %x", first.Bytes(), frameA)
	}
	if first.Owner() != driver.OwnerStack {
		t.Fatalf("delivered buffer owner = %v, want stack", first.Owner())
	}

	// The second frame comes from the adapter's queue, not another drain.
	second, err := dev.Receive()
	if err != nil {
		t.Fatalf("second Receive() error = %v", err)
	}
	if string(second.Bytes()) != string(frameB) {
		t.Fatalf("second frame = %x, want %x", second.Bytes(), frameB)
	}
	if core.cleanRxCalls != 1 {
		t.Fatalf("CleanRxIRQ called %d times while the queue had frames", core.cleanRxCalls)
	}

	if _, err := dev.Receive(); !errors.Is(err, driver.ErrAgain) {
		t.Fatalf("third Receive() error = %v, want ErrAgain", err)
	}

	if err := dev.RecycleRxBuffer(first); err != nil {
		t.Fatalf("RecycleRxBuffer() error = %v", err)
	}
	if err := dev.RecycleRxBuffer(second); err != nil {
		t.Fatalf("RecycleRxBuffer() error = %v", err)
	}
	if n := dev.Pool().Outstanding(); n != 0 {
		t.Fatalf("%d buffers outstanding after recycling", n)
	}
}

func TestTransmit(t *testing.T) {
	core := &fakeCore{}
	dev := newTestAdapter(t, core)

	frame := []byte{0xde, 0xad, 0xbe, 0xef}
	buf, err := dev.AllocTxBuffer(len(frame))
	if err != nil {
		t.Fatalf("AllocTxBuffer() error = %v", err)
	}
	copy(buf.Bytes(), frame)

	if err := dev.Transmit(buf); err != nil {
		t.Fatalf("Transmit() error = %v", err)
	}
	if len(core.sent) != 1 || string(core.sent[0]) != string(frame) {
		t.Fatalf("core sent %x", core.sent)
	}
	want := XmitConfig{Segs: 1, IPv4: true, NoFCS: true, VLANTagPresent: false}
	if core.lastXmit != want {
		t.Fatalf("Xmit config = %+v, want %+v", core.lastXmit, want)
	}
	if buf.Owner() != driver.OwnerNone {
		t.Fatalf("buffer owner after transmit = %v, want retired", buf.Owner())
	}
	if n := dev.Pool().Outstanding(); n != 0 {
		t.Fatalf("%d buffers outstanding after transmit", n)
	}
}

func TestTransmitFailureRetiresBuffer(t *testing.T) {
	core := &fakeCore{xmitErr: errors.New("ring full")}
	dev := newTestAdapter(t, core)

	buf, err := dev.AllocTxBuffer(64)
	if err != nil {
		t.Fatalf("AllocTxBuffer() error = %v", err)
	}

	err = dev.Transmit(buf)
	if !errors.Is(err, driver.ErrAgain) {
		t.Fatalf("Transmit() error = %v, want ErrAgain", err)
	}
	if buf.Owner() != driver.OwnerNone {
		t.Fatalf("failed transmit leaked the buffer: owner = %v", buf.Owner())
	}
	if n := dev.Pool().Outstanding(); n != 0 {
		t.Fatalf("%d buffers outstanding after failed transmit", n)
	}
}

func TestLinkReadinessCachedUp(t *testing.T) {
	core := &fakeCore{linkUp: true}
	dev := newTestAdapter(t, core)

	if !dev.CanTransmit() || !dev.CanReceive() {
		t.Fatalf("link up but device not ready")
	}
	if core.irqCalls != 0 {
		t.Fatalf("readiness check serviced %d interrupt rounds with the link up", core.irqCalls)
	}
}

func TestLinkReadinessServicesOneRound(t *testing.T) {
	core := &fakeCore{linkUp: false, linkAfterIRQ: true}
	dev := newTestAdapter(t, core)

	if !dev.CanTransmit() {
		t.Fatalf("link did not come up after the interrupt round")
	}
	if core.irqCalls != 1 {
		t.Fatalf("readiness check serviced %d interrupt rounds, want exactly 1", core.irqCalls)
	}
}

func TestLinkReadinessStaysDown(t *testing.T) {
	core := &fakeCore{linkUp: false}
	dev := newTestAdapter(t, core)

	if dev.CanReceive() {
		t.Fatalf("link down but device reported ready")
	}
	if core.irqCalls != 1 {
		t.Fatalf("readiness check serviced %d interrupt rounds, want exactly 1", core.irqCalls)
	}
}

func TestQueueSizes(t *testing.T) {
	dev := newTestAdapter(t, &fakeCore{})
	if dev.RxQueueSize() != 64 || dev.TxQueueSize() != 64 {
		t.Fatalf("queue sizes = %d/%d, want 64/64", dev.RxQueueSize(), dev.TxQueueSize())
	}
	if dev.DeviceName() != "e1000e" {
		t.Fatalf("DeviceName() = %q", dev.DeviceName())
	}
}

func TestKernelMapBAR(t *testing.T) {
	ep, mem := intelEndpoint(t)
	k := newKernelFunc(ep, mem, platform.BusyTimer{}, testLogger())

	region, err := k.MapBAR(0)
	if err != nil {
		t.Fatalf("MapBAR(0) error = %v", err)
	}
	if len(region) != testBARSize {
		t.Fatalf("MapBAR(0) returned %d bytes, want %#x", len(region), testBARSize)
	}
	if _, err := k.MapBAR(1); err == nil {
		t.Fatalf("MapBAR(1) on absent BAR should fail")
	}
}

func TestKernelMapBARRejectsIOSpace(t *testing.T) {
	ep, mem := testEndpoint(t, pci.FunctionConfig{
		VendorID: 0x8086, DeviceID: 0x10d3,
		BARs: []pci.BarConfig{{Kind: pci.BarIO, Port: 0xc000, Size: 0x40}},
	})
	k := newKernelFunc(ep, mem, platform.BusyTimer{}, testLogger())

	if _, err := k.MapBAR(0); err == nil {
		t.Fatalf("MapBAR(0) on I/O BAR should fail")
	}
}

func TestKernelConfigWordAndDMA(t *testing.T) {
	ep, mem := intelEndpoint(t)
	k := newKernelFunc(ep, mem, platform.BusyTimer{}, testLogger())

	if got := k.ReadConfigWord(0x00); got != 0x8086 {
		t.Errorf("ReadConfigWord(0x00) = %04x, want 8086", got)
	}
	if got := k.ReadConfigWord(0x02); got != 0x10d3 {
		t.Errorf("ReadConfigWord(0x02) = %04x, want 10d3", got)
	}

	buf, err := k.AllocCoherent(4096)
	if err != nil {
		t.Fatalf("AllocCoherent() error = %v", err)
	}
	if buf.DeviceAddr%4096 != 0 {
		t.Errorf("ring allocation at %#x not size-aligned", buf.DeviceAddr)
	}
	if err := k.FreeCoherent(buf); err != nil {
		t.Fatalf("FreeCoherent() error = %v", err)
	}
	if stats := mem.Stats(); stats.LiveBytes != 0 {
		t.Fatalf("%d bytes live after free", stats.LiveBytes)
	}
}

func TestProbeClaimsSupportedDevices(t *testing.T) {
	d := NewDriver(nil, platform.BusyTimer{}, fixedFactory(&fakeCore{}, nil), Config{}, testLogger())
	if d.Name != "e1000e" {
		t.Fatalf("driver name = %q", d.Name)
	}

	// Wrong vendor and wrong device both decline without error.
	for _, cfg := range []pci.FunctionConfig{
		{VendorID: 0x1af4, DeviceID: 0x1000},
		{VendorID: 0x8086, DeviceID: 0x1533},
	} {
		ep, _ := testEndpoint(t, cfg)
		dev, err := d.ProbePCIe(nil, ep)
		if dev != nil || err != nil {
			t.Fatalf("probe of %04x:%04x = %v, %v, want decline", cfg.VendorID, cfg.DeviceID, dev, err)
		}
	}

	ep, mem := intelEndpoint(t)
	d = NewDriver(mem, platform.BusyTimer{}, fixedFactory(&fakeCore{}, nil), Config{}, testLogger())
	dev, err := d.ProbePCIe(nil, ep)
	if err != nil {
		t.Fatalf("probe error = %v", err)
	}
	if dev == nil || dev.DeviceName() != "e1000e" {
		t.Fatalf("probe returned %v", dev)
	}
}

func TestProbeBringUpFailureIsAnError(t *testing.T) {
	ep, mem := intelEndpoint(t)
	coreErr := errors.New("reset timed out")
	d := NewDriver(mem, platform.BusyTimer{}, fixedFactory(nil, coreErr), Config{}, testLogger())

	dev, err := d.ProbePCIe(nil, ep)
	if dev != nil {
		t.Fatalf("failed bring-up returned a device")
	}
	if !errors.Is(err, coreErr) {
		t.Fatalf("probe error = %v, want wrapped core error", err)
	}
}
