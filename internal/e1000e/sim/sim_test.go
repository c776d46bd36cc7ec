package sim

import (
	"errors"
	"testing"
	"time"

	"github.com/tinyrange/metal/internal/e1000e"
	"github.com/tinyrange/metal/internal/platform"
)

// fakeKernel satisfies the capability contract without a PCI endpoint.
type fakeKernel struct {
	deviceID uint16
	nextAddr uint64
	allocs   int
	frees    int

	completedPkts  uint32
	completedBytes uint32
}

func (k *fakeKernel) MapBAR(n int) ([]byte, error) {
	if n != 0 {
		return nil, errors.New("only BAR 0 exists")
	}
	return make([]byte, 0x2_0000), nil
}

func (k *fakeKernel) Delay(d time.Duration) {}

func (k *fakeKernel) ReadConfigWord(offset int) uint16 {
	if offset == 0x02 {
		return k.deviceID
	}
	return 0
}

func (k *fakeKernel) AllocCoherent(size int) (platform.DMABuffer, error) {
	k.allocs++
	k.nextAddr += 0x10000
	return platform.DMABuffer{DeviceAddr: k.nextAddr, Data: make([]byte, size)}, nil
}

func (k *fakeKernel) FreeCoherent(buf platform.DMABuffer) error {
	k.frees++
	return nil
}

func (k *fakeKernel) OnXmitCompleted(pkts, bytes uint32) {
	k.completedPkts += pkts
	k.completedBytes += bytes
}

func (k *fakeKernel) Unmap(region []byte) {}

var _ e1000e.Kernel = (*fakeKernel)(nil)

var testMAC = [6]byte{0x02, 0x00, 0x00, 0xbe, 0xef, 0x01}

func newOpenCore(t *testing.T, opts ...Option) (*Core, *fakeKernel) {
	t.Helper()
	k := &fakeKernel{deviceID: 0x10d3}
	factory := NewFactory(testMAC, opts...)
	core, err := factory.New(k, 0x10d3, e1000e.Settings{MTU: 1500})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := core.Open(e1000e.NetDevSettings{
		MulticastList: [][6]byte{testMAC},
		UnicastList:   [][6]byte{testMAC},
	}); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got := factory.Cores(); len(got) != 1 || got[0] != core {
		t.Fatalf("factory did not record the constructed core")
	}
	return core.(*Core), k
}

func TestConstructionChecksDeviceID(t *testing.T) {
	k := &fakeKernel{deviceID: 0x0dc8}
	if _, err := NewFactory(testMAC).New(k, 0x10d3, e1000e.Settings{}); err == nil {
		t.Fatalf("mismatched device ID should fail construction")
	}
	// Construction allocates both rings; a failure after the first must
	// free it. Here construction failed before any ring allocation.
	if k.allocs != k.frees {
		t.Fatalf("allocs=%d frees=%d after failed construction", k.allocs, k.frees)
	}
}

func TestLinkRaisedByInterruptService(t *testing.T) {
	core, _ := newOpenCore(t)
	if core.IsLinkUp() {
		t.Fatalf("link up before any interrupt service")
	}
	if err := core.ServiceIRQ(1); err != nil {
		t.Fatalf("ServiceIRQ() error = %v", err)
	}
	if !core.IsLinkUp() {
		t.Fatalf("link still down after interrupt service")
	}
}

func TestXmitRecordsAndCompletes(t *testing.T) {
	var tapped [][]byte
	core, k := newOpenCore(t, WithLinkUp(), WithTxTap(func(frame []byte) {
		tapped = append(tapped, append([]byte(nil), frame...))
	}))

	frame := []byte{1, 2, 3, 4, 5}
	cfg := e1000e.XmitConfig{Segs: 1, IPv4: true, NoFCS: true}
	if err := core.Xmit(cfg, frame); err != nil {
		t.Fatalf("Xmit() error = %v", err)
	}
	if err := core.Xmit(cfg, frame); err != nil {
		t.Fatalf("Xmit() error = %v", err)
	}

	if sent := core.Transmitted(); len(sent) != 2 || string(sent[0]) != string(frame) {
		t.Fatalf("Transmitted() = %x", sent)
	}
	if len(tapped) != 2 {
		t.Fatalf("tap saw %d frames, want 2", len(tapped))
	}

	core.CleanTxIRQ()
	if k.completedPkts != 2 || k.completedBytes != uint32(2*len(frame)) {
		t.Fatalf("completion notified %d pkts %d bytes", k.completedPkts, k.completedBytes)
	}
	// A second reap with nothing pending must not re-notify.
	core.CleanTxIRQ()
	if k.completedPkts != 2 {
		t.Fatalf("idle reap re-notified completions")
	}
}

func TestXmitRejectsMultiSegment(t *testing.T) {
	core, _ := newOpenCore(t, WithLinkUp())
	if err := core.Xmit(e1000e.XmitConfig{Segs: 2}, []byte{1}); err == nil {
		t.Fatalf("multi-segment Xmit() should fail")
	}
}

func TestCleanRxIRQBoundsTheDrain(t *testing.T) {
	core, _ := newOpenCore(t, WithLinkUp())
	for i := 0; i < 5; i++ {
		core.InjectFrame([]byte{byte(i)})
	}

	first := core.CleanRxIRQ(3)
	if len(first) != 3 || first[0][0] != 0 || first[2][0] != 2 {
		t.Fatalf("first drain = %x", first)
	}
	second := core.CleanRxIRQ(3)
	if len(second) != 2 || second[0][0] != 3 {
		t.Fatalf("second drain = %x", second)
	}
	if rest := core.CleanRxIRQ(3); rest != nil {
		t.Fatalf("third drain = %x, want empty", rest)
	}
}

func TestOpenGuards(t *testing.T) {
	k := &fakeKernel{deviceID: 0x10d3}
	core, err := NewFactory(testMAC).New(k, 0x10d3, e1000e.Settings{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := core.Open(e1000e.NetDevSettings{Promiscuous: true}); err == nil {
		t.Fatalf("promiscuous open should fail")
	}
	if err := core.ServiceIRQ(1); err == nil {
		t.Fatalf("ServiceIRQ() before open should fail")
	}
	if err := core.Open(e1000e.NetDevSettings{}); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := core.Open(e1000e.NetDevSettings{}); err == nil {
		t.Fatalf("second Open() should fail")
	}
}
