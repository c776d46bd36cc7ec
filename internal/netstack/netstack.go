// Package netstack connects a generic network device to a gVisor TCP/IP
// stack. The device side stays poll-driven (Receive returns a "try again"
// result when no frame is available), so the bridge runs a small pump that
// shuttles Ethernet frames between the device and a channel link endpoint.
package netstack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/metal/internal/driver"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

const (
	// channelQueueLen is the frame capacity of the channel endpoint in
	// each direction.
	channelQueueLen = 512

	// defaultPollInterval paces receive polling while the device reports
	// no completed frames.
	defaultPollInterval = 500 * time.Microsecond

	linkMTU = 1500
)

// Attach creates a link endpoint carrying the device's MAC address and
// registers it with the stack as nicID. The returned channel endpoint is the
// host side the Pump drives.
func Attach(s *stack.Stack, nicID tcpip.NICID, dev driver.NetDevice) (*channel.Endpoint, error) {
	mac := dev.MACAddress()
	// The channel endpoint's MTU is the L2 MTU; the ethernet wrapper
	// subtracts the header to get the L3 MTU.
	ch := channel.New(channelQueueLen, linkMTU+header.EthernetMinimumSize, tcpip.LinkAddress(mac[:]))
	if err := s.CreateNIC(nicID, ethernet.New(ch)); err != nil {
		ch.Close()
		return nil, fmt.Errorf("netstack: create NIC: %v", err)
	}
	return ch, nil
}

// FrameWriter records frames crossing the pump, for capture to pcap streams
// and the like. Implementations must be safe for concurrent use; both pump
// directions write to the same recorder.
type FrameWriter interface {
	WriteFrame(frame []byte) error
}

// Pump moves frames between a network device and a channel endpoint.
type Pump struct {
	dev          driver.NetDevice
	ch           *channel.Endpoint
	pollInterval time.Duration
	capture      FrameWriter
	logger       *slog.Logger
}

// Option configures a Pump.
type Option func(*Pump)

// WithCapture records every frame the pump moves, in both directions.
func WithCapture(w FrameWriter) Option {
	return func(p *Pump) { p.capture = w }
}

// NewPump returns a pump connecting dev and ch.
func NewPump(dev driver.NetDevice, ch *channel.Endpoint, logger *slog.Logger, opts ...Option) *Pump {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pump{
		dev:          dev,
		ch:           ch,
		pollInterval: defaultPollInterval,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pump) record(frame []byte) {
	if p.capture == nil {
		return
	}
	if err := p.capture.WriteFrame(frame); err != nil {
		p.logger.Warn("netstack: frame capture failed", "error", err)
	}
}

// Run pumps frames in both directions until ctx is cancelled.
func (p *Pump) Run(ctx context.Context) error {
	egressDone := make(chan struct{})
	go func() {
		defer close(egressDone)
		p.egress(ctx)
	}()
	p.ingress(ctx)
	<-egressDone
	return ctx.Err()
}

// egress drains outbound packets from the stack into the device.
func (p *Pump) egress(ctx context.Context) {
	for {
		pkt := p.ch.ReadContext(ctx)
		if pkt == nil {
			return
		}
		frame := pkt.ToView().AsSlice()
		buf, err := p.dev.AllocTxBuffer(len(frame))
		if err != nil {
			pkt.DecRef()
			p.logger.Warn("netstack: tx buffer allocation failed", "error", err)
			continue
		}
		copy(buf.Bytes(), frame)
		pkt.DecRef()
		p.record(buf.Bytes())

		if err := p.dev.Transmit(buf); err != nil {
			// ErrAgain means the device queue is full; the frame is
			// dropped like on a saturated wire.
			if !errors.Is(err, driver.ErrAgain) {
				p.logger.Warn("netstack: transmit failed", "error", err)
			}
		}
	}
}

// ingress polls the device for completed frames and injects them into the
// stack.
func (p *Pump) ingress(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		buf, err := p.dev.Receive()
		if err != nil {
			if !errors.Is(err, driver.ErrAgain) {
				p.logger.Warn("netstack: receive failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			continue
		}

		frame := append([]byte(nil), buf.Bytes()...)
		if err := p.dev.RecycleRxBuffer(buf); err != nil {
			p.logger.Warn("netstack: recycle failed", "error", err)
		}
		p.record(frame)

		pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
			Payload: buffer.MakeWithData(frame),
		})
		// The ethernet wrapper parses the link header itself; the
		// protocol argument is ignored.
		p.ch.InjectInbound(0, pkt)
	}
}
