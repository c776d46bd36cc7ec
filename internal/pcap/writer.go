// Package pcap writes classic libpcap capture streams. The device layer uses
// it to record the Ethernet frames crossing a network device, so traffic seen
// during bring-up or benchmarking can be inspected with standard tools.
package pcap

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"
	"time"
)

// Link-layer (DLT) identifiers for the global header, matching the
// tcpdump/libpcap definitions.
const (
	LinkTypeEthernet uint32 = 1
)

// DefaultSnapLen keeps whole frames for any sane MTU.
const DefaultSnapLen uint32 = 65535

// Writer emits one libpcap-formatted stream. Frames may be written from
// multiple goroutines; records are serialized internally.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	snapLen uint32
	now     func() time.Time
}

// NewWriter writes the 24-byte global header to out and returns a writer
// capturing Ethernet frames. A zero snapLen selects DefaultSnapLen.
func NewWriter(out io.Writer, snapLen uint32) (*Writer, error) {
	if snapLen == 0 {
		snapLen = DefaultSnapLen
	}

	var hdr [24]byte
	binary.LittleEndian.PutUint32(hdr[0:4], 0xa1b2c3d4)
	binary.LittleEndian.PutUint16(hdr[4:6], 2) // major version
	binary.LittleEndian.PutUint16(hdr[6:8], 4) // minor version
	binary.LittleEndian.PutUint32(hdr[8:12], 0)
	binary.LittleEndian.PutUint32(hdr[12:16], 0)
	binary.LittleEndian.PutUint32(hdr[16:20], snapLen)
	binary.LittleEndian.PutUint32(hdr[20:24], LinkTypeEthernet)
	if _, err := out.Write(hdr[:]); err != nil {
		return nil, fmt.Errorf("pcap: write header: %w", err)
	}

	return &Writer{w: out, snapLen: snapLen, now: time.Now}, nil
}

// WriteFrame appends one frame record stamped with the current time. Frames
// longer than the snap length are truncated in the capture; the record keeps
// the original length.
func (w *Writer) WriteFrame(frame []byte) error {
	if len(frame) > math.MaxUint32 {
		return fmt.Errorf("pcap: frame length %d overflows record", len(frame))
	}
	captured := frame
	if uint32(len(captured)) > w.snapLen {
		captured = captured[:w.snapLen]
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	ts := w.now()
	sec := ts.Unix()
	if sec < 0 || sec > math.MaxUint32 {
		return fmt.Errorf("pcap: timestamp %v out of range", ts)
	}

	var rec [16]byte
	binary.LittleEndian.PutUint32(rec[0:4], uint32(sec))
	binary.LittleEndian.PutUint32(rec[4:8], uint32(ts.Nanosecond()/1_000))
	binary.LittleEndian.PutUint32(rec[8:12], uint32(len(captured)))
	binary.LittleEndian.PutUint32(rec[12:16], uint32(len(frame)))
	if _, err := w.w.Write(rec[:]); err != nil {
		return fmt.Errorf("pcap: write record header: %w", err)
	}
	if len(captured) == 0 {
		return nil
	}
	if _, err := w.w.Write(captured); err != nil {
		return fmt.Errorf("pcap: write frame data: %w", err)
	}
	return nil
}
