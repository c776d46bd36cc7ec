package driver

import (
	"fmt"
	"sync"
)

// BufOwner records who currently holds a packet buffer. Ownership transfers
// only at the NetDevice call boundaries.
type BufOwner uint8

const (
	// OwnerNone marks a retired buffer.
	OwnerNone BufOwner = iota
	// OwnerStack marks a buffer held by the networking stack.
	OwnerStack
	// OwnerAdapter marks a buffer held by a device adapter mid-operation.
	OwnerAdapter
	// OwnerRxQueue marks a completed receive buffer awaiting delivery.
	OwnerRxQueue
)

func (o BufOwner) String() string {
	switch o {
	case OwnerNone:
		return "none"
	case OwnerStack:
		return "stack"
	case OwnerAdapter:
		return "adapter"
	case OwnerRxQueue:
		return "rx-queue"
	default:
		return "invalid"
	}
}

// NetBuf is a packet buffer handle crossing the hardware boundary. Every
// NetBuf has exactly one owner at any time and is retired exactly once.
type NetBuf struct {
	pool  *BufPool
	data  []byte
	owner BufOwner
}

// Bytes returns the buffer payload. The slice is valid until the buffer is
// retired.
func (b *NetBuf) Bytes() []byte { return b.data }

// Len returns the payload length.
func (b *NetBuf) Len() int { return len(b.data) }

// Owner returns the current owner tag.
func (b *NetBuf) Owner() BufOwner { return b.owner }

// SetOwner transfers ownership. Only adapters transfer ownership, and only
// at the call boundaries documented on NetDevice.
func (b *NetBuf) SetOwner(o BufOwner) { b.owner = o }

// BufPool allocates packet buffers and accounts for every outstanding
// handle, so leak checks can observe that allocate/retire pairs balance.
type BufPool struct {
	mu          sync.Mutex
	outstanding int
	allocs      uint64
	retires     uint64
}

// NewBufPool returns an empty pool.
func NewBufPool() *BufPool { return &BufPool{} }

// Alloc produces a buffer of the given size owned by owner.
func (p *BufPool) Alloc(size int, owner BufOwner) (*NetBuf, error) {
	if size <= 0 {
		return nil, fmt.Errorf("driver: invalid buffer size %d", size)
	}
	p.mu.Lock()
	p.outstanding++
	p.allocs++
	p.mu.Unlock()
	return &NetBuf{
		pool:  p,
		data:  make([]byte, size),
		owner: owner,
	}, nil
}

// Retire returns a buffer to the pool. Retiring the same buffer twice is a
// contract violation; the pool panics rather than corrupt its accounting.
func (p *BufPool) Retire(b *NetBuf) {
	if b == nil {
		return
	}
	if b.owner == OwnerNone {
		panic("driver: packet buffer retired twice")
	}
	if b.pool != p {
		panic("driver: packet buffer retired to the wrong pool")
	}
	b.owner = OwnerNone
	b.data = nil
	p.mu.Lock()
	p.outstanding--
	p.retires++
	p.mu.Unlock()
}

// Outstanding returns the number of live buffers.
func (p *BufPool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding
}

// Counts returns total allocations and retires.
func (p *BufPool) Counts() (allocs, retires uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocs, p.retires
}
