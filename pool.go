package interconnect

import (
	"net"
	"time"

	"github.com/pkg/errors"
)

// sendPool hands out send buffers up to the sum of the registered
// connections' quotas. Only the main goroutine touches it.
type sendPool struct {
	arena sendArena
	free  []bufHandle
	limit int
	inUse int
}

func newSendPool(size int) *sendPool {
	return &sendPool{arena: sendArena{size: size}}
}

// acquire returns nil when the pool is at its limit.
func (p *sendPool) acquire() *sendBuffer {
	if p.inUse >= p.limit {
		return nil
	}
	var b *sendBuffer
	if n := len(p.free); n > 0 {
		b = p.arena.bufs[p.free[n-1]]
		p.free = p.free[:n-1]
	} else {
		b = p.arena.grow()
	}
	p.inUse++
	return b
}

// release returns b to the free list. b must already be out of every list.
func (p *sendPool) release(b *sendBuffer) {
	if b.linked() {
		panic(errors.Wrapf(ErrInvalidState, "releasing buffer %d while still linked", b.handle))
	}
	b.conn = nil
	b.n = HeaderSize
	b.seq = 0
	b.retry = 0
	b.disorderHits = 0
	b.firstSentAt = time.Time{}
	b.sentAt = time.Time{}
	p.free = append(p.free, b.handle)
	p.inUse--
}

func (p *sendPool) grow(n int) { p.limit += n }

func (p *sendPool) shrink(n int) {
	p.limit -= n
	if p.limit < 0 {
		p.limit = 0
	}
}

// reset drops every buffer. Called once the last transport is gone.
func (p *sendPool) reset() {
	if p.inUse != 0 {
		panic(errors.Wrapf(ErrInvalidState, "send pool reset with %d buffers in use", p.inUse))
	}
	p.arena.bufs = nil
	p.free = nil
	p.limit = 0
}

func (p *sendPool) allocated() int { return len(p.arena.bufs) }

// rxBuffer holds one received datagram.
type rxBuffer struct {
	data []byte
	pkt  packet
	from net.Addr
}

// rxPool is the receive buffer free list shared by the rx goroutine and the
// main goroutine under Service.mu.
type rxPool struct {
	free      []*rxBuffer
	allocated int
	max       int
	size      int
	alloc     func(size int) ([]byte, error)
	freed     chan struct{}
}

func newRxPool(size int, alloc func(int) ([]byte, error)) *rxPool {
	if alloc == nil {
		alloc = func(n int) ([]byte, error) { return make([]byte, n), nil }
	}
	return &rxPool{size: size, alloc: alloc, freed: make(chan struct{}, 1)}
}

// acquire returns errNoBuffer when the pool is at its maximum. Any other
// error is an allocation failure.
func (p *rxPool) acquire() (*rxBuffer, error) {
	if n := len(p.free); n > 0 {
		b := p.free[n-1]
		p.free = p.free[:n-1]
		return b, nil
	}
	if p.allocated >= p.max {
		return nil, errNoBuffer
	}
	data, err := p.alloc(p.size)
	if err != nil {
		return nil, errors.Wrap(err, "allocating receive buffer")
	}
	p.allocated++
	return &rxBuffer{data: data}, nil
}

func (p *rxPool) release(b *rxBuffer) {
	b.pkt = packet{}
	b.from = nil
	if p.allocated > p.max {
		p.allocated--
	} else {
		p.free = append(p.free, b)
	}
	select {
	case p.freed <- struct{}{}:
	default:
	}
}

// setMax changes the bound and drops surplus free buffers.
func (p *rxPool) setMax(max int) {
	p.max = max
	for p.allocated > p.max && len(p.free) > 0 {
		p.free[len(p.free)-1] = nil
		p.free = p.free[:len(p.free)-1]
		p.allocated--
	}
}
