package interconnect

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// SendChunk appends c to the outbound packet of one route, or of every live
// route when route is Broadcast. A full packet is flushed and sent as flow
// control allows. It reports false once the receiving side asked to stop;
// stopping is not an error.
func (t *Transport) SendChunk(ctx context.Context, motNodeID int32, route int, c Chunk) (bool, error) {
	if err := t.usable(); err != nil {
		return false, err
	}
	conns, err := t.sendRoutes(motNodeID, route)
	if err != nil {
		return false, err
	}
	if err := t.checkChunk(c); err != nil {
		return false, err
	}
	if err := t.expireDue(); err != nil {
		return false, err
	}

	active := false
	for _, sc := range conns {
		if !sc.stillActive {
			continue
		}
		if err := t.appendChunk(ctx, sc, c); err != nil {
			t.s.uncork()
			return false, err
		}
		if sc.stillActive {
			active = true
			atomic.AddUint64(&t.s.snmp.ChunksSent, 1)
		}
	}
	return active, t.s.uncork()
}

// SendEOS sends c with the end-of-stream flag to every live route of the
// motion node and waits until each has been acknowledged or stopped. A zero
// Chunk sends a bare end-of-stream packet.
func (t *Transport) SendEOS(ctx context.Context, motNodeID int32, c Chunk) error {
	if err := t.usable(); err != nil {
		return err
	}
	m, err := t.sendMotion(motNodeID)
	if err != nil {
		return err
	}
	bare := c.Type == 0 && len(c.Data) == 0
	if !bare {
		if err := t.checkChunk(c); err != nil {
			return err
		}
	}
	if err := t.expireDue(); err != nil {
		return err
	}

	for _, sc := range m.conns {
		if !sc.stillActive || sc.eosSent {
			continue
		}
		need := 0
		if !bare {
			need = c.WireSize()
		}
		b, err := t.outbound(ctx, sc, need)
		if err != nil {
			t.s.uncork()
			return err
		}
		if b == nil {
			continue
		}
		if !bare {
			b.n += putChunk(b.data[b.n:], c)
		}
		t.flush(sc, FlagEOS)
		sc.eosSent = true
	}
	if err := t.s.uncork(); err != nil {
		return err
	}

	for i := 0; !t.eosDone(m); i++ {
		if err := t.waitForProgress(ctx, i); err != nil {
			return errors.Wrapf(err, "waiting for end of stream acks on motion node %d", motNodeID)
		}
	}
	return nil
}

func (t *Transport) eosDone(m *sendMotion) bool {
	for _, c := range m.conns {
		if c.stillActive && (c.sendQ.length > 0 || c.unackQ.length > 0) {
			return false
		}
	}
	return true
}

// DirectSendBuffer returns the free tail of the route's outbound packet for
// the caller to frame chunks into. A nil slice means the route was stopped.
func (t *Transport) DirectSendBuffer(ctx context.Context, motNodeID int32, route int) ([]byte, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	c, err := t.sendRoute(motNodeID, route)
	if err != nil || !c.stillActive {
		return nil, err
	}
	if err := t.expireDue(); err != nil {
		return nil, err
	}
	b, err := t.outbound(ctx, c, ChunkHeaderSize+1)
	if err != nil || b == nil {
		t.s.uncork()
		return nil, err
	}
	return b.data[b.n:], t.s.uncork()
}

// PutDirectSendBuffer commits n bytes written into the slice returned by
// DirectSendBuffer. The bytes must be complete chunks.
func (t *Transport) PutDirectSendBuffer(ctx context.Context, motNodeID int32, route, n int) error {
	if err := t.usable(); err != nil {
		return err
	}
	c, err := t.sendRoute(motNodeID, route)
	if err != nil {
		return err
	}
	b := c.cur
	if b == nil {
		if !c.stillActive {
			return nil
		}
		return errors.Wrapf(ErrInvalidState, "motion node %d route %d has no direct buffer", motNodeID, route)
	}
	if n < 0 || n > b.room() {
		return errors.Wrapf(ErrInvalidState, "direct buffer commit of %d bytes, %d available", n, b.room())
	}
	chunks, err := parseChunks(b.data[b.n:b.n+n], t.chunks[:0])
	t.chunks = chunks[:0]
	if err != nil {
		return err
	}
	b.n += n
	atomic.AddUint64(&t.s.snmp.ChunksSent, uint64(len(chunks)))
	if b.room() < ChunkHeaderSize {
		if err := t.expireDue(); err != nil {
			return err
		}
		t.flush(c, 0)
	}
	return t.s.uncork()
}

func (t *Transport) checkChunk(c Chunk) error {
	if !c.Type.valid() {
		return errors.Wrapf(ErrChunkFraming, "chunk type %d", c.Type)
	}
	if len(c.Data) > t.s.cfg.maxChunkData() {
		return errors.Wrapf(ErrChunkTooLarge, "%d bytes, limit %d", len(c.Data), t.s.cfg.maxChunkData())
	}
	return nil
}

func (t *Transport) sendRoute(motNodeID int32, route int) (*sendConn, error) {
	m, err := t.sendMotion(motNodeID)
	if err != nil {
		return nil, err
	}
	if route < 0 || route >= len(m.conns) {
		return nil, errors.Wrapf(ErrUnknownRoute, "motion node %d has no route %d", motNodeID, route)
	}
	return m.conns[route], nil
}

func (t *Transport) sendRoutes(motNodeID int32, route int) ([]*sendConn, error) {
	if route == Broadcast {
		m, err := t.sendMotion(motNodeID)
		if err != nil {
			return nil, err
		}
		return m.conns, nil
	}
	c, err := t.sendRoute(motNodeID, route)
	if err != nil {
		return nil, err
	}
	return []*sendConn{c}, nil
}

func (t *Transport) appendChunk(ctx context.Context, c *sendConn, chunk Chunk) error {
	b, err := t.outbound(ctx, c, chunk.WireSize())
	if err != nil || b == nil {
		return err
	}
	b.n += putChunk(b.data[b.n:], chunk)
	if b.room() < ChunkHeaderSize {
		t.flush(c, 0)
	}
	return nil
}

// outbound returns c's packet under construction with at least need bytes
// free, flushing the current one and acquiring a new one as needed. It
// returns nil if the route stopped while waiting for a buffer.
func (t *Transport) outbound(ctx context.Context, c *sendConn, need int) (*sendBuffer, error) {
	if c.cur != nil && c.cur.room() < need {
		t.flush(c, 0)
	}
	if c.cur == nil {
		b, err := t.acquire(ctx, c)
		if err != nil || b == nil {
			return nil, err
		}
		c.cur = b
	}
	return c.cur, nil
}

// acquire takes a send buffer within c's quota, making progress on acks and
// retransmissions while none is free.
func (t *Transport) acquire(ctx context.Context, c *sendConn) (*sendBuffer, error) {
	p := t.s.sendPool
	for i := 0; ; i++ {
		if !c.stillActive {
			return nil, nil
		}
		if c.held < t.s.cfg.sendQuota() {
			if b := p.acquire(); b != nil {
				b.conn = c
				c.held++
				return b, nil
			}
		}
		if err := t.waitForProgress(ctx, i); err != nil {
			return nil, err
		}
	}
}

// flush stamps the packet under construction and moves it to the send queue.
func (t *Transport) flush(c *sendConn, flags uint32) {
	b := c.cur
	if b == nil {
		return
	}
	c.cur = nil
	c.sentSeq++
	b.seq = c.sentSeq

	h := c.hdr
	h.flags = flags
	h.seq = b.seq
	h.len = uint32(b.n)
	sealPacket(&h, b.bytes(), t.s.cfg.FullCRC)

	t.s.sendPool.arena.pushBack(&c.sendQ, b)
	t.drain(c, time.Now())
}

// drain sends queued packets while the flow policy admits them.
func (t *Transport) drain(c *sendConn, now time.Time) {
	a := &t.s.sendPool.arena
	for c.sendQ.length > 0 && t.flow.admit(c) {
		b := a.popFront(&c.sendQ)
		b.firstSentAt, b.sentAt = now, now
		c.capacity--
		a.pushBack(&c.unackQ, b)
		if t.wheel != nil {
			t.wheel.put(b, c.rtt.period(0, t.s.cfg.MinExpiration.D(), t.s.cfg.MaxExpiration.D()), now)
		}
		t.flow.onSent(c)
		t.s.output(b.bytes(), c.addr)
		atomic.AddUint64(&t.s.snmp.DataPktsSent, 1)
	}
	if c.sendQ.length == 0 {
		c.windowedOutSince = time.Time{}
	} else if c.windowedOutSince.IsZero() {
		c.windowedOutSince = now
	}
}

func (t *Transport) drainAll(now time.Time) {
	for _, m := range t.sendMotions {
		for _, c := range m.conns {
			if c.stillActive && c.sendQ.length > 0 {
				t.drain(c, now)
			}
		}
	}
}
