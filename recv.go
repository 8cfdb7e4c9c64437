package interconnect

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Delivery is one received packet handed to the executor. Chunk data aliases
// the receive buffer and is valid until the delivery is released, explicitly
// or by the next RecvChunk on the same route.
type Delivery struct {
	MotNodeID   int32
	Route       int
	Seq         uint32
	Chunks      []Chunk
	EndOfStream bool // last packet of the route

	conn     *recvConn
	buf      *rxBuffer
	released bool
}

// RecvChunk returns the next packet of one route, or of any route when route
// is AnyRoute. It blocks until data arrives and returns io.EOF once the
// route (or every route) has reached end of stream or was deregistered.
func (t *Transport) RecvChunk(ctx context.Context, motNodeID int32, route int) (*Delivery, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	m, err := t.recvMotion(motNodeID)
	if err != nil {
		return nil, err
	}
	if route != AnyRoute && (route < 0 || route >= len(m.conns)) {
		return nil, errors.Wrapf(ErrUnknownRoute, "motion node %d has no route %d", motNodeID, route)
	}
	s := t.s

	var replies []reply
	defer func() { t.sendReplies(replies) }()

	for i := 0; ; i++ {
		s.mu.Lock()
		replies = t.releaseOutstandingLocked(m, route, replies)
		d, eof, err := t.popLocked(m, route, &replies)
		if d != nil || eof || err != nil {
			s.wait = waitTarget{}
			s.mu.Unlock()
			switch {
			case err != nil:
				return nil, err
			case d != nil:
				atomic.AddUint64(&s.snmp.ChunksReceived, uint64(len(d.Chunks)))
				return d, nil
			default:
				return nil, io.EOF
			}
		}
		s.wait = waitTarget{t: t, motID: m.id, route: route}
		s.drainWake()
		s.mu.Unlock()

		t.sendReplies(replies)
		replies = replies[:0]

		if err := t.waitForData(ctx, i); err != nil {
			s.mu.Lock()
			s.wait = waitTarget{}
			s.mu.Unlock()
			return nil, err
		}
	}
}

// waitForData is one iteration of the receive wait: sleep until woken or the
// wait timeout, then run the periodic checks.
func (t *Transport) waitForData(ctx context.Context, iter int) error {
	s := t.s
	d := s.cfg.WaitTimeout.D()
	if s.sendPool.inUse > 0 && d > s.cfg.MinExpiration.D() {
		// own sends in flight: wake in time to retransmit them
		d = s.cfg.MinExpiration.D()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-s.chWake:
	case <-timer.C:
	case <-ctx.Done():
		return canceled(ctx.Err())
	case <-s.die:
		return errors.WithStack(ErrClosed)
	}

	if err := s.takeRxError(); err != nil {
		return err
	}
	if (iter+1)%s.cfg.ExceptionCheckInterval == 0 {
		if err := t.checkLiveness(ctx); err != nil {
			return err
		}
	}
	// senders of this process still need acks processed while it waits
	return s.progress(0)
}

// popLocked takes the next in-order packet of the route, or round robin over
// all routes for AnyRoute. eof reports that no active sender remains.
func (t *Transport) popLocked(m *recvMotion, route int, replies *[]reply) (d *Delivery, eof bool, err error) {
	if route != AnyRoute {
		c := m.conns[route]
		for c.queued() {
			if d, err = t.popConn(c, replies); d != nil || err != nil {
				return d, false, err
			}
		}
		return nil, !c.stillActive, nil
	}

	n := len(m.conns)
	for tried := 0; tried < n; {
		i := (m.next + tried) % n
		c := m.conns[i]
		if !c.queued() {
			tried++
			continue
		}
		if d, err = t.popConn(c, replies); d != nil || err != nil {
			m.next = (i + 1) % n
			return d, false, err
		}
	}
	return nil, m.active == 0, nil
}

// popConn hands the head packet of c to the executor. A bare end-of-stream
// packet is consumed on the spot and yields nil.
func (t *Transport) popConn(c *recvConn, replies *[]reply) (*Delivery, error) {
	seq := c.deliveredSeq + 1
	b := c.pktQ[c.slot(seq)]
	c.deliveredSeq = seq

	d := &Delivery{
		MotNodeID:   c.mot.id,
		Route:       c.route,
		Seq:         seq,
		EndOfStream: b.pkt.has(FlagEOS),
		conn:        c,
		buf:         b,
	}
	c.outstanding = d
	if d.EndOfStream && c.stillActive {
		c.stillActive = false
		c.mot.active--
	}

	chunks, err := parseChunks(b.pkt.payload, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "motion node %d route %d seq %d", c.mot.id, c.route, seq)
	}
	d.Chunks = chunks
	if len(chunks) == 0 {
		if r := t.releaseLocked(d); r.ok() {
			*replies = append(*replies, r)
		}
		return nil, nil
	}
	return d, nil
}

// releaseLocked frees the buffer of d and builds the consumption ack that
// returns credit to the sender. Caller holds mu.
func (t *Transport) releaseLocked(d *Delivery) reply {
	if d.released {
		return reply{}
	}
	d.released = true
	c := d.conn
	if c.outstanding == d {
		c.outstanding = nil
	}
	i := c.slot(d.Seq)
	if c.pktQ[i] != d.buf {
		// already dropped by a stop or teardown
		return reply{}
	}
	c.pktQ[i] = nil
	c.consumedSeq = d.Seq
	t.s.rxPool.release(d.buf)
	d.buf = nil

	if c.stopRequested || c.peer == nil {
		return reply{}
	}
	atomic.AddUint64(&t.s.snmp.AcksSent, 1)
	return reply{hdr: controlHeader(&c.hdr, FlagAck, c.recvSeq, c.consumedSeq), to: c.peer}
}

func (t *Transport) releaseOutstandingLocked(m *recvMotion, route int, replies []reply) []reply {
	for _, c := range m.conns {
		if c.outstanding == nil || (route != AnyRoute && c.route != route) {
			continue
		}
		if r := t.releaseLocked(c.outstanding); r.ok() {
			replies = append(replies, r)
		}
	}
	return replies
}

// ReleaseReceiveBuffer returns the buffer of d to the pool and acknowledges
// its consumption to the sender. Releasing twice is a no-op.
func (t *Transport) ReleaseReceiveBuffer(d *Delivery) error {
	if d == nil || d.released {
		return nil
	}
	if d.conn == nil || d.conn.t != t {
		return errors.Wrap(ErrInvalidState, "delivery belongs to another transport")
	}
	t.s.mu.Lock()
	r := t.releaseLocked(d)
	t.s.mu.Unlock()
	if r.ok() {
		return t.s.writeControl(t.scratch, &r)
	}
	return nil
}

// DeregisterReadInterest stops one route: queued data is dropped and the
// sender is told to stop.
func (t *Transport) DeregisterReadInterest(motNodeID int32, route int, reason string) error {
	if err := t.usable(); err != nil {
		return err
	}
	m, err := t.recvMotion(motNodeID)
	if err != nil {
		return err
	}
	if route < 0 || route >= len(m.conns) {
		return errors.Wrapf(ErrUnknownRoute, "motion node %d has no route %d", motNodeID, route)
	}

	t.s.mu.Lock()
	r := t.stopLocked(m.conns[route])
	t.s.mu.Unlock()

	log.WithFields(log.Fields{
		"icid":   t.icID,
		"motid":  motNodeID,
		"route":  route,
		"reason": reason,
	}).Debug("deregistered read interest")
	if r.ok() {
		return t.s.writeControl(t.scratch, &r)
	}
	return nil
}

// SendStop tells every sender of the motion node to stop and drops what
// they already sent.
func (t *Transport) SendStop(motNodeID int32) error {
	if err := t.usable(); err != nil {
		return err
	}
	m, err := t.recvMotion(motNodeID)
	if err != nil {
		return err
	}

	var replies []reply
	t.s.mu.Lock()
	for _, c := range m.conns {
		if r := t.stopLocked(c); r.ok() {
			replies = append(replies, r)
		}
	}
	t.s.mu.Unlock()

	log.WithFields(log.Fields{"icid": t.icID, "motid": motNodeID}).Debug("sending stop")
	return t.sendReplies(replies)
}

// stopLocked marks c stopped and drops its queue. Caller holds mu.
func (t *Transport) stopLocked(c *recvConn) reply {
	if c.stopRequested {
		return reply{}
	}
	c.stopRequested = true
	if c.stillActive {
		c.stillActive = false
		c.mot.active--
	}
	c.drain(t.s.rxPool.release)
	c.deliveredSeq = c.recvSeq
	c.consumedSeq = c.recvSeq
	if c.peer == nil {
		// the rx goroutine answers the first packet with STOP
		return reply{}
	}
	return reply{hdr: controlHeader(&c.hdr, FlagStop|FlagAck, c.recvSeq, c.consumedSeq), to: c.peer}
}

func (t *Transport) sendReplies(replies []reply) error {
	var first error
	for i := range replies {
		if err := t.s.writeControl(t.scratch, &replies[i]); err != nil && first == nil {
			first = err
		}
	}
	return first
}
