package interconnect

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// maxAcksPerPoll bounds the replies handled by one poll so a flood of acks
// cannot starve the executor.
const maxAcksPerPoll = 256

// PollAcks processes replies arriving on the sender socket, waiting at most
// timeout for the first one, then retransmits expired packets and probes
// windowed-out connections of every live transport.
func (t *Transport) PollAcks(timeout time.Duration) error {
	if err := t.usable(); err != nil {
		return err
	}
	return t.s.progress(timeout)
}

func (s *Service) progress(timeout time.Duration) error {
	if err := s.uncork(); err != nil {
		return err
	}
	if err := s.pollAcks(timeout); err != nil {
		s.uncork()
		return err
	}
	now := time.Now()
	for _, t := range s.transports {
		if err := t.checkExpirations(now); err != nil {
			s.uncork()
			return err
		}
		if err := t.checkDeadlock(now); err != nil {
			s.uncork()
			return err
		}
		t.drainAll(now)
	}
	return s.uncork()
}

func (s *Service) pollAcks(timeout time.Duration) error {
	for i := 0; i < maxAcksPerPoll; i++ {
		var (
			n   int
			ok  bool
			err error
		)
		if i == 0 && timeout > 0 {
			n, _, ok, err = readFromTimeout(s.sender, s.ackBuf, timeout)
		} else {
			n, _, ok, err = tryReadFrom(s.sender, s.ackBuf)
		}
		if err != nil {
			if s.closed() {
				return errors.WithStack(ErrClosed)
			}
			return errors.Wrapf(ErrSocket, "sender read: %v", err)
		}
		if !ok {
			return nil
		}
		atomic.AddUint64(&s.snmp.InPkts, 1)
		atomic.AddUint64(&s.snmp.InBytes, uint64(n))

		pkt, err := parsePacket(s.ackBuf[:n], s.cfg.FullCRC)
		if err != nil {
			s.countBadPacket(err)
			continue
		}
		if err := s.handleAck(&pkt, time.Now()); err != nil {
			return err
		}
	}
	return nil
}

// handleAck applies one receiver-to-sender packet to its connection.
func (s *Service) handleAck(pkt *packet, now time.Time) error {
	if pkt.kind == kindInvalid || pkt.kind.senderToReceiver() {
		atomic.AddUint64(&s.snmp.InErrs, 1)
		return nil
	}
	c, ok := s.sendConns.find(pkt.key())
	if !ok {
		// late reply for a torn down transport
		return nil
	}
	t := c.t

	switch pkt.kind {
	case kindAck, kindStatusReply:
		if pkt.kind == kindAck {
			atomic.AddUint64(&s.snmp.AcksReceived, 1)
		} else {
			atomic.AddUint64(&s.snmp.StatusReplies, 1)
		}
		c.lastAckAt = now
		t.ackUpTo(c, pkt.seq, now)
		t.grantCredit(c, pkt.extraSeq)

	case kindStop:
		atomic.AddUint64(&s.snmp.StopsReceived, 1)
		t.stop(c)
		return nil

	case kindNak:
		// receiver has not set up yet; the timer keeps retransmitting
		atomic.AddUint64(&s.snmp.NaksReceived, 1)
		c.lastAckAt = now
		return nil

	case kindDisorder:
		atomic.AddUint64(&s.snmp.DisorderReceived, 1)
		c.lastAckAt = now
		t.ackUpTo(c, pkt.extraSeq, now)
		lost := false
		for _, seq := range decodeSeqList(pkt.payload) {
			if b := t.findUnacked(c, seq); b != nil && t.debounce(b) {
				lost = true
				if err := t.resend(b, now); err != nil {
					return err
				}
			}
		}
		if lost {
			t.flow.onLoss()
		}

	case kindDuplicate:
		atomic.AddUint64(&s.snmp.DuplicateRecv, 1)
		c.lastAckAt = now
		t.ackUpTo(c, pkt.extraSeq, now)
		if b := t.findUnacked(c, pkt.seq); b != nil {
			t.dropBuffer(c, b)
			t.flow.forget(1)
		}
		a := &s.sendPool.arena
		for b := a.front(&c.unackQ); b != nil && b.seq < pkt.seq; b = a.next(&c.unackQ, b) {
			if b.seq > pkt.extraSeq && t.debounce(b) {
				if err := t.resend(b, now); err != nil {
					return err
				}
			}
		}
	}

	if c.stillActive {
		t.drain(c, now)
	}
	return nil
}

// ackUpTo frees every unacked buffer with a sequence up to seq. Acks that do
// not advance receivedAckSeq change nothing.
func (t *Transport) ackUpTo(c *sendConn, seq uint32, now time.Time) {
	if seq <= c.receivedAckSeq {
		return
	}
	if seq > c.sentSeq {
		seq = c.sentSeq
	}
	a := &t.s.sendPool.arena
	n := 0
	for b := a.front(&c.unackQ); b != nil && b.seq <= seq; b = a.front(&c.unackQ) {
		if b.retry == 0 {
			c.rtt.sample(now.Sub(b.sentAt))
		}
		t.dropBuffer(c, b)
		n++
	}
	c.receivedAckSeq = seq
	t.flow.onAcked(c, n)
}

// grantCredit raises c's capacity by what the receiver consumed since the
// last ack.
func (t *Transport) grantCredit(c *sendConn, consumed uint32) {
	if consumed <= c.consumedSeq || consumed > c.sentSeq {
		return
	}
	c.capacity += int(consumed - c.consumedSeq)
	c.consumedSeq = consumed
}

func (t *Transport) dropBuffer(c *sendConn, b *sendBuffer) {
	if t.wheel != nil {
		t.wheel.remove(b)
	}
	t.s.sendPool.arena.detach(b)
	t.s.sendPool.release(b)
	c.held--
}

// stop handles a STOP from the receiver: the route goes quiet and its
// unsent data is dropped.
func (t *Transport) stop(c *sendConn) {
	if c.stopRequested {
		return
	}
	c.stopRequested = true
	c.stillActive = false
	t.releaseSendBuffers(c)
	log.WithFields(log.Fields{
		"icid":  t.icID,
		"motid": c.motID,
		"route": c.route,
	}).Debug("receiver requested stop")
}

func (t *Transport) findUnacked(c *sendConn, seq uint32) *sendBuffer {
	a := &t.s.sendPool.arena
	for b := a.front(&c.unackQ); b != nil; b = a.next(&c.unackQ, b) {
		if b.seq == seq {
			return b
		}
		if b.seq > seq {
			break
		}
	}
	return nil
}

// debounce counts a loss report against b and reports whether it reached
// the threshold, resetting the count when it did.
func (t *Transport) debounce(b *sendBuffer) bool {
	b.disorderHits++
	if b.disorderHits < t.s.cfg.DisorderDebounce {
		return false
	}
	b.disorderHits = 0
	return true
}

// resend puts b on the wire again and reschedules it with a backed off period.
func (t *Transport) resend(b *sendBuffer, now time.Time) error {
	c := b.conn
	b.retry++
	b.sentAt = now
	t.s.output(b.bytes(), c.addr)
	atomic.AddUint64(&t.s.snmp.RetransSegs, 1)
	if t.wheel != nil {
		t.wheel.remove(b)
		t.wheel.put(b, c.rtt.period(b.retry, t.s.cfg.MinExpiration.D(), t.s.cfg.MaxExpiration.D()), now)
	}
	return t.checkNetworkTimeout(c, b, now)
}

func (t *Transport) checkNetworkTimeout(c *sendConn, b *sendBuffer, now time.Time) error {
	if b.retry >= t.s.cfg.RetryWarnThreshold && !c.retryWarned {
		c.retryWarned = true
		log.WithFields(log.Fields{
			"icid":    t.icID,
			"motid":   c.motID,
			"route":   c.route,
			"peer":    c.addr,
			"seq":     b.seq,
			"retries": b.retry,
		}).Warn("interconnect retransmitting without ack")
	}
	if now.Sub(b.firstSentAt) > t.s.cfg.TransmitTimeout.D() {
		return errors.Wrapf(ErrTransmitTimeout, "motion node %d route %d seq %d after %d retries", c.motID, c.route, b.seq, b.retry)
	}
	return nil
}

// checkExpirations retransmits packets whose period ran out: from the time
// wheel under the loss policy, by scanning unacked queues otherwise.
func (t *Transport) checkExpirations(now time.Time) error {
	if t.wheel != nil {
		expired := t.wheel.advance(now)
		for i, b := range expired {
			atomic.AddUint64(&t.s.snmp.Expirations, 1)
			if err := t.resend(b, now); err != nil {
				t.reschedule(expired[i+1:], now)
				return err
			}
		}
		if len(expired) > 0 {
			t.flow.onLoss()
		}
		return nil
	}

	min, max := t.s.cfg.MinExpiration.D(), t.s.cfg.MaxExpiration.D()
	a := &t.s.sendPool.arena
	for _, m := range t.sendMotions {
		for _, c := range m.conns {
			for b := a.front(&c.unackQ); b != nil; b = a.next(&c.unackQ, b) {
				if now.Sub(b.sentAt) < c.rtt.period(b.retry, min, max) {
					continue
				}
				atomic.AddUint64(&t.s.snmp.Expirations, 1)
				if err := t.resend(b, now); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// reschedule puts expired buffers that were not resent back on the wheel.
func (t *Transport) reschedule(bufs []*sendBuffer, now time.Time) {
	min, max := t.s.cfg.MinExpiration.D(), t.s.cfg.MaxExpiration.D()
	for _, b := range bufs {
		t.wheel.put(b, b.conn.rtt.period(b.retry, min, max), now)
	}
}

// expireDue runs the time wheel up to now so packets about to be scheduled
// land relative to the present. A no-op under the capacity policy.
func (t *Transport) expireDue() error {
	if t.wheel == nil {
		return nil
	}
	err := t.checkExpirations(time.Now())
	if err != nil {
		t.s.uncork()
	}
	return err
}

// checkDeadlock probes connections that have been windowed out for a while
// and gives up when nothing was heard from the receiver for the transmit
// timeout.
func (t *Transport) checkDeadlock(now time.Time) error {
	cfg := t.s.cfg
	for _, m := range t.sendMotions {
		for _, c := range m.conns {
			if !c.stillActive || c.sendQ.length == 0 || c.windowedOutSince.IsZero() {
				continue
			}
			if now.Sub(c.windowedOutSince) >= cfg.DeadlockCheckPeriod.D() && now.Sub(c.lastStatusQuery) >= cfg.StatusQueryInterval.D() {
				t.sendStatusQuery(c, now)
			}
			since := c.windowedOutSince
			if c.lastAckAt.After(since) {
				since = c.lastAckAt
			}
			if now.Sub(since) > cfg.TransmitTimeout.D() {
				return errors.Wrapf(ErrDeadlockTimeout, "motion node %d route %d windowed out since %v", c.motID, c.route, c.windowedOutSince)
			}
		}
	}
	return nil
}

func (t *Transport) sendStatusQuery(c *sendConn, now time.Time) {
	p := make([]byte, HeaderSize)
	h := c.hdr
	h.flags = FlagCapacity
	h.seq = c.sentSeq
	h.len = HeaderSize
	sealPacket(&h, p, t.s.cfg.FullCRC)
	t.s.output(p, c.addr)
	c.lastStatusQuery = now
	atomic.AddUint64(&t.s.snmp.StatusQueries, 1)
}

// waitForProgress is one iteration of a blocking send-side wait.
func (t *Transport) waitForProgress(ctx context.Context, iter int) error {
	if err := ctx.Err(); err != nil {
		return canceled(err)
	}
	if err := t.s.takeRxError(); err != nil {
		return err
	}
	if iter%t.s.cfg.ExceptionCheckInterval == 0 {
		if err := t.checkLiveness(ctx); err != nil {
			return err
		}
	}
	return t.s.progress(t.s.cfg.AckPollTimeout.D())
}

// checkLiveness runs the coordinator probe at most once per check period.
func (t *Transport) checkLiveness(ctx context.Context) error {
	if t.s.probe == nil || time.Since(t.lastProbe) < t.s.cfg.LivenessCheckPeriod.D() {
		return nil
	}
	t.lastProbe = time.Now()
	if err := t.s.probe(ctx); err != nil {
		return errors.Wrapf(ErrCoordinatorLost, "%v", err)
	}
	return nil
}
