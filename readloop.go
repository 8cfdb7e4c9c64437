package interconnect

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// maxAllocFailures is the number of consecutive receive buffer allocation
// failures after which the rx goroutine reports ErrOutOfResources.
const maxAllocFailures = 2

// reply is a control packet owed to a peer. A zero reply owes nothing.
type reply struct {
	hdr  header
	seqs []uint32
	to   net.Addr
}

func (r *reply) ok() bool { return r.to != nil }

// controlHeader builds a receiver-to-sender packet about the stream src belongs to.
func controlHeader(src *header, flags, seq, extra uint32) header {
	h := *src
	h.flags = flags | FlagReceiverToSender
	h.seq = seq
	h.extraSeq = extra
	h.len = HeaderSize
	h.crc = 0
	return h
}

// rxLoop owns reads of the listener socket until shutdown. It never logs and
// never returns errors: failures go to the rx error slot.
func (s *Service) rxLoop() {
	defer close(s.rxDone)

	var (
		buf           *rxBuffer
		allocFailures int
		scratch       = make([]byte, HeaderSize, HeaderSize+4*MaxDisorderSeqs)
	)
	for atomic.LoadInt32(&s.shutdown) == 0 {
		if buf == nil {
			s.mu.Lock()
			b, err := s.rxPool.acquire()
			s.mu.Unlock()
			if err != nil {
				if !errors.Is(err, errNoBuffer) {
					if allocFailures++; allocFailures >= maxAllocFailures {
						s.setRxError(errors.Wrapf(ErrOutOfResources, "%d receive buffer allocations failed: %v", allocFailures, err))
					}
				} else {
					atomic.AddUint64(&s.snmp.RxNoBuffer, 1)
				}
				s.waitRxBuffer()
				continue
			}
			allocFailures = 0
			buf = b
		}

		n, from, ok, err := readFromTimeout(s.listener, buf.data, s.cfg.RxPollTimeout.D())
		if atomic.LoadInt32(&s.shutdown) != 0 {
			break
		}
		if err != nil {
			s.setRxError(errors.Wrapf(ErrSocket, "listener read: %v", err))
			s.waitRxBuffer()
			continue
		}
		if !ok {
			continue
		}
		atomic.AddUint64(&s.snmp.InPkts, 1)
		atomic.AddUint64(&s.snmp.InBytes, uint64(n))

		pkt, err := parsePacket(buf.data[:n], s.cfg.FullCRC)
		if err != nil {
			s.countBadPacket(err)
			continue
		}
		buf.pkt, buf.from = pkt, from

		r, kept := s.dispatch(buf)
		if kept {
			buf = nil
		}
		if r.ok() {
			s.writeControl(scratch, &r)
		}
	}

	if buf != nil {
		s.mu.Lock()
		s.rxPool.release(buf)
		s.mu.Unlock()
	}
}

// waitRxBuffer blocks until a receive buffer is released, the poll timeout
// passes, or the service closes.
func (s *Service) waitRxBuffer() {
	timer := time.NewTimer(s.cfg.RxPollTimeout.D())
	defer timer.Stop()
	select {
	case <-s.rxPool.freed:
	case <-timer.C:
	case <-s.die:
	}
}

func (s *Service) countBadPacket(err error) {
	switch err {
	case errBadChecksum:
		atomic.AddUint64(&s.snmp.InCsumErrors, 1)
	default:
		atomic.AddUint64(&s.snmp.InShortPkts, 1)
	}
}

// dispatch routes one listener packet. kept reports that b now belongs to a
// receive queue or the startup cache.
func (s *Service) dispatch(b *rxBuffer) (r reply, kept bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pkt := &b.pkt
	switch pkt.kind {
	case kindData:
		c, ok := s.recvConns.find(pkt.key())
		if !ok {
			return s.mismatch(b)
		}
		return s.handleData(c, b)
	case kindStatusQuery:
		c, ok := s.recvConns.find(pkt.key())
		if !ok {
			r, _ = s.mismatch(b)
			return r, false
		}
		return s.handleStatusQuery(c, b), false
	default:
		// acks and other receiver-to-sender traffic belong on the sender socket
		atomic.AddUint64(&s.snmp.InErrs, 1)
		return reply{}, false
	}
}

// handleData places a data packet in its receive queue slot and decides the
// reply. Caller holds mu.
func (s *Service) handleData(c *recvConn, b *rxBuffer) (reply, bool) {
	pkt := &b.pkt
	c.peer = b.from
	c.hdr = pkt.header

	if c.stopRequested {
		return reply{hdr: controlHeader(&pkt.header, FlagStop|FlagAck, pkt.seq, pkt.seq), to: b.from}, false
	}
	if !c.stillActive {
		atomic.AddUint64(&s.snmp.AcksSent, 1)
		return reply{hdr: controlHeader(&pkt.header, FlagAck, c.recvSeq, c.consumedSeq), to: b.from}, false
	}

	seq := pkt.seq
	if seq == 0 || seq <= c.recvSeq || (seq <= c.consumedSeq+c.depth && c.pktQ[c.slot(seq)] != nil) {
		atomic.AddUint64(&s.snmp.DuplicateSent, 1)
		return reply{hdr: controlHeader(&pkt.header, FlagDuplicate, seq, c.recvSeq), to: b.from}, false
	}
	if seq > c.consumedSeq+c.depth {
		atomic.AddUint64(&s.snmp.RecvQueueFull, 1)
		return reply{}, false
	}

	c.pktQ[c.slot(seq)] = b
	if seq != c.recvSeq+1 {
		var missing []uint32
		for m := c.recvSeq + 1; m < seq && len(missing) < MaxDisorderSeqs; m++ {
			if c.pktQ[c.slot(m)] == nil {
				missing = append(missing, m)
			}
		}
		atomic.AddUint64(&s.snmp.DisorderSent, 1)
		return reply{hdr: controlHeader(&pkt.header, FlagDisorder, seq, c.recvSeq), seqs: missing, to: b.from}, true
	}

	for c.recvSeq < c.consumedSeq+c.depth {
		next := c.pktQ[c.slot(c.recvSeq+1)]
		if next == nil || next.pkt.seq != c.recvSeq+1 {
			break
		}
		c.recvSeq++
	}
	s.wakeFor(c)
	atomic.AddUint64(&s.snmp.AcksSent, 1)
	return reply{hdr: controlHeader(&pkt.header, FlagAck, c.recvSeq, c.consumedSeq), to: b.from}, true
}

// handleStatusQuery answers a deadlock probe with the current receive state.
func (s *Service) handleStatusQuery(c *recvConn, b *rxBuffer) reply {
	pkt := &b.pkt
	c.peer = b.from
	c.hdr = pkt.header
	if c.stopRequested {
		return reply{hdr: controlHeader(&pkt.header, FlagStop|FlagAck, c.recvSeq, c.consumedSeq), to: b.from}
	}
	atomic.AddUint64(&s.snmp.StatusReplies, 1)
	return reply{hdr: controlHeader(&pkt.header, FlagAck|FlagCapacity, c.recvSeq, c.consumedSeq), to: b.from}
}

// mismatch answers a packet that has no connection: ack the past, NAK the
// future, stay silent for the present. Caller holds mu.
func (s *Service) mismatch(b *rxBuffer) (reply, bool) {
	pkt := &b.pkt
	if s.hasSession && pkt.sessionID != s.sessionID {
		atomic.AddUint64(&s.snmp.MismatchSession, 1)
		return reply{}, false
	}
	switch resolve(pkt.icID, s.hist) {
	case verdictPast:
		atomic.AddUint64(&s.snmp.MismatchPast, 1)
		return reply{hdr: controlHeader(&pkt.header, FlagStop|FlagAck, pkt.seq, pkt.seq), to: b.from}, false
	case verdictPresent:
		atomic.AddUint64(&s.snmp.MismatchPresent, 1)
		return reply{}, s.cachePacket(b)
	default:
		atomic.AddUint64(&s.snmp.MismatchFuture, 1)
		return reply{hdr: controlHeader(&pkt.header, FlagNak, pkt.seq, 0), to: b.from}, s.cachePacket(b)
	}
}

func (s *Service) cachePacket(b *rxBuffer) bool {
	if b.pkt.kind != kindData {
		return false
	}
	if !s.cache.put(b) {
		atomic.AddUint64(&s.snmp.CacheDrops, 1)
		return false
	}
	return true
}

// writeControl sends r from the listener socket. scratch must have room for
// a header and a full disorder list and is owned by the calling goroutine.
func (s *Service) writeControl(scratch []byte, r *reply) error {
	p := encodeSeqList(scratch[:HeaderSize], r.seqs)
	r.hdr.len = uint32(len(p))
	sealPacket(&r.hdr, p, s.cfg.FullCRC)
	n, err := s.listener.WriteTo(p, r.to)
	if err != nil {
		if isTransient(err) {
			return nil
		}
		return errors.Wrapf(ErrSocket, "reply to %v: %v", r.to, err)
	}
	atomic.AddUint64(&s.snmp.OutPkts, 1)
	atomic.AddUint64(&s.snmp.OutBytes, uint64(n))
	return nil
}
