package interconnect

import (
	"net"
	"time"
)

// recvConn is the receiving end of one stream. The rx goroutine fills pktQ,
// the main goroutine drains it; both hold Service.mu.
type recvConn struct {
	key   connKey
	t     *Transport
	mot   *recvMotion
	route int
	peer  net.Addr // sender socket, learned from the first packet
	hdr   header   // last header received, template for consumption acks
	depth uint32

	stillActive   bool
	stopRequested bool

	recvSeq      uint32 // highest contiguous sequence received
	consumedSeq  uint32 // highest sequence released by the executor
	deliveredSeq uint32 // highest sequence handed to the executor
	pktQ         []*rxBuffer
	outstanding  *Delivery
}

func newRecvConn(t *Transport, m *recvMotion, route int, k connKey, depth int) *recvConn {
	return &recvConn{
		key:         k,
		t:           t,
		mot:         m,
		route:       route,
		depth:       uint32(depth),
		stillActive: true,
		pktQ:        make([]*rxBuffer, depth),
	}
}

func (c *recvConn) slot(seq uint32) int { return int((seq - 1) % c.depth) }

// queued reports whether an undelivered in-order packet is waiting.
func (c *recvConn) queued() bool { return c.deliveredSeq < c.recvSeq }

// drain empties the receive queue into release. An outstanding delivery
// counts as released.
func (c *recvConn) drain(release func(*rxBuffer)) {
	for i, b := range c.pktQ {
		if b != nil {
			release(b)
			c.pktQ[i] = nil
		}
	}
	if c.outstanding != nil {
		c.outstanding.released = true
		c.outstanding.buf = nil
		c.outstanding = nil
	}
}

// sendConn is the sending end of one stream. Only the main goroutine touches it.
type sendConn struct {
	key   connKey
	hdr   header // template stamped into every data packet
	t     *Transport
	motID int32
	route int
	addr  net.Addr

	stillActive   bool
	stopRequested bool
	eosSent       bool

	sentSeq        uint32 // last sequence assigned
	receivedAckSeq uint32 // highest cumulative ack
	consumedSeq    uint32 // highest sequence the receiver released
	capacity       int
	held           int // buffers owned, cur included

	cur    *sendBuffer // packet being filled
	sendQ  bufList
	unackQ bufList

	rtt rttEstimator

	windowedOutSince time.Time
	lastAckAt        time.Time
	lastStatusQuery  time.Time
	retryWarned      bool
}

func newSendConn(t *Transport, motID int32, route int, k connKey, addr net.Addr, credit int) *sendConn {
	return &sendConn{
		key:         k,
		t:           t,
		motID:       motID,
		route:       route,
		addr:        addr,
		stillActive: true,
		capacity:    credit,
		sendQ:       newBufList(false),
		unackQ:      newBufList(false),
	}
}

// rttEstimator keeps the smoothed round trip time and its mean deviation.
type rttEstimator struct {
	srtt time.Duration
	dev  time.Duration
	init bool
}

func (r *rttEstimator) sample(d time.Duration) {
	if d < 0 {
		return
	}
	if !r.init {
		r.srtt = d
		r.dev = d / 2
		r.init = true
		return
	}
	delta := r.srtt - d
	if delta < 0 {
		delta = -delta
	}
	r.dev = (3*r.dev + delta) / 4
	r.srtt = (7*r.srtt + d) / 8
}

// period is the retransmission period after retry resends, backed off
// exponentially and kept within [min, max].
func (r *rttEstimator) period(retry int, min, max time.Duration) time.Duration {
	clamp := func(d time.Duration) time.Duration {
		if d < min {
			return min
		}
		if d > max {
			return max
		}
		return d
	}
	base := clamp(r.srtt + 4*r.dev)
	if retry > 6 {
		retry = 6
	}
	return clamp(base << uint(retry))
}
