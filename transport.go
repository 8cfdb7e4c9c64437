package interconnect

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	// Broadcast as a SendChunk route sends to every live route of the motion node.
	Broadcast = -1
	// AnyRoute as a RecvChunk route takes the next chunk from any route.
	AnyRoute = -1
)

// PeerDesc is one process on the far side of a motion node.
type PeerDesc struct {
	ContentID int32
	PID       int32
	Addr      net.Addr // peer listener, required for send routes
}

// MotionDesc describes one side of a motion node. The index of a peer in
// Routes is its route number.
type MotionDesc struct {
	MotNodeID      int32
	SendSliceIndex int32
	RecvSliceIndex int32
	Routes         []PeerDesc
}

// QueryDesc describes one query instance to Setup.
type QueryDesc struct {
	SessionID      uint32
	InstanceID     uint32 // distinguishes retries and cursors within a session
	DistXactID     uint32
	LocalContentID int32
	LocalPID       int32
	FlowControl    FlowControl // empty selects the configured policy
	Send           []MotionDesc
	Recv           []MotionDesc
}

type sendMotion struct {
	id    int32
	conns []*sendConn
}

type recvMotion struct {
	id     int32
	conns  []*recvConn
	active int // routes that have not reached end of stream
	next   int // round robin start for AnyRoute
}

// Transport is the interconnect of one query instance. Its methods must be
// called from a single goroutine, the executor's.
type Transport struct {
	s    *Service
	desc QueryDesc
	icID uint32
	flow flowPolicy

	wheel       *timeWheel // loss policy only
	sendMotions map[int32]*sendMotion
	recvMotions map[int32]*recvMotion

	torn      bool
	lastProbe time.Time
	scratch   []byte
	chunks    []Chunk
}

// Setup registers the connections of one query instance and returns its
// Transport. Packets that raced ahead of Setup are taken from the startup
// cache and acknowledged.
func (s *Service) Setup(ctx context.Context, q *QueryDesc) (*Transport, error) {
	if err := s.Start(); err != nil {
		return nil, err
	}
	if s.closed() {
		return nil, errors.WithStack(ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return nil, canceled(err)
	}
	if q.InstanceID == 0 {
		return nil, errors.Wrap(ErrInvalidState, "instance id 0 is reserved")
	}
	kind := q.FlowControl
	if kind == "" {
		kind = s.cfg.FlowControl
	}
	if !kind.valid() {
		return nil, errors.Wrapf(ErrInvalidState, "unknown flow control %q", kind)
	}

	t := &Transport{
		s:           s,
		desc:        *q,
		icID:        q.InstanceID,
		flow:        newFlowPolicy(kind, s.cfg),
		sendMotions: make(map[int32]*sendMotion),
		recvMotions: make(map[int32]*recvMotion),
		scratch:     make([]byte, HeaderSize, HeaderSize+4*MaxDisorderSeqs),
	}
	if kind == FlowLoss {
		t.wheel = newTimeWheel(&s.sendPool.arena, s.cfg.WheelSlots, s.cfg.TimerGranularity.D(), time.Now())
	}

	replies, err := s.registerRecv(t, q)
	if err != nil {
		return nil, err
	}
	for _, r := range replies {
		if err := s.writeControl(t.scratch, &r); err != nil {
			log.WithFields(log.Fields{"icid": t.icID, "err": err}).Warn("replying to cached packet")
		}
	}
	if err := s.registerSend(t, q); err != nil {
		t.Teardown(true)
		return nil, err
	}

	log.WithFields(log.Fields{
		"session": q.SessionID,
		"icid":    q.InstanceID,
		"flow":    kind,
		"send":    len(q.Send),
		"recv":    len(q.Recv),
	}).Debug("interconnect setup")
	return t, nil
}

// registerRecv creates the incoming connections under mu and replays
// cached packets into them.
func (s *Service) registerRecv(t *Transport, q *QueryDesc) ([]reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.transports[q.InstanceID]; dup {
		return nil, errors.Wrapf(ErrInvalidState, "instance %d already set up", q.InstanceID)
	}
	if !s.hasSession || (q.SessionID != s.sessionID && len(s.transports) == 0) {
		if s.hasSession {
			s.hist.reset()
		}
		s.sessionID, s.hasSession = q.SessionID, true
	} else if q.SessionID != s.sessionID {
		return nil, errors.Wrapf(ErrInvalidState, "session %d while session %d is active", q.SessionID, s.sessionID)
	}
	s.hist.begin(q.InstanceID, q.DistXactID)
	s.transports[q.InstanceID] = t

	var replies []reply
	for _, md := range q.Recv {
		if _, dup := t.recvMotions[md.MotNodeID]; dup {
			s.unregisterRecvLocked(t)
			return nil, errors.Wrapf(ErrInvalidState, "motion node %d received twice", md.MotNodeID)
		}
		m := &recvMotion{id: md.MotNodeID, active: len(md.Routes)}
		t.recvMotions[md.MotNodeID] = m
		for route, peer := range md.Routes {
			k := connKey{
				motNodeID:      md.MotNodeID,
				sendSliceIndex: md.SendSliceIndex,
				recvSliceIndex: md.RecvSliceIndex,
				srcContentID:   peer.ContentID,
				dstContentID:   q.LocalContentID,
				srcPID:         peer.PID,
				dstPID:         q.LocalPID,
				icID:           q.InstanceID,
			}
			c := newRecvConn(t, m, route, k, s.cfg.QueueDepth)
			if err := s.recvConns.insert(k, c); err != nil {
				s.unregisterRecvLocked(t)
				return nil, err
			}
			m.conns = append(m.conns, c)
		}
	}
	s.rxPool.setMax(s.rxBufferMax())

	for _, m := range t.recvMotions {
		for _, c := range m.conns {
			for _, b := range s.cache.take(c.key) {
				atomic.AddUint64(&s.snmp.CacheHits, 1)
				r, kept := s.handleData(c, b)
				if !kept {
					s.rxPool.release(b)
				}
				if r.ok() {
					replies = append(replies, r)
				}
			}
		}
	}
	return replies, nil
}

// registerSend creates the outgoing connections. Main goroutine only.
func (s *Service) registerSend(t *Transport, q *QueryDesc) error {
	for _, md := range q.Send {
		if _, dup := t.sendMotions[md.MotNodeID]; dup {
			return errors.Wrapf(ErrInvalidState, "motion node %d sent twice", md.MotNodeID)
		}
		m := &sendMotion{id: md.MotNodeID}
		t.sendMotions[md.MotNodeID] = m
		for route, peer := range md.Routes {
			if peer.Addr == nil {
				return errors.Wrapf(ErrUnknownRoute, "motion node %d route %d has no address", md.MotNodeID, route)
			}
			k := connKey{
				motNodeID:      md.MotNodeID,
				sendSliceIndex: md.SendSliceIndex,
				recvSliceIndex: md.RecvSliceIndex,
				srcContentID:   q.LocalContentID,
				dstContentID:   peer.ContentID,
				srcPID:         q.LocalPID,
				dstPID:         peer.PID,
				icID:           q.InstanceID,
			}
			c := newSendConn(t, md.MotNodeID, route, k, peer.Addr, s.cfg.initialCredit())
			c.hdr = header{
				motNodeID:       md.MotNodeID,
				srcPID:          q.LocalPID,
				srcListenerPort: s.listenPort,
				dstPID:          peer.PID,
				dstListenerPort: addrPort(peer.Addr),
				sessionID:       q.SessionID,
				icID:            q.InstanceID,
				recvSliceIndex:  md.RecvSliceIndex,
				sendSliceIndex:  md.SendSliceIndex,
				srcContentID:    q.LocalContentID,
				dstContentID:    peer.ContentID,
			}
			if err := s.sendConns.insert(k, c); err != nil {
				return err
			}
			m.conns = append(m.conns, c)
			s.sendPool.grow(s.cfg.sendQuota())
		}
	}
	return nil
}

// unregisterRecvLocked removes t's incoming connections and returns their
// buffers. It collects the STOP replies owed to senders that are still active.
func (s *Service) unregisterRecvLocked(t *Transport) []reply {
	var stops []reply
	for _, m := range t.recvMotions {
		for _, c := range m.conns {
			if c.stillActive && c.peer != nil {
				stops = append(stops, reply{hdr: controlHeader(&c.hdr, FlagStop|FlagAck, c.recvSeq, c.consumedSeq), to: c.peer})
			}
			c.stillActive = false
			c.drain(s.rxPool.release)
			s.recvConns.remove(c.key)
		}
	}
	for _, b := range s.cache.dropInstance(t.icID) {
		s.rxPool.release(b)
	}
	if s.wait.t == t {
		s.wait = waitTarget{}
	}
	s.hist.end(t.icID)
	delete(s.transports, t.icID)
	s.rxPool.setMax(s.rxBufferMax())
	return stops
}

// Teardown releases every connection and buffer of the transport. It always
// runs to completion and may be called more than once; the error only
// describes what went wrong on the way.
func (t *Transport) Teardown(hadErrors bool) error {
	if t.torn {
		return nil
	}
	t.torn = true
	s := t.s
	var result *multierror.Error

	if err := s.uncork(); err != nil {
		result = multierror.Append(result, err)
	}

	s.mu.Lock()
	stops := s.unregisterRecvLocked(t)
	last := len(s.transports) == 0
	s.mu.Unlock()

	if !s.closed() {
		for i := range stops {
			if err := s.writeControl(t.scratch, &stops[i]); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}

	fields := log.Fields{"icid": t.icID, "errors": hadErrors, "sendbufs": s.sendPool.allocated()}
	if t.wheel != nil {
		fields["scheduled"] = t.wheel.len()
	}
	for _, m := range t.sendMotions {
		for _, c := range m.conns {
			t.releaseSendBuffers(c)
			if s.sendConns.remove(c.key) {
				s.sendPool.shrink(s.cfg.sendQuota())
			}
		}
	}
	if last {
		s.sendPool.reset()
		s.rxErr.Store(rxFault{})
		s.txqueue = nil
	}

	if err := result.ErrorOrNil(); err != nil {
		fields["err"] = err
	}
	log.WithFields(fields).Debug("interconnect teardown")
	return result.ErrorOrNil()
}

// releaseSendBuffers returns every buffer c holds to the pool.
func (t *Transport) releaseSendBuffers(c *sendConn) {
	p := t.s.sendPool
	inFlight := c.unackQ.length
	for _, l := range []*bufList{&c.sendQ, &c.unackQ} {
		for b := p.arena.front(l); b != nil; b = p.arena.front(l) {
			if t.wheel != nil {
				t.wheel.remove(b)
			}
			p.arena.detach(b)
			p.release(b)
			c.held--
		}
	}
	if c.cur != nil {
		p.release(c.cur)
		c.cur = nil
		c.held--
	}
	t.flow.forget(inFlight)
	c.windowedOutSince = time.Time{}
}

// MaxChunkData is the largest chunk data that fits in one packet.
func (t *Transport) MaxChunkData() int { return t.s.cfg.maxChunkData() }

// InstanceID returns the query instance the transport serves.
func (t *Transport) InstanceID() uint32 { return t.icID }

func (t *Transport) sendMotion(id int32) (*sendMotion, error) {
	m, ok := t.sendMotions[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownRoute, "no send motion node %d", id)
	}
	return m, nil
}

func (t *Transport) recvMotion(id int32) (*recvMotion, error) {
	m, ok := t.recvMotions[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownRoute, "no receive motion node %d", id)
	}
	return m, nil
}

func (t *Transport) usable() error {
	if t.torn {
		return errors.Wrap(ErrClosed, "transport torn down")
	}
	if t.s.closed() {
		return errors.WithStack(ErrClosed)
	}
	return nil
}
