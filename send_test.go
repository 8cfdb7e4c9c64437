package interconnect

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ackFor builds the reply a receiver would send for c.
func ackFor(c *sendConn, flags, seq, extra uint32) *packet {
	h := controlHeader(&c.hdr, flags, seq, extra)
	return &packet{header: h, kind: classify(&h)}
}

func fullChunk(tr *Transport, fill byte) Chunk {
	return Chunk{Type: ChunkWhole, Data: bytes.Repeat([]byte{fill}, tr.MaxChunkData())}
}

func TestSendCreditAndDrain(t *testing.T) {
	vn := NewVirtualNetwork()
	cfg := testConfig()
	cfg.QueueDepth = 4
	cfg.InitialCredit = 2
	s := newTestService(t, vn, cfg)
	rcv := newRawReceiver(t, vn)
	ctx := context.Background()

	tr, err := s.Setup(ctx, sendDesc(1, rcv.conn.LocalAddr()))
	require.NoError(t, err)
	defer tr.Teardown(false)

	for i := 0; i < 3; i++ {
		active, err := tr.SendChunk(ctx, testMotion, 0, fullChunk(tr, byte('a'+i)))
		require.NoError(t, err)
		assert.True(t, active)
	}
	c := tr.sendMotions[testMotion].conns[0]
	assert.Equal(t, 2, c.unackQ.length)
	assert.Equal(t, 1, c.sendQ.length)
	assert.Equal(t, 0, c.capacity)
	assert.False(t, c.windowedOutSince.IsZero())

	for seq := uint32(1); seq <= 2; seq++ {
		pkt := rcv.recv()
		assert.Equal(t, kindData, pkt.kind)
		assert.Equal(t, seq, pkt.seq)
	}

	require.NoError(t, s.handleAck(ackFor(c, FlagAck, 0, 1), time.Now()))
	require.NoError(t, s.uncork())
	assert.Equal(t, 3, c.unackQ.length)
	assert.Equal(t, 0, c.sendQ.length)
	assert.True(t, c.windowedOutSince.IsZero())

	pkt := rcv.recv()
	assert.Equal(t, uint32(3), pkt.seq)
	chunks, err := parseChunks(pkt.payload, nil)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, byte('c'), chunks[0].Data[0])

	// cumulative ack frees the buffers
	require.NoError(t, s.handleAck(ackFor(c, FlagAck, 3, 1), time.Now()))
	assert.Equal(t, 0, c.unackQ.length)
	assert.Equal(t, 0, c.held)
	assert.Equal(t, uint32(3), c.receivedAckSeq)
}

func TestStopDropsPendingPacket(t *testing.T) {
	vn := NewVirtualNetwork()
	s := newTestService(t, vn, testConfig())
	rcv := newRawReceiver(t, vn)
	ctx := context.Background()

	tr, err := s.Setup(ctx, sendDesc(1, rcv.conn.LocalAddr()))
	require.NoError(t, err)
	defer tr.Teardown(false)

	for _, v := range []string{"x", "y", "z"} {
		_, err := tr.SendChunk(ctx, testMotion, 0, whole(v))
		require.NoError(t, err)
	}
	rcv.expectSilence(20 * time.Millisecond)

	c := tr.sendMotions[testMotion].conns[0]
	require.NoError(t, s.handleAck(ackFor(c, FlagStop|FlagAck, 0, 0), time.Now()))
	assert.False(t, c.stillActive)
	assert.Nil(t, c.cur)
	assert.Equal(t, 0, c.held)
}

func TestSendChunkValidation(t *testing.T) {
	vn := NewVirtualNetwork()
	s := newTestService(t, vn, testConfig())
	rcv := newRawReceiver(t, vn)
	ctx := context.Background()

	tr, err := s.Setup(ctx, sendDesc(1, rcv.conn.LocalAddr()))
	require.NoError(t, err)
	defer tr.Teardown(false)

	_, err = tr.SendChunk(ctx, testMotion, 0, Chunk{Type: ChunkWhole, Data: make([]byte, tr.MaxChunkData()+1)})
	assert.True(t, errors.Is(err, ErrChunkTooLarge))

	_, err = tr.SendChunk(ctx, testMotion, 0, Chunk{Type: 42})
	assert.True(t, errors.Is(err, ErrChunkFraming))

	_, err = tr.SendChunk(ctx, testMotion, 1, whole("a"))
	assert.True(t, errors.Is(err, ErrUnknownRoute))

	_, err = tr.SendChunk(ctx, testMotion+1, 0, whole("a"))
	assert.True(t, errors.Is(err, ErrUnknownRoute))
}

func TestDirectSendBuffer(t *testing.T) {
	vn := NewVirtualNetwork()
	s := newTestService(t, vn, testConfig())
	rcv := newRawReceiver(t, vn)
	ctx := context.Background()

	tr, err := s.Setup(ctx, sendDesc(1, rcv.conn.LocalAddr()))
	require.NoError(t, err)
	defer tr.Teardown(false)

	buf, err := tr.DirectSendBuffer(ctx, testMotion, 0)
	require.NoError(t, err)
	assert.Equal(t, s.cfg.MaxPacketSize-HeaderSize, len(buf))

	framed := AppendChunk(buf[:0], whole("direct"))
	require.NoError(t, tr.PutDirectSendBuffer(ctx, testMotion, 0, len(framed)))

	buf, err = tr.DirectSendBuffer(ctx, testMotion, 0)
	require.NoError(t, err)
	copy(buf, []byte{9, 0, 1, 0, 'x'})
	err = tr.PutDirectSendBuffer(ctx, testMotion, 0, 5)
	assert.True(t, errors.Is(err, ErrChunkFraming))

	err = tr.PutDirectSendBuffer(ctx, testMotion, 0, len(buf)+1)
	assert.True(t, errors.Is(err, ErrInvalidState))

	c := tr.sendMotions[testMotion].conns[0]
	tr.flush(c, 0)
	require.NoError(t, s.uncork())

	pkt := rcv.recv()
	chunks, err := parseChunks(pkt.payload, nil)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "direct", string(chunks[0].Data))
}

func TestTransmitTimeout(t *testing.T) {
	vn := NewVirtualNetwork()
	cfg := testConfig()
	cfg.TransmitTimeout = Duration(100 * time.Millisecond)
	cfg.MaxExpiration = Duration(20 * time.Millisecond)
	s := newTestService(t, vn, cfg)
	rcv := newRawReceiver(t, vn)
	ctx := context.Background()

	tr, err := s.Setup(ctx, sendDesc(1, rcv.conn.LocalAddr()))
	require.NoError(t, err)
	defer tr.Teardown(true)

	_, err = tr.SendChunk(ctx, testMotion, 0, fullChunk(tr, 'a'))
	require.NoError(t, err)

	deadline := time.Now().Add(3 * time.Second)
	for err == nil && time.Now().Before(deadline) {
		err = tr.PollAcks(5 * time.Millisecond)
	}
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransmitTimeout))
	assert.True(t, IsInterconnectError(err))
	assert.NotZero(t, s.Stats().RetransSegs)
}

func TestLossPolicyExpiration(t *testing.T) {
	vn := NewVirtualNetwork()
	cfg := testConfig()
	cfg.FlowControl = FlowLoss
	cfg.MinExpiration = Duration(20 * time.Millisecond)
	cfg.MaxExpiration = Duration(time.Second)
	s := newTestService(t, vn, cfg)
	rcv := newRawReceiver(t, vn)
	ctx := context.Background()

	tr, err := s.Setup(ctx, sendDesc(1, rcv.conn.LocalAddr()))
	require.NoError(t, err)
	defer tr.Teardown(false)
	require.NotNil(t, tr.wheel)

	_, err = tr.SendChunk(ctx, testMotion, 0, fullChunk(tr, 'a'))
	require.NoError(t, err)
	assert.Equal(t, 1, tr.wheel.len())
	assert.Equal(t, uint32(1), rcv.recv().seq)

	time.Sleep(40 * time.Millisecond)
	require.NoError(t, tr.PollAcks(0))

	retrans := rcv.recv()
	assert.Equal(t, uint32(1), retrans.seq)

	st := s.Stats()
	assert.Equal(t, uint64(1), st.RetransSegs)
	assert.Equal(t, uint64(1), st.Expirations)
	lf := tr.flow.(*lossFlow)
	assert.Less(t, lf.cwnd, cfg.InitialCwnd)
	assert.Equal(t, 1, tr.wheel.len(), "resent packet is rescheduled")

	c := tr.sendMotions[testMotion].conns[0]
	require.NoError(t, s.handleAck(ackFor(c, FlagAck, 1, 1), time.Now()))
	assert.Equal(t, 0, tr.wheel.len())
	assert.Equal(t, 0, lf.outstanding)
}

func TestDisorderTriggersResend(t *testing.T) {
	vn := NewVirtualNetwork()
	cfg := testConfig()
	cfg.MinExpiration = Duration(time.Second)
	cfg.MaxExpiration = Duration(time.Second)
	s := newTestService(t, vn, cfg)
	rcv := newRawReceiver(t, vn)
	ctx := context.Background()

	tr, err := s.Setup(ctx, sendDesc(1, rcv.conn.LocalAddr()))
	require.NoError(t, err)
	defer tr.Teardown(false)

	for i := 0; i < 3; i++ {
		_, err := tr.SendChunk(ctx, testMotion, 0, fullChunk(tr, 'a'))
		require.NoError(t, err)
	}
	c := tr.sendMotions[testMotion].conns[0]

	report := func() {
		pkt := ackFor(c, FlagDisorder, 3, 1)
		pkt.payload = encodeSeqList(nil, []uint32{2})
		require.NoError(t, s.handleAck(pkt, time.Now()))
		require.NoError(t, s.uncork())
	}
	report()
	assert.Zero(t, s.Stats().RetransSegs, "a single report is debounced")
	assert.Equal(t, 2, c.unackQ.length, "seq 1 acked by the report")

	report()
	assert.Equal(t, uint64(1), s.Stats().RetransSegs)
}

func TestIdleLossTransportSchedulesFromNow(t *testing.T) {
	vn := NewVirtualNetwork()
	cfg := testConfig()
	cfg.FlowControl = FlowLoss
	cfg.WheelSlots = 64
	cfg.TimerGranularity = Duration(5 * time.Millisecond)
	cfg.MinExpiration = Duration(50 * time.Millisecond)
	cfg.MaxExpiration = Duration(time.Second)
	s := newTestService(t, vn, cfg)
	rcv := newRawReceiver(t, vn)
	ctx := context.Background()

	tr, err := s.Setup(ctx, sendDesc(1, rcv.conn.LocalAddr()))
	require.NoError(t, err)
	defer tr.Teardown(false)

	// longer than one turn of the wheel
	time.Sleep(400 * time.Millisecond)
	_, err = tr.SendChunk(ctx, testMotion, 0, fullChunk(tr, 'a'))
	require.NoError(t, err)
	require.NoError(t, tr.checkExpirations(time.Now()))

	st := s.Stats()
	assert.Zero(t, st.Expirations)
	assert.Zero(t, st.RetransSegs)
	assert.Equal(t, cfg.InitialCwnd, tr.flow.(*lossFlow).cwnd)
	assert.Equal(t, 1, tr.wheel.len())
	assert.Equal(t, uint32(1), rcv.recv().seq)
}

func TestExpiredBatchRescheduledOnTimeout(t *testing.T) {
	vn := NewVirtualNetwork()
	cfg := testConfig()
	cfg.FlowControl = FlowLoss
	cfg.MinExpiration = Duration(20 * time.Millisecond)
	cfg.TransmitTimeout = Duration(30 * time.Millisecond)
	s := newTestService(t, vn, cfg)
	rcv := newRawReceiver(t, vn)
	ctx := context.Background()

	tr, err := s.Setup(ctx, sendDesc(1, rcv.conn.LocalAddr()))
	require.NoError(t, err)
	defer tr.Teardown(true)

	for i := 0; i < 2; i++ {
		_, err := tr.SendChunk(ctx, testMotion, 0, fullChunk(tr, 'a'))
		require.NoError(t, err)
	}
	require.Equal(t, 2, tr.wheel.len())

	err = tr.checkExpirations(time.Now().Add(60 * time.Millisecond))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransmitTimeout))
	assert.Equal(t, uint64(1), s.Stats().RetransSegs)
	assert.Equal(t, 2, tr.wheel.len(), "unsent expirations stay scheduled")
	assert.Equal(t, 2, tr.sendMotions[testMotion].conns[0].unackQ.length)
}

func TestDeadlockStatusQuery(t *testing.T) {
	vn := NewVirtualNetwork()
	cfg := testConfig()
	cfg.InitialCredit = 1
	cfg.MinExpiration = Duration(time.Second)
	cfg.MaxExpiration = Duration(time.Second)
	cfg.DeadlockCheckPeriod = Duration(20 * time.Millisecond)
	cfg.StatusQueryInterval = Duration(10 * time.Millisecond)
	cfg.TransmitTimeout = Duration(300 * time.Millisecond)
	s := newTestService(t, vn, cfg)
	rcv := newRawReceiver(t, vn)
	ctx := context.Background()

	tr, err := s.Setup(ctx, sendDesc(1, rcv.conn.LocalAddr()))
	require.NoError(t, err)
	defer tr.Teardown(true)

	for i := 0; i < 2; i++ {
		_, err := tr.SendChunk(ctx, testMotion, 0, fullChunk(tr, 'a'))
		require.NoError(t, err)
	}
	c := tr.sendMotions[testMotion].conns[0]
	require.Equal(t, 0, c.capacity)
	require.Equal(t, 1, c.sendQ.length)
	assert.Equal(t, uint32(1), rcv.recv().seq)

	deadline := time.Now().Add(3 * time.Second)
	for s.Stats().StatusQueries == 0 && time.Now().Before(deadline) {
		require.NoError(t, tr.PollAcks(5*time.Millisecond))
	}
	require.NotZero(t, s.Stats().StatusQueries)
	q := rcv.recv()
	assert.Equal(t, kindStatusQuery, q.kind)
	assert.Equal(t, uint32(2), q.seq)

	// the reply re-synchronizes credit and the queued packet drains
	require.NoError(t, s.handleAck(ackFor(c, FlagAck|FlagCapacity, 1, 1), time.Now()))
	assert.Equal(t, uint64(1), s.Stats().StatusReplies)
	assert.Equal(t, 0, c.sendQ.length)
	assert.Equal(t, 1, c.unackQ.length)
	assert.True(t, c.windowedOutSince.IsZero())

	// a receiver that never answers is fatal
	_, err = tr.SendChunk(ctx, testMotion, 0, fullChunk(tr, 'b'))
	require.NoError(t, err)
	require.Equal(t, 1, c.sendQ.length)
	for err == nil && time.Now().Before(deadline) {
		err = tr.PollAcks(5 * time.Millisecond)
	}
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDeadlockTimeout))
	assert.True(t, IsInterconnectError(err))
}

func TestAckIdempotent(t *testing.T) {
	vn := NewVirtualNetwork()
	cfg := testConfig()
	cfg.MinExpiration = Duration(time.Second)
	cfg.MaxExpiration = Duration(time.Second)
	s := newTestService(t, vn, cfg)
	rcv := newRawReceiver(t, vn)
	ctx := context.Background()

	tr, err := s.Setup(ctx, sendDesc(1, rcv.conn.LocalAddr()))
	require.NoError(t, err)
	defer tr.Teardown(false)

	for i := 0; i < 3; i++ {
		_, err := tr.SendChunk(ctx, testMotion, 0, fullChunk(tr, 'a'))
		require.NoError(t, err)
	}
	c := tr.sendMotions[testMotion].conns[0]

	require.NoError(t, s.handleAck(ackFor(c, FlagAck, 2, 2), time.Now()))
	inUse, capacity := s.sendPool.inUse, c.capacity
	assert.Equal(t, 1, inUse)
	assert.Equal(t, uint32(2), c.receivedAckSeq)

	for _, seq := range []uint32{2, 1} {
		require.NoError(t, s.handleAck(ackFor(c, FlagAck, seq, seq), time.Now()))
		assert.Equal(t, inUse, s.sendPool.inUse)
		assert.Equal(t, capacity, c.capacity)
		assert.Equal(t, uint32(2), c.receivedAckSeq, "ack %d", seq)
		assert.Equal(t, 1, c.unackQ.length)
	}
}

func TestDuplicateReport(t *testing.T) {
	vn := NewVirtualNetwork()
	cfg := testConfig()
	cfg.MinExpiration = Duration(time.Second)
	cfg.MaxExpiration = Duration(time.Second)
	s := newTestService(t, vn, cfg)
	rcv := newRawReceiver(t, vn)
	ctx := context.Background()

	tr, err := s.Setup(ctx, sendDesc(1, rcv.conn.LocalAddr()))
	require.NoError(t, err)
	defer tr.Teardown(false)

	for i := 0; i < 4; i++ {
		_, err := tr.SendChunk(ctx, testMotion, 0, fullChunk(tr, 'a'))
		require.NoError(t, err)
	}
	c := tr.sendMotions[testMotion].conns[0]
	require.Equal(t, 4, c.unackQ.length)

	// receiver holds 1 in order and 4 out of order
	require.NoError(t, s.handleAck(ackFor(c, FlagDuplicate, 4, 1), time.Now()))
	assert.Equal(t, uint32(1), c.receivedAckSeq)
	assert.Equal(t, 2, c.unackQ.length, "seq 1 acked, seq 4 dropped")
	assert.Equal(t, 2, c.held)
	assert.Zero(t, s.Stats().RetransSegs, "a single report is debounced")

	require.NoError(t, s.handleAck(ackFor(c, FlagDuplicate, 4, 1), time.Now()))
	assert.Equal(t, uint64(2), s.Stats().RetransSegs, "gap 2..3 resent")
	assert.Equal(t, uint64(2), s.Stats().DuplicateRecv)
	assert.Equal(t, 2, c.unackQ.length)
}
