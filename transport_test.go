package interconnect

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func indexChunk(i int) Chunk {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(i))
	return Chunk{Type: ChunkWhole, Data: b[:]}
}

// runSender sends n index chunks then end of stream on route and tears down.
func runSender(ctx context.Context, tr *Transport, route, n int) error {
	for i := 0; i < n; i++ {
		active, err := tr.SendChunk(ctx, testMotion, route, indexChunk(i))
		if err != nil {
			return err
		}
		if !active {
			return fmt.Errorf("route %d stopped at chunk %d", route, i)
		}
	}
	if err := tr.SendEOS(ctx, testMotion, Chunk{}); err != nil {
		return err
	}
	return tr.Teardown(false)
}

// drainIndexes receives until end of stream and returns the decoded indexes.
func drainIndexes(t *testing.T, ctx context.Context, tr *Transport) []int {
	t.Helper()
	var got []int
	for {
		d, err := tr.RecvChunk(ctx, testMotion, AnyRoute)
		if err == io.EOF {
			return got
		}
		require.NoError(t, err)
		for _, c := range d.Chunks {
			require.Len(t, c.Data, 4)
			got = append(got, int(binary.LittleEndian.Uint32(c.Data)))
		}
	}
}

func sequence(n int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = i
	}
	return s
}

func transferOver(t *testing.T, vn *VirtualNetwork, cfg *Config, n int) (sender, receiver *Service) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	receiver = newTestService(t, vn, cfg)
	sender = newTestService(t, vn, cfg)

	rtr, err := receiver.Setup(ctx, matchingRecvDesc(1, 0))
	require.NoError(t, err)
	str, err := sender.Setup(ctx, sendDesc(1, receiver.ListenAddr()))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- runSender(ctx, str, 0, n) }()

	got := drainIndexes(t, ctx, rtr)
	require.NoError(t, <-errCh)
	require.NoError(t, rtr.Teardown(false))
	assert.Equal(t, sequence(n), got)
	return sender, receiver
}

func TestTransferLossless(t *testing.T) {
	sender, receiver := transferOver(t, NewVirtualNetwork(), testConfig(), 5000)
	assert.NotZero(t, sender.Stats().DataPktsSent)
	assert.Equal(t, uint64(5000), receiver.Stats().ChunksReceived)
}

func TestTransferSmallQueue(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPacketSize = 256
	cfg.QueueDepth = 1
	cfg.SendQueueDepth = 0
	transferOver(t, NewVirtualNetwork(), cfg, 500)
}

// dropEvery loses every nth data packet in flight.
func dropEvery(n int64) Filter {
	var count int64
	return func(from, to net.Addr, p []byte) bool {
		if len(p) < HeaderSize {
			return true
		}
		var h header
		h.decode(p)
		if classify(&h) != kindData {
			return true
		}
		return atomic.AddInt64(&count, 1)%n != 0
	}
}

func TestTransferWithLoss(t *testing.T) {
	vn := NewVirtualNetwork()
	vn.SetFilter(dropEvery(4))
	cfg := testConfig()
	cfg.MaxPacketSize = 512
	sender, receiver := transferOver(t, vn, cfg, 3000)
	assert.NotZero(t, sender.Stats().RetransSegs)
	assert.NotZero(t, receiver.Stats().DisorderSent+receiver.Stats().DuplicateSent)
}

func TestTransferLossPolicy(t *testing.T) {
	vn := NewVirtualNetwork()
	vn.SetFilter(dropEvery(5))
	cfg := testConfig()
	cfg.MaxPacketSize = 512
	cfg.FlowControl = FlowLoss
	sender, _ := transferOver(t, vn, cfg, 3000)
	assert.NotZero(t, sender.Stats().RetransSegs)
}

func TestBroadcast(t *testing.T) {
	vn := NewVirtualNetwork()
	cfg := testConfig()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	const routes, n = 3, 200
	sender := newTestService(t, vn, cfg)
	var (
		addrs []net.Addr
		rtrs  []*Transport
	)
	for i := 0; i < routes; i++ {
		r := newTestService(t, vn, cfg)
		rtr, err := r.Setup(ctx, matchingRecvDesc(1, i))
		require.NoError(t, err)
		addrs = append(addrs, r.ListenAddr())
		rtrs = append(rtrs, rtr)
	}
	str, err := sender.Setup(ctx, sendDesc(1, addrs...))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- runSender(ctx, str, Broadcast, n) }()

	results := make(chan []int, routes)
	for _, rtr := range rtrs {
		go func(rtr *Transport) {
			var got []int
			for {
				d, err := rtr.RecvChunk(ctx, testMotion, 0)
				if err != nil {
					assert.Equal(t, io.EOF, err)
					break
				}
				for _, c := range d.Chunks {
					got = append(got, int(binary.LittleEndian.Uint32(c.Data)))
				}
			}
			rtr.Teardown(false)
			results <- got
		}(rtr)
	}
	for i := 0; i < routes; i++ {
		assert.Equal(t, sequence(n), <-results)
	}
	require.NoError(t, <-errCh)
}

func TestStopFromReceiver(t *testing.T) {
	vn := NewVirtualNetwork()
	cfg := testConfig()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	receiver := newTestService(t, vn, cfg)
	sender := newTestService(t, vn, cfg)
	rtr, err := receiver.Setup(ctx, matchingRecvDesc(1, 0))
	require.NoError(t, err)
	defer rtr.Teardown(false)
	str, err := sender.Setup(ctx, sendDesc(1, receiver.ListenAddr()))
	require.NoError(t, err)
	defer str.Teardown(false)

	require.NoError(t, rtr.SendStop(testMotion))
	_, err = rtr.RecvChunk(ctx, testMotion, 0)
	assert.Equal(t, io.EOF, err)

	active := true
	for i := 0; active && i < 1000; i++ {
		active, err = str.SendChunk(ctx, testMotion, 0, fullChunk(str, 'a'))
		require.NoError(t, err)
		require.NoError(t, str.PollAcks(time.Millisecond))
	}
	assert.False(t, active, "sender learns about the stop")
	assert.NotZero(t, sender.Stats().StopsReceived)

	require.NoError(t, str.SendEOS(ctx, testMotion, Chunk{}))
}

func TestDeregisterReadInterest(t *testing.T) {
	vn := NewVirtualNetwork()
	cfg := testConfig()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	receiver := newTestService(t, vn, cfg)
	sender := newTestService(t, vn, cfg)
	rtr, err := receiver.Setup(ctx, matchingRecvDesc(1, 0))
	require.NoError(t, err)
	defer rtr.Teardown(false)
	str, err := sender.Setup(ctx, sendDesc(1, receiver.ListenAddr()))
	require.NoError(t, err)
	defer str.Teardown(false)

	_, err = str.SendChunk(ctx, testMotion, 0, fullChunk(str, 'a'))
	require.NoError(t, err)
	d, err := rtr.RecvChunk(ctx, testMotion, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), d.Seq)

	require.NoError(t, rtr.DeregisterReadInterest(testMotion, 0, "limit reached"))
	assert.True(t, d.released)

	deadline := time.Now().Add(5 * time.Second)
	c := str.sendMotions[testMotion].conns[0]
	for c.stillActive && time.Now().Before(deadline) {
		require.NoError(t, str.PollAcks(5*time.Millisecond))
	}
	assert.False(t, c.stillActive)

	err = rtr.DeregisterReadInterest(testMotion, 3, "")
	assert.True(t, errors.Is(err, ErrUnknownRoute))
}

func TestEOSWithChunk(t *testing.T) {
	vn := NewVirtualNetwork()
	cfg := testConfig()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	receiver := newTestService(t, vn, cfg)
	sender := newTestService(t, vn, cfg)
	rtr, err := receiver.Setup(ctx, matchingRecvDesc(1, 0))
	require.NoError(t, err)
	defer rtr.Teardown(false)
	str, err := sender.Setup(ctx, sendDesc(1, receiver.ListenAddr()))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		if err := str.SendEOS(ctx, testMotion, whole("last")); err != nil {
			errCh <- err
			return
		}
		errCh <- str.Teardown(false)
	}()

	d, err := rtr.RecvChunk(ctx, testMotion, 0)
	require.NoError(t, err)
	assert.True(t, d.EndOfStream)
	require.Len(t, d.Chunks, 1)
	assert.Equal(t, "last", string(d.Chunks[0].Data))

	_, err = rtr.RecvChunk(ctx, testMotion, 0)
	assert.Equal(t, io.EOF, err)
	require.NoError(t, <-errCh)
}

func TestRecvCanceled(t *testing.T) {
	vn := NewVirtualNetwork()
	s := newTestService(t, vn, testConfig())
	tr, err := s.Setup(context.Background(), recvDesc(1, 1))
	require.NoError(t, err)
	defer tr.Teardown(false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = tr.RecvChunk(ctx, testMotion, AnyRoute)
	assert.True(t, errors.Is(err, ErrCanceled))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestLivenessProbe(t *testing.T) {
	vn := NewVirtualNetwork()
	probe := func(context.Context) error { return errors.New("coordinator gone") }
	s := newTestService(t, vn, testConfig(), WithLivenessProbe(probe))
	tr, err := s.Setup(context.Background(), recvDesc(1, 1))
	require.NoError(t, err)
	defer tr.Teardown(true)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = tr.RecvChunk(ctx, testMotion, 0)
	assert.True(t, errors.Is(err, ErrCoordinatorLost))
}

func TestTransferOverUDP(t *testing.T) {
	transferOver(t, nil, testConfig(), 2000)
}

func TestRecvWaitRetransmitsOwnSends(t *testing.T) {
	vn := NewVirtualNetwork()
	cfg := testConfig()
	cfg.WaitTimeout = Duration(time.Second)
	cfg.ExceptionCheckInterval = 100
	cfg.MinExpiration = Duration(20 * time.Millisecond)
	s := newTestService(t, vn, cfg)
	rcv := newRawReceiver(t, vn)
	ctx := context.Background()

	out, err := s.Setup(ctx, sendDesc(1, rcv.conn.LocalAddr()))
	require.NoError(t, err)
	defer out.Teardown(false)
	in, err := s.Setup(ctx, recvDesc(2, 1))
	require.NoError(t, err)
	defer in.Teardown(false)

	_, err = out.SendChunk(ctx, testMotion, 0, whole("a"))
	require.NoError(t, err)
	c := out.sendMotions[testMotion].conns[0]
	out.flush(c, 0)
	require.NoError(t, s.uncork())
	assert.Equal(t, uint32(1), rcv.recv().seq)

	// the lost packet is resent while this process blocks on its own input
	wctx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	_, err = in.RecvChunk(wctx, testMotion, 0)
	assert.True(t, errors.Is(err, ErrCanceled))

	assert.NotZero(t, s.Stats().RetransSegs)
	assert.Equal(t, uint32(1), rcv.recv().seq)
}
