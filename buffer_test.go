package interconnect

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listSeqs(a *sendArena, l *bufList) []uint32 {
	var seqs []uint32
	for b := a.front(l); b != nil; b = a.next(l, b) {
		seqs = append(seqs, b.seq)
	}
	return seqs
}

func TestBufListOrder(t *testing.T) {
	a := &sendArena{size: 128}
	l := newBufList(false)
	bufs := make([]*sendBuffer, 4)
	for i := range bufs {
		bufs[i] = a.grow()
		bufs[i].seq = uint32(i + 1)
		a.pushBack(&l, bufs[i])
	}
	assert.Equal(t, []uint32{1, 2, 3, 4}, listSeqs(a, &l))

	a.remove(&l, bufs[1])
	a.remove(&l, bufs[3])
	assert.Equal(t, []uint32{1, 3}, listSeqs(a, &l))
	assert.Equal(t, 2, l.length)

	assert.Equal(t, bufs[0], a.popFront(&l))
	assert.Equal(t, bufs[2], a.popFront(&l))
	assert.Nil(t, a.popFront(&l))
	assert.Equal(t, nilHandle, l.head)
	assert.Equal(t, nilHandle, l.tail)
}

func TestBufferInQueueAndWheel(t *testing.T) {
	a := &sendArena{size: 128}
	q := newBufList(false)
	w := newBufList(true)
	b := a.grow()

	a.pushBack(&q, b)
	a.pushBack(&w, b)
	assert.True(t, b.linked())

	a.remove(&w, b)
	assert.Equal(t, &q, b.queue)
	assert.Nil(t, b.slot)

	a.pushBack(&w, b)
	a.detach(b)
	assert.False(t, b.linked())
	assert.Zero(t, q.length)
	assert.Zero(t, w.length)
}

func TestBufListMisuse(t *testing.T) {
	a := &sendArena{size: 128}
	l1, l2 := newBufList(false), newBufList(false)
	b := a.grow()
	a.pushBack(&l1, b)

	assert.Panics(t, func() { a.pushBack(&l2, b) }, "buffer in two queue lists")
	assert.Panics(t, func() { a.remove(&l2, b) }, "removing from the wrong list")
}

func TestSendPoolConservation(t *testing.T) {
	p := newSendPool(128)
	p.grow(3)

	var held []*sendBuffer
	for b := p.acquire(); b != nil; b = p.acquire() {
		held = append(held, b)
	}
	assert.Len(t, held, 3)
	assert.Equal(t, 3, p.inUse)

	p.release(held[0])
	assert.Equal(t, p.allocated(), len(p.free)+p.inUse)

	b := p.acquire()
	assert.Equal(t, held[0], b, "free buffers are reused")
	assert.Equal(t, HeaderSize, b.n)
	assert.Equal(t, 3, p.allocated())

	for _, b := range held {
		p.release(b)
	}
	assert.Zero(t, p.inUse)
	p.reset()
	assert.Zero(t, p.allocated())
}

func TestSendPoolReleaseLinked(t *testing.T) {
	p := newSendPool(128)
	p.grow(1)
	b := p.acquire()
	l := newBufList(false)
	p.arena.pushBack(&l, b)

	assert.Panics(t, func() { p.release(b) })
	assert.Panics(t, func() { p.reset() }, "reset with buffers in use")
}

func TestRxPool(t *testing.T) {
	p := newRxPool(64, nil)
	p.setMax(2)

	b1, err := p.acquire()
	require.NoError(t, err)
	_, err = p.acquire()
	require.NoError(t, err)
	_, err = p.acquire()
	assert.Equal(t, errNoBuffer, err)

	p.release(b1)
	select {
	case <-p.freed:
	default:
		t.Fatal("release did not signal")
	}
	b3, err := p.acquire()
	require.NoError(t, err)
	assert.Equal(t, b1, b3)

	p.setMax(1)
	p.release(b3)
	assert.Equal(t, 1, p.allocated, "surplus buffer dropped")
	assert.Empty(t, p.free)
}

func TestRxPoolAllocFailure(t *testing.T) {
	p := newRxPool(64, func(int) ([]byte, error) { return nil, errors.New("oom") })
	p.setMax(4)
	_, err := p.acquire()
	require.Error(t, err)
	assert.NotEqual(t, errNoBuffer, err)
	assert.Zero(t, p.allocated)
}
