package interconnect

import (
	"time"

	"github.com/pkg/errors"
)

// bufHandle addresses a send buffer inside its arena. Lists store handles,
// so moving a buffer between lists never touches the buffer's storage.
type bufHandle int32

const nilHandle bufHandle = -1

type listLink struct {
	prev, next bufHandle
}

// sendBuffer wraps one outbound packet. It can sit in one queue list (send or
// unacked) and one time wheel slot at the same time.
type sendBuffer struct {
	handle bufHandle
	conn   *sendConn
	data   []byte // MaxPacketSize bytes, header first
	n      int    // bytes in use, header included

	seq          uint32
	retry        int
	firstSentAt  time.Time
	sentAt       time.Time
	disorderHits int

	queue *bufList // owning queue list, nil when none
	qlink listLink
	slot  *bufList // owning wheel slot, nil when none
	wlink listLink
}

func (b *sendBuffer) room() int { return len(b.data) - b.n }

func (b *sendBuffer) bytes() []byte { return b.data[:b.n] }

func (b *sendBuffer) linked() bool { return b.queue != nil || b.slot != nil }

// bufList is an intrusive doubly linked list of send buffers. A wheel list
// threads through wlink, every other list through qlink.
type bufList struct {
	wheel  bool
	head   bufHandle
	tail   bufHandle
	length int
}

func newBufList(wheel bool) bufList {
	return bufList{wheel: wheel, head: nilHandle, tail: nilHandle}
}

// sendArena owns every send buffer ever allocated by a pool. Handles are
// indexes into bufs and stay valid until the arena is reset.
type sendArena struct {
	bufs []*sendBuffer
	size int
}

func (a *sendArena) get(h bufHandle) *sendBuffer {
	if h == nilHandle {
		return nil
	}
	return a.bufs[h]
}

func (a *sendArena) grow() *sendBuffer {
	b := &sendBuffer{
		handle: bufHandle(len(a.bufs)),
		data:   make([]byte, a.size),
		n:      HeaderSize,
		qlink:  listLink{nilHandle, nilHandle},
		wlink:  listLink{nilHandle, nilHandle},
	}
	a.bufs = append(a.bufs, b)
	return b
}

func (a *sendArena) link(l *bufList, b *sendBuffer) *listLink {
	if l.wheel {
		return &b.wlink
	}
	return &b.qlink
}

func (a *sendArena) owner(l *bufList, b *sendBuffer) **bufList {
	if l.wheel {
		return &b.slot
	}
	return &b.queue
}

func (a *sendArena) pushBack(l *bufList, b *sendBuffer) {
	own := a.owner(l, b)
	if *own != nil {
		panic(errors.Wrapf(ErrInvalidState, "buffer %d already linked", b.handle))
	}
	*own = l
	lk := a.link(l, b)
	lk.prev, lk.next = l.tail, nilHandle
	if l.tail != nilHandle {
		a.link(l, a.bufs[l.tail]).next = b.handle
	} else {
		l.head = b.handle
	}
	l.tail = b.handle
	l.length++
}

func (a *sendArena) remove(l *bufList, b *sendBuffer) {
	own := a.owner(l, b)
	if *own != l {
		panic(errors.Wrapf(ErrInvalidState, "buffer %d not in list", b.handle))
	}
	lk := a.link(l, b)
	if lk.prev != nilHandle {
		a.link(l, a.bufs[lk.prev]).next = lk.next
	} else {
		l.head = lk.next
	}
	if lk.next != nilHandle {
		a.link(l, a.bufs[lk.next]).prev = lk.prev
	} else {
		l.tail = lk.prev
	}
	lk.prev, lk.next = nilHandle, nilHandle
	*own = nil
	l.length--
}

func (a *sendArena) front(l *bufList) *sendBuffer { return a.get(l.head) }

func (a *sendArena) next(l *bufList, b *sendBuffer) *sendBuffer {
	return a.get(a.link(l, b).next)
}

func (a *sendArena) popFront(l *bufList) *sendBuffer {
	b := a.get(l.head)
	if b != nil {
		a.remove(l, b)
	}
	return b
}

// detach unlinks b from whatever lists still hold it.
func (a *sendArena) detach(b *sendBuffer) {
	if b.queue != nil {
		a.remove(b.queue, b)
	}
	if b.slot != nil {
		a.remove(b.slot, b)
	}
}
