package interconnect

import (
	"github.com/pkg/errors"
)

// connKey is the identity tuple of one direction of one stream. Data packets
// and the replies to them carry the same tuple.
type connKey struct {
	motNodeID      int32
	sendSliceIndex int32
	recvSliceIndex int32
	srcContentID   int32
	dstContentID   int32
	srcPID         int32
	dstPID         int32
	icID           uint32
}

// hash mixes the fields that differ most between connections.
func (k connKey) hash() uint32 {
	h := uint32(2166136261)
	for _, v := range [...]uint32{uint32(k.motNodeID), uint32(k.srcContentID), uint32(k.dstContentID), uint32(k.srcPID), uint32(k.dstPID), k.icID} {
		h ^= v
		h *= 16777619
	}
	return h
}

type tableEntry[C any] struct {
	key  connKey
	conn C
}

// connTable maps identity tuples to connections. Buckets are scanned
// linearly comparing the full tuple.
type connTable[C any] struct {
	buckets [][]tableEntry[C]
	n       int
}

const initialBuckets = 16

func newConnTable[C any]() *connTable[C] {
	return &connTable[C]{buckets: make([][]tableEntry[C], initialBuckets)}
}

func (t *connTable[C]) bucket(k connKey) int {
	return int(k.hash() & uint32(len(t.buckets)-1))
}

func (t *connTable[C]) insert(k connKey, c C) error {
	i := t.bucket(k)
	for _, e := range t.buckets[i] {
		if e.key == k {
			return errors.Wrapf(ErrInvalidState, "connection %+v registered twice", k)
		}
	}
	t.buckets[i] = append(t.buckets[i], tableEntry[C]{key: k, conn: c})
	t.n++
	if t.n > 4*len(t.buckets) {
		t.rehash(2 * len(t.buckets))
	}
	return nil
}

func (t *connTable[C]) find(k connKey) (c C, ok bool) {
	for _, e := range t.buckets[t.bucket(k)] {
		if e.key == k {
			return e.conn, true
		}
	}
	return c, false
}

func (t *connTable[C]) remove(k connKey) bool {
	i := t.bucket(k)
	b := t.buckets[i]
	for j := range b {
		if b[j].key == k {
			b[j] = b[len(b)-1]
			b[len(b)-1] = tableEntry[C]{}
			t.buckets[i] = b[:len(b)-1]
			t.n--
			return true
		}
	}
	return false
}

func (t *connTable[C]) len() int { return t.n }

// each visits every entry. fn must not modify the table.
func (t *connTable[C]) each(fn func(connKey, C)) {
	for _, b := range t.buckets {
		for _, e := range b {
			fn(e.key, e.conn)
		}
	}
}

func (t *connTable[C]) rehash(n int) {
	old := t.buckets
	t.buckets = make([][]tableEntry[C], n)
	for _, b := range old {
		for _, e := range b {
			i := t.bucket(e.key)
			t.buckets[i] = append(t.buckets[i], e)
		}
	}
}

// startupCache holds data packets that arrived before their connection was
// registered. Guarded by Service.mu.
type startupCache struct {
	queues *connTable[[]*rxBuffer]
	total  int
	limit  int
}

func newStartupCache(limit int) *startupCache {
	return &startupCache{queues: newConnTable[[]*rxBuffer](), limit: limit}
}

// put reports false when the cache is full; the caller keeps ownership of b.
func (c *startupCache) put(b *rxBuffer) bool {
	if c.total >= c.limit {
		return false
	}
	k := b.pkt.key()
	q, ok := c.queues.find(k)
	if ok {
		c.queues.remove(k)
	}
	_ = c.queues.insert(k, append(q, b))
	c.total++
	return true
}

// take removes and returns every packet cached for k.
func (c *startupCache) take(k connKey) []*rxBuffer {
	q, ok := c.queues.find(k)
	if !ok {
		return nil
	}
	c.queues.remove(k)
	c.total -= len(q)
	return q
}

// dropInstance removes every packet of one query instance.
func (c *startupCache) dropInstance(icID uint32) []*rxBuffer {
	var keys []connKey
	c.queues.each(func(k connKey, _ []*rxBuffer) {
		if k.icID == icID {
			keys = append(keys, k)
		}
	})
	var dropped []*rxBuffer
	for _, k := range keys {
		dropped = append(dropped, c.take(k)...)
	}
	return dropped
}
