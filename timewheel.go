package interconnect

import "time"

// timeWheel schedules unacked send buffers for retransmission. Slot i covers
// expirations around curTime + (i-cur)*span. Not safe for concurrent use.
type timeWheel struct {
	arena   *sendArena
	slots   []bufList
	span    time.Duration
	cur     int
	curTime time.Time
	count   int
}

func newTimeWheel(arena *sendArena, n int, span time.Duration, now time.Time) *timeWheel {
	w := &timeWheel{
		arena:   arena,
		slots:   make([]bufList, n),
		span:    span,
		curTime: now,
	}
	for i := range w.slots {
		w.slots[i] = newBufList(true)
	}
	return w
}

func (w *timeWheel) wheelSpan() time.Duration { return time.Duration(len(w.slots)) * w.span }

// put schedules b to expire delay after now. The delay is clamped so the
// target never wraps onto the current slot. An empty wheel that fell behind
// is moved up to now first; a non-empty one must be advanced by the caller.
func (w *timeWheel) put(b *sendBuffer, delay time.Duration, now time.Time) {
	if w.count == 0 {
		w.skip(now)
	}
	d := delay + now.Sub(w.curTime)
	if d < w.span {
		d = w.span
	}
	if max := w.wheelSpan() - w.span; d > max {
		d = max
	}
	target := (w.cur + int(d/w.span)) % len(w.slots)
	w.arena.pushBack(&w.slots[target], b)
	w.count++
}

// skip moves the current slot to now without visiting the slots in between.
// Only valid while the wheel is empty.
func (w *timeWheel) skip(now time.Time) {
	lag := now.Sub(w.curTime)
	if lag < w.span {
		return
	}
	steps := int64(lag / w.span)
	w.cur = int((int64(w.cur) + steps%int64(len(w.slots))) % int64(len(w.slots)))
	w.curTime = w.curTime.Add(time.Duration(steps) * w.span)
}

func (w *timeWheel) remove(b *sendBuffer) {
	if b.slot == nil {
		return
	}
	w.arena.remove(b.slot, b)
	w.count--
}

// advance moves the wheel up to now and returns the buffers of every slot it
// crossed, unlinked from the wheel. At most one full turn is processed per
// call; after a longer stall the wheel jumps to now.
func (w *timeWheel) advance(now time.Time) []*sendBuffer {
	var expired []*sendBuffer
	i := 0
	for ; i < len(w.slots) && now.Sub(w.curTime) >= w.span; i++ {
		w.cur = (w.cur + 1) % len(w.slots)
		w.curTime = w.curTime.Add(w.span)
		slot := &w.slots[w.cur]
		for b := w.arena.popFront(slot); b != nil; b = w.arena.popFront(slot) {
			expired = append(expired, b)
			w.count--
		}
	}
	if i == len(w.slots) && now.Sub(w.curTime) >= w.span {
		w.curTime = now
	}
	return expired
}

func (w *timeWheel) len() int { return w.count }
