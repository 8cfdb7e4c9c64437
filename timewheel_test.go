package interconnect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeWheelExpiry(t *testing.T) {
	a := &sendArena{size: 128}
	now := time.Now()
	w := newTimeWheel(a, 64, 5*time.Millisecond, now)

	b := a.grow()
	w.put(b, 20*time.Millisecond, now)
	assert.Equal(t, 1, w.len())
	assert.NotNil(t, b.slot)

	assert.Empty(t, w.advance(now.Add(10*time.Millisecond)))
	expired := w.advance(now.Add(25 * time.Millisecond))
	require.Len(t, expired, 1)
	assert.Equal(t, b, expired[0])
	assert.Nil(t, b.slot)
	assert.Zero(t, w.len())
}

func TestTimeWheelRemove(t *testing.T) {
	a := &sendArena{size: 128}
	now := time.Now()
	w := newTimeWheel(a, 16, time.Millisecond, now)

	b := a.grow()
	w.put(b, 3*time.Millisecond, now)
	w.remove(b)
	w.remove(b)
	assert.Zero(t, w.len())
	assert.Empty(t, w.advance(now.Add(10*time.Millisecond)))
}

func TestTimeWheelClampsDelay(t *testing.T) {
	a := &sendArena{size: 128}
	now := time.Now()
	w := newTimeWheel(a, 8, time.Millisecond, now)

	soon, late := a.grow(), a.grow()
	w.put(soon, 0, now)
	w.put(late, time.Hour, now)
	assert.Equal(t, 2, w.len())

	expired := w.advance(now.Add(time.Millisecond))
	assert.Equal(t, []*sendBuffer{soon}, expired, "zero delay waits one slot")

	expired = w.advance(now.Add(7 * time.Millisecond))
	assert.Equal(t, []*sendBuffer{late}, expired, "long delay lands on the last slot")
}

func TestTimeWheelLongStall(t *testing.T) {
	a := &sendArena{size: 128}
	now := time.Now()
	w := newTimeWheel(a, 8, time.Millisecond, now)

	b := a.grow()
	w.put(b, 2*time.Millisecond, now)
	later := now.Add(time.Second)
	assert.Len(t, w.advance(later), 1)
	assert.Equal(t, later, w.curTime, "wheel jumps to now after a full turn")
}

func TestTimeWheelPutAfterIdle(t *testing.T) {
	a := &sendArena{size: 128}
	now := time.Now()
	w := newTimeWheel(a, 64, 5*time.Millisecond, now)

	// idle for more than one turn before the first packet
	idle := now.Add(400 * time.Millisecond)
	b := a.grow()
	w.put(b, 50*time.Millisecond, idle)
	assert.Equal(t, idle, w.curTime)

	assert.Empty(t, w.advance(idle.Add(10*time.Millisecond)))
	assert.Empty(t, w.advance(idle.Add(45*time.Millisecond)))
	assert.Equal(t, []*sendBuffer{b}, w.advance(idle.Add(55*time.Millisecond)))
}
