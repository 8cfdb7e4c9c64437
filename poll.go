package interconnect

import (
	"net"
	"time"

	"github.com/pkg/errors"
)

// nonBlockingReader is implemented by packet conns that can report an empty
// receive queue without waiting.
type nonBlockingReader interface {
	TryReadFrom(p []byte) (n int, addr net.Addr, ok bool, err error)
}

// drainDeadline is the wait used by conns that cannot be polled without blocking.
const drainDeadline = time.Millisecond

func deadlineReadFrom(c net.PacketConn, p []byte) (int, net.Addr, bool, error) {
	if err := c.SetReadDeadline(time.Now().Add(drainDeadline)); err != nil {
		return 0, nil, false, errors.WithStack(err)
	}
	n, addr, err := c.ReadFrom(p)
	if err != nil {
		if isTransient(err) {
			return 0, nil, false, nil
		}
		return 0, nil, false, errors.WithStack(err)
	}
	return n, addr, true, nil
}

// readFromTimeout waits at most d for one datagram.
func readFromTimeout(c net.PacketConn, p []byte, d time.Duration) (int, net.Addr, bool, error) {
	if d <= 0 {
		return tryReadFrom(c, p)
	}
	if err := c.SetReadDeadline(time.Now().Add(d)); err != nil {
		return 0, nil, false, errors.WithStack(err)
	}
	n, addr, err := c.ReadFrom(p)
	if err != nil {
		if isTransient(err) {
			return 0, nil, false, nil
		}
		return 0, nil, false, errors.WithStack(err)
	}
	return n, addr, true, nil
}
