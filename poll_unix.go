//go:build unix

package interconnect

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// tryReadFrom reads one datagram if one is already queued on c and never
// blocks. ok is false when nothing was waiting.
func tryReadFrom(c net.PacketConn, p []byte) (n int, addr net.Addr, ok bool, err error) {
	switch conn := c.(type) {
	case nonBlockingReader:
		return conn.TryReadFrom(p)
	case *net.UDPConn:
		rc, err := conn.SyscallConn()
		if err != nil {
			return 0, nil, false, errors.WithStack(err)
		}
		var from unix.Sockaddr
		var rerr error
		err = rc.Read(func(fd uintptr) bool {
			n, from, rerr = unix.Recvfrom(int(fd), p, unix.MSG_DONTWAIT)
			return true
		})
		if err != nil {
			return 0, nil, false, errors.WithStack(err)
		}
		if rerr != nil {
			if rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK || rerr == unix.EINTR {
				return 0, nil, false, nil
			}
			return 0, nil, false, errors.WithStack(rerr)
		}
		return n, sockaddrToUDP(from), true, nil
	}
	return deadlineReadFrom(c, p)
}

func sockaddrToUDP(sa unix.Sockaddr) net.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.UDPAddr{IP: net.IPv4(a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3]), Port: a.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, a.Addr[:])
		return &net.UDPAddr{IP: ip, Port: a.Port}
	}
	return nil
}

func isTransientErrno(err error) bool {
	return errors.Is(err, unix.EAGAIN) ||
		errors.Is(err, unix.EINTR) ||
		errors.Is(err, unix.ECONNREFUSED) ||
		errors.Is(err, unix.ENOBUFS)
}
