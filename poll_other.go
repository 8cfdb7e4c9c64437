//go:build !unix

package interconnect

import "net"

func tryReadFrom(c net.PacketConn, p []byte) (n int, addr net.Addr, ok bool, err error) {
	if conn, is := c.(nonBlockingReader); is {
		return conn.TryReadFrom(p)
	}
	return deadlineReadFrom(c, p)
}

func isTransientErrno(err error) bool { return false }
