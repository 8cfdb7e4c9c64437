package interconnect

import (
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// vnetBacklog is the number of datagrams a VirtualConn queues before it
// starts dropping, like a full socket receive buffer.
const vnetBacklog = 1024

// VirtualAddr names an endpoint of a VirtualNetwork.
type VirtualAddr int32

// Network implements net.Addr.
func (a VirtualAddr) Network() string { return "vnet" }

func (a VirtualAddr) String() string { return "vnet:" + strconv.Itoa(int(a)) }

// ParseVirtualAddr parses the String form of a VirtualAddr.
func ParseVirtualAddr(s string) (VirtualAddr, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(s, "vnet:"))
	if err != nil || !strings.HasPrefix(s, "vnet:") {
		return 0, errors.Errorf("invalid virtual address %q", s)
	}
	return VirtualAddr(n), nil
}

// Filter decides the fate of a datagram in flight. Returning false drops it.
type Filter func(from, to net.Addr, p []byte) bool

// VirtualNetwork is an in-memory datagram network. Its ListenPacket can be
// passed to WithListenPacket.
type VirtualNetwork struct {
	mu     sync.Mutex
	conns  map[VirtualAddr]*VirtualConn
	last   VirtualAddr
	filter Filter
}

// NewVirtualNetwork creates an empty network.
func NewVirtualNetwork() *VirtualNetwork {
	return &VirtualNetwork{conns: make(map[VirtualAddr]*VirtualConn)}
}

// SetFilter installs f for every datagram sent from now on; nil delivers all.
func (n *VirtualNetwork) SetFilter(f Filter) {
	n.mu.Lock()
	n.filter = f
	n.mu.Unlock()
}

// ListenPacket opens a new endpoint. network and address are ignored except
// that a "vnet:N" address asks for endpoint N.
func (n *VirtualNetwork) ListenPacket(network, address string) (net.PacketConn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	addr := n.last + 1
	if a, err := ParseVirtualAddr(address); err == nil && a != 0 {
		addr = a
	}
	if _, used := n.conns[addr]; used {
		return nil, errors.Errorf("virtual address %v in use", addr)
	}
	if addr > n.last {
		n.last = addr
	}
	c := &VirtualConn{
		net:      n,
		addr:     addr,
		incoming: make(chan vpacket, vnetBacklog),
		die:      make(chan struct{}),
	}
	n.conns[addr] = c
	return c, nil
}

func (n *VirtualNetwork) route(from VirtualAddr, to net.Addr, p []byte) {
	dst, ok := to.(VirtualAddr)
	if !ok {
		return
	}
	n.mu.Lock()
	c := n.conns[dst]
	f := n.filter
	n.mu.Unlock()
	if c == nil || (f != nil && !f(from, to, p)) {
		return
	}
	c.deliver(vpacket{from: from, data: append([]byte(nil), p...)})
}

func (n *VirtualNetwork) unregister(c *VirtualConn) {
	n.mu.Lock()
	if n.conns[c.addr] == c {
		delete(n.conns, c.addr)
	}
	n.mu.Unlock()
}

type vpacket struct {
	from VirtualAddr
	data []byte
}

// VirtualConn is one endpoint of a VirtualNetwork. It implements
// net.PacketConn and reads without blocking through TryReadFrom.
type VirtualConn struct {
	net      *VirtualNetwork
	addr     VirtualAddr
	incoming chan vpacket

	die     chan struct{}
	dieOnce sync.Once

	mu sync.Mutex
	rd time.Time
}

func (c *VirtualConn) deliver(p vpacket) {
	select {
	case <-c.die:
	case c.incoming <- p:
	default:
	}
}

// ReadFrom implements net.PacketConn.
func (c *VirtualConn) ReadFrom(p []byte) (int, net.Addr, error) {
	c.mu.Lock()
	rd := c.rd
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !rd.IsZero() {
		d := time.Until(rd)
		if d <= 0 {
			return c.readExpired()
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case pkt := <-c.incoming:
		return copy(p, pkt.data), pkt.from, nil
	case <-timeout:
		return 0, nil, errTimeout
	case <-c.die:
		return 0, nil, errors.WithStack(io.ErrClosedPipe)
	}
}

func (c *VirtualConn) readExpired() (int, net.Addr, error) {
	select {
	case <-c.die:
		return 0, nil, errors.WithStack(io.ErrClosedPipe)
	default:
		return 0, nil, errTimeout
	}
}

// TryReadFrom returns a queued datagram, or ok false when there is none.
func (c *VirtualConn) TryReadFrom(p []byte) (n int, addr net.Addr, ok bool, err error) {
	select {
	case <-c.die:
		return 0, nil, false, errors.WithStack(io.ErrClosedPipe)
	default:
	}
	select {
	case pkt := <-c.incoming:
		return copy(p, pkt.data), pkt.from, true, nil
	default:
		return 0, nil, false, nil
	}
}

// WriteTo implements net.PacketConn. Datagrams to unknown endpoints vanish.
func (c *VirtualConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	select {
	case <-c.die:
		return 0, errors.WithStack(io.ErrClosedPipe)
	default:
	}
	c.net.route(c.addr, addr, p)
	return len(p), nil
}

// Close implements net.PacketConn.
func (c *VirtualConn) Close() error {
	var once bool
	c.dieOnce.Do(func() {
		close(c.die)
		once = true
	})
	if !once {
		return errors.WithStack(io.ErrClosedPipe)
	}
	c.net.unregister(c)
	return nil
}

// LocalAddr implements net.PacketConn.
func (c *VirtualConn) LocalAddr() net.Addr { return c.addr }

// SetDeadline implements net.PacketConn. Only the read side has a deadline.
func (c *VirtualConn) SetDeadline(t time.Time) error { return c.SetReadDeadline(t) }

// SetReadDeadline implements net.PacketConn.
func (c *VirtualConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.rd = t
	c.mu.Unlock()
	return nil
}

// SetWriteDeadline implements net.PacketConn. Writes never block.
func (c *VirtualConn) SetWriteDeadline(t time.Time) error { return nil }

// timeoutError is the net.Error returned when a read deadline passes.
type timeoutError struct{}

func (timeoutError) Error() string { return "i/o timeout" }

func (timeoutError) Timeout() bool { return true }

func (timeoutError) Temporary() bool { return true }

var errTimeout net.Error = timeoutError{}

// addrPort extracts the port carried in packet headers.
func addrPort(a net.Addr) int32 {
	switch v := a.(type) {
	case *net.UDPAddr:
		return int32(v.Port)
	case VirtualAddr:
		return int32(v)
	}
	return 0
}
