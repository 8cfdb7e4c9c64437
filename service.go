// Package interconnect is a reliable-UDP transport that moves tuple chunks
// between the processes of a distributed query.
//
// A process runs one Service. The Service owns two UDP sockets: the listener,
// read by a background goroutine that queues incoming data and answers with
// acks, and the sender, used by the executor goroutine to transmit data and
// collect acks. Every query instance gets a Transport from Setup and gives it
// back with Teardown.
package interconnect

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
)

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithListenPacket replaces net.ListenPacket for both sockets.
func WithListenPacket(fn func(network, address string) (net.PacketConn, error)) ServiceOption {
	return func(s *Service) { s.listenPacket = fn }
}

// WithLivenessProbe installs the coordinator liveness check run from
// blocking waits. A failing probe aborts the wait with ErrCoordinatorLost.
func WithLivenessProbe(fn func(ctx context.Context) error) ServiceOption {
	return func(s *Service) { s.probe = fn }
}

// withRxAlloc replaces the receive buffer allocator.
func withRxAlloc(fn func(size int) ([]byte, error)) ServiceOption {
	return func(s *Service) { s.rxAlloc = fn }
}

type rxFault struct{ err error }

type waitTarget struct {
	t     *Transport
	motID int32
	route int
}

// Service is the process-wide interconnect state shared by the executor
// goroutine and the rx goroutine.
type Service struct {
	cfg          *Config
	snmp         *Snmp
	listenPacket func(network, address string) (net.PacketConn, error)
	probe        func(ctx context.Context) error
	rxAlloc      func(size int) ([]byte, error)

	listener   net.PacketConn // read by the rx goroutine, replies written by both
	sender     net.PacketConn // data out, acks in, main goroutine only
	listenPort int32
	batch      *ipv4.PacketConn

	// guarded by mu
	mu         sync.Mutex
	recvConns  *connTable[*recvConn]
	cache      *startupCache
	rxPool     *rxPool
	hist       *history
	sessionID  uint32
	hasSession bool
	wait       waitTarget

	// main goroutine only
	transports map[uint32]*Transport
	sendConns  *connTable[*sendConn]
	sendPool   *sendPool
	txqueue    []ipv4.Message
	ackBuf     []byte

	chWake chan struct{} // a packet for the current wait target arrived
	rxErr  atomic.Value  // rxFault recorded by the rx goroutine

	startOnce sync.Once
	startErr  error
	shutdown  int32
	die       chan struct{}
	dieOnce   sync.Once
	rxDone    chan struct{}
}

// NewService validates cfg and prepares a Service. Sockets are opened by
// Start, which the first Setup calls.
func NewService(cfg *Config, opts ...ServiceOption) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid interconnect config")
	}
	s := &Service{
		cfg:          cfg,
		snmp:         newSnmp(),
		listenPacket: net.ListenPacket,
		recvConns:    newConnTable[*recvConn](),
		cache:        newStartupCache(cfg.StartupCacheLimit),
		hist:         newHistory(cfg.HistoryPruneThreshold),
		transports:   make(map[uint32]*Transport),
		sendConns:    newConnTable[*sendConn](),
		sendPool:     newSendPool(cfg.MaxPacketSize),
		ackBuf:       make([]byte, cfg.MaxPacketSize),
		chWake:       make(chan struct{}, 1),
		die:          make(chan struct{}),
		rxDone:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.rxPool = newRxPool(cfg.MaxPacketSize, s.rxAlloc)
	s.rxPool.setMax(s.rxBufferMax())
	return s, nil
}

// Start opens both sockets and launches the rx goroutine. Calling it again
// returns the first result.
func (s *Service) Start() error {
	s.startOnce.Do(func() { s.startErr = s.start() })
	return s.startErr
}

func (s *Service) start() error {
	select {
	case <-s.die:
		return errors.WithStack(ErrClosed)
	default:
	}

	listener, err := s.listenPacket("udp", s.cfg.ListenAddress)
	if err != nil {
		return errors.Wrapf(ErrSocket, "listen %s: %v", s.cfg.ListenAddress, err)
	}
	sender, err := s.listenPacket("udp", s.cfg.ListenAddress)
	if err != nil {
		listener.Close()
		return errors.Wrapf(ErrSocket, "sender socket %s: %v", s.cfg.ListenAddress, err)
	}
	s.listener, s.sender = listener, sender
	s.listenPort = addrPort(listener.LocalAddr())
	if u, ok := sender.(*net.UDPConn); ok {
		if a, ok := u.LocalAddr().(*net.UDPAddr); ok && a.IP.To4() != nil {
			s.batch = ipv4.NewPacketConn(u)
		}
	}

	log.WithFields(log.Fields{
		"listener": listener.LocalAddr(),
		"sender":   sender.LocalAddr(),
	}).Debug("interconnect started")

	go s.rxLoop()
	return nil
}

// ListenAddr returns the listener address peers send data to, or nil before Start.
func (s *Service) ListenAddr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.LocalAddr()
}

// Stats returns a snapshot of the service counters.
func (s *Service) Stats() Snmp { return *s.snmp.Copy() }

// Close stops the rx goroutine and closes both sockets. Transports still set
// up become unusable.
func (s *Service) Close() error {
	var once bool
	s.dieOnce.Do(func() {
		close(s.die)
		once = true
	})
	if !once {
		return errors.WithStack(ErrClosed)
	}
	if s.listener == nil {
		return nil
	}

	atomic.StoreInt32(&s.shutdown, 1)
	// a dummy datagram gets the rx goroutine out of its poll
	s.sender.WriteTo([]byte{0}, s.listener.LocalAddr())
	<-s.rxDone

	var result *multierror.Error
	if err := s.listener.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "closing listener"))
	}
	if err := s.sender.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "closing sender"))
	}
	log.Debug("interconnect closed")
	return result.ErrorOrNil()
}

func (s *Service) closed() bool {
	select {
	case <-s.die:
		return true
	default:
		return false
	}
}

// rxBufferMax is the receive pool bound: a full queue for every registered
// connection, the startup cache, and spares for the socket read and a
// delivery in progress. Caller holds mu or is constructing s.
func (s *Service) rxBufferMax() int {
	if s.cfg.RxBufferMax > 0 {
		return s.cfg.RxBufferMax
	}
	return s.recvConns.len()*s.cfg.QueueDepth + s.cfg.StartupCacheLimit + 2
}

// setRxError records a failure of the rx goroutine for the main goroutine
// to raise. The first error wins.
func (s *Service) setRxError(err error) {
	if s.takeRxError() == nil {
		s.rxErr.Store(rxFault{err})
	}
	s.notifyWake()
}

func (s *Service) takeRxError() error {
	if f, ok := s.rxErr.Load().(rxFault); ok && f.err != nil {
		return f.err
	}
	return nil
}

func (s *Service) notifyWake() {
	select {
	case s.chWake <- struct{}{}:
	default:
	}
}

// drainWake discards a stale wake signal.
func (s *Service) drainWake() {
	select {
	case <-s.chWake:
	default:
	}
}

// wakeFor signals the main goroutine if it waits for c. Caller holds mu.
func (s *Service) wakeFor(c *recvConn) {
	w := s.wait
	if w.t == c.t && w.t != nil && w.motID == c.mot.id && (w.route == AnyRoute || w.route == c.route) {
		s.notifyWake()
	}
}
