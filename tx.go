package interconnect

import (
	"net"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
)

// output queues one datagram from the sender socket. The bytes must stay
// untouched until the next uncork.
func (s *Service) output(p []byte, to net.Addr) {
	s.txqueue = append(s.txqueue, ipv4.Message{Buffers: [][]byte{p}, Addr: to})
}

// uncork sends data in txqueue if there is any
func (s *Service) uncork() error {
	if len(s.txqueue) == 0 {
		return nil
	}
	err := s.tx(s.txqueue)
	for k := range s.txqueue {
		s.txqueue[k].Buffers = nil
		s.txqueue[k].Addr = nil
	}
	s.txqueue = s.txqueue[:0]
	return err
}

func (s *Service) tx(txqueue []ipv4.Message) error {
	if s.batch != nil {
		return s.batchTx(txqueue)
	}
	return s.defaultTx(txqueue)
}

// batchTx writes the queue with as few sendmmsg calls as the kernel allows.
func (s *Service) batchTx(txqueue []ipv4.Message) error {
	nbytes := 0
	npkts := 0
	for len(txqueue) > 0 {
		n, err := s.batch.WriteBatch(txqueue, 0)
		if err != nil {
			if isTransient(err) {
				// drop the rest; retransmission covers it
				break
			}
			return errors.Wrapf(ErrSocket, "write batch: %v", err)
		}
		if n == 0 {
			break
		}
		for k := range txqueue[:n] {
			nbytes += len(txqueue[k].Buffers[0])
		}
		npkts += n
		txqueue = txqueue[n:]
	}
	atomic.AddUint64(&s.snmp.OutPkts, uint64(npkts))
	atomic.AddUint64(&s.snmp.OutBytes, uint64(nbytes))
	return nil
}

func (s *Service) defaultTx(txqueue []ipv4.Message) error {
	nbytes := 0
	npkts := 0
	for k := range txqueue {
		n, err := s.sender.WriteTo(txqueue[k].Buffers[0], txqueue[k].Addr)
		if err != nil {
			if isTransient(err) {
				continue
			}
			return errors.Wrapf(ErrSocket, "write to %v: %v", txqueue[k].Addr, err)
		}
		nbytes += n
		npkts++
	}
	atomic.AddUint64(&s.snmp.OutPkts, uint64(npkts))
	atomic.AddUint64(&s.snmp.OutBytes, uint64(nbytes))
	return nil
}
