package interconnect

import (
	"fmt"
	"sync/atomic"
)

// Snmp defines network statistics indicator
type Snmp struct {
	OutPkts          uint64 // datagrams written, data and control
	OutBytes         uint64
	InPkts           uint64 // datagrams read by either socket
	InBytes          uint64
	DataPktsSent     uint64 // first transmissions of data packets
	RetransSegs      uint64 // data packets sent again after expiry or loss reports
	AcksSent         uint64
	AcksReceived     uint64
	DisorderSent     uint64
	DisorderReceived uint64
	DuplicateSent    uint64
	DuplicateRecv    uint64
	StatusQueries    uint64 // deadlock probes sent
	StatusReplies    uint64
	StopsReceived    uint64
	NaksReceived     uint64
	InCsumErrors     uint64 // checksum failures
	InShortPkts      uint64 // datagrams shorter than a header or with a bad length field
	InErrs           uint64 // undecodable flag combinations
	RecvQueueFull    uint64 // data beyond the receive window
	RxNoBuffer       uint64 // receive pool exhausted
	MismatchSession  uint64 // packets of another session
	MismatchPast     uint64
	MismatchPresent  uint64
	MismatchFuture   uint64
	CacheHits        uint64 // cached startup packets delivered to a new connection
	CacheDrops       uint64
	Expirations      uint64 // retransmission timer expiries
	ChunksSent       uint64
	ChunksReceived   uint64
}

func newSnmp() *Snmp {
	return new(Snmp)
}

// Header returns all field names
func (s *Snmp) Header() []string {
	return []string{
		"OutPkts",
		"OutBytes",
		"InPkts",
		"InBytes",
		"DataPktsSent",
		"RetransSegs",
		"AcksSent",
		"AcksReceived",
		"DisorderSent",
		"DisorderReceived",
		"DuplicateSent",
		"DuplicateRecv",
		"StatusQueries",
		"StatusReplies",
		"StopsReceived",
		"NaksReceived",
		"InCsumErrors",
		"InShortPkts",
		"InErrs",
		"RecvQueueFull",
		"RxNoBuffer",
		"MismatchSession",
		"MismatchPast",
		"MismatchPresent",
		"MismatchFuture",
		"CacheHits",
		"CacheDrops",
		"Expirations",
		"ChunksSent",
		"ChunksReceived",
	}
}

// ToSlice returns current snmp info as slice
func (s *Snmp) ToSlice() []string {
	snmp := s.Copy()
	vals := snmp.values()
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = fmt.Sprint(v)
	}
	return out
}

func (s *Snmp) fields() []*uint64 {
	return []*uint64{
		&s.OutPkts,
		&s.OutBytes,
		&s.InPkts,
		&s.InBytes,
		&s.DataPktsSent,
		&s.RetransSegs,
		&s.AcksSent,
		&s.AcksReceived,
		&s.DisorderSent,
		&s.DisorderReceived,
		&s.DuplicateSent,
		&s.DuplicateRecv,
		&s.StatusQueries,
		&s.StatusReplies,
		&s.StopsReceived,
		&s.NaksReceived,
		&s.InCsumErrors,
		&s.InShortPkts,
		&s.InErrs,
		&s.RecvQueueFull,
		&s.RxNoBuffer,
		&s.MismatchSession,
		&s.MismatchPast,
		&s.MismatchPresent,
		&s.MismatchFuture,
		&s.CacheHits,
		&s.CacheDrops,
		&s.Expirations,
		&s.ChunksSent,
		&s.ChunksReceived,
	}
}

func (s *Snmp) values() []uint64 {
	f := s.fields()
	v := make([]uint64, len(f))
	for i := range f {
		v[i] = *f[i]
	}
	return v
}

// Copy make a copy of current snmp snapshot
func (s *Snmp) Copy() *Snmp {
	d := newSnmp()
	src, dst := s.fields(), d.fields()
	for i := range src {
		*dst[i] = atomic.LoadUint64(src[i])
	}
	return d
}

// Reset values to zero
func (s *Snmp) Reset() {
	for _, f := range s.fields() {
		atomic.StoreUint64(f, 0)
	}
}
