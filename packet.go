package interconnect

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"
)

// Wire layout of the packet header (64 bytes, little endian):
//
//	0               4               8               12              16
//	+---------------+---------------+---------------+---------------+
//	|   motNodeId   |    srcPid     |srcListenerPort|    dstPid     |
//	+---------------+---------------+---------------+---------------+
//	|dstListenerPort|   sessionId   |     icId      |recvSliceIndex |
//	+---------------+---------------+---------------+---------------+
//	|sendSliceIndex | srcContentId  | dstContentId  |      crc      |
//	+---------------+---------------+---------------+---------------+
//	|     flags     |      len      |      seq      |   extraSeq    |
//	+---------------+---------------+---------------+---------------+
//	|                     chunks or seq list ...                    |
const (
	HeaderSize = 64

	crcOffset = 44
)

// Packet flags.
const (
	FlagAck              uint32 = 0x1
	FlagStop             uint32 = 0x2
	FlagEOS              uint32 = 0x4
	FlagNak              uint32 = 0x8
	FlagDisorder         uint32 = 0x10
	FlagDuplicate        uint32 = 0x20
	FlagCapacity         uint32 = 0x40
	FlagReceiverToSender uint32 = 0x80
)

// MaxDisorderSeqs bounds the missing-sequence list carried by a disorder report.
const MaxDisorderSeqs = 64

var crcTable = crc32.MakeTable(crc32.Castagnoli)

var (
	errShortPacket = errors.New("short packet")
	errBadLength   = errors.New("packet length mismatch")
	errBadChecksum = errors.New("packet checksum mismatch")
)

// header is the fixed prefix of every datagram.
type header struct {
	motNodeID       int32
	srcPID          int32
	srcListenerPort int32
	dstPID          int32
	dstListenerPort int32
	sessionID       uint32
	icID            uint32
	recvSliceIndex  int32
	sendSliceIndex  int32
	srcContentID    int32
	dstContentID    int32
	crc             uint32
	flags           uint32
	len             uint32
	seq             uint32
	extraSeq        uint32
}

func (h *header) encode(p []byte) {
	_ = p[HeaderSize-1]
	binary.LittleEndian.PutUint32(p[0:], uint32(h.motNodeID))
	binary.LittleEndian.PutUint32(p[4:], uint32(h.srcPID))
	binary.LittleEndian.PutUint32(p[8:], uint32(h.srcListenerPort))
	binary.LittleEndian.PutUint32(p[12:], uint32(h.dstPID))
	binary.LittleEndian.PutUint32(p[16:], uint32(h.dstListenerPort))
	binary.LittleEndian.PutUint32(p[20:], h.sessionID)
	binary.LittleEndian.PutUint32(p[24:], h.icID)
	binary.LittleEndian.PutUint32(p[28:], uint32(h.recvSliceIndex))
	binary.LittleEndian.PutUint32(p[32:], uint32(h.sendSliceIndex))
	binary.LittleEndian.PutUint32(p[36:], uint32(h.srcContentID))
	binary.LittleEndian.PutUint32(p[40:], uint32(h.dstContentID))
	binary.LittleEndian.PutUint32(p[44:], h.crc)
	binary.LittleEndian.PutUint32(p[48:], h.flags)
	binary.LittleEndian.PutUint32(p[52:], h.len)
	binary.LittleEndian.PutUint32(p[56:], h.seq)
	binary.LittleEndian.PutUint32(p[60:], h.extraSeq)
}

func (h *header) decode(p []byte) {
	_ = p[HeaderSize-1]
	h.motNodeID = int32(binary.LittleEndian.Uint32(p[0:]))
	h.srcPID = int32(binary.LittleEndian.Uint32(p[4:]))
	h.srcListenerPort = int32(binary.LittleEndian.Uint32(p[8:]))
	h.dstPID = int32(binary.LittleEndian.Uint32(p[12:]))
	h.dstListenerPort = int32(binary.LittleEndian.Uint32(p[16:]))
	h.sessionID = binary.LittleEndian.Uint32(p[20:])
	h.icID = binary.LittleEndian.Uint32(p[24:])
	h.recvSliceIndex = int32(binary.LittleEndian.Uint32(p[28:]))
	h.sendSliceIndex = int32(binary.LittleEndian.Uint32(p[32:]))
	h.srcContentID = int32(binary.LittleEndian.Uint32(p[36:]))
	h.dstContentID = int32(binary.LittleEndian.Uint32(p[40:]))
	h.crc = binary.LittleEndian.Uint32(p[44:])
	h.flags = binary.LittleEndian.Uint32(p[48:])
	h.len = binary.LittleEndian.Uint32(p[52:])
	h.seq = binary.LittleEndian.Uint32(p[56:])
	h.extraSeq = binary.LittleEndian.Uint32(p[60:])
}

func (h *header) has(f uint32) bool { return h.flags&f != 0 }

// key extracts the identity tuple used by the connection tables.
func (h *header) key() connKey {
	return connKey{
		motNodeID:      h.motNodeID,
		sendSliceIndex: h.sendSliceIndex,
		recvSliceIndex: h.recvSliceIndex,
		srcContentID:   h.srcContentID,
		dstContentID:   h.dstContentID,
		srcPID:         h.srcPID,
		dstPID:         h.dstPID,
		icID:           h.icID,
	}
}

// packetKind is the decoded meaning of a header's flag combination.
type packetKind uint8

const (
	kindInvalid packetKind = iota
	kindData
	kindStatusQuery
	kindAck
	kindStatusReply
	kindStop
	kindNak
	kindDisorder
	kindDuplicate
)

var kindNames = [...]string{
	kindInvalid:     "invalid",
	kindData:        "data",
	kindStatusQuery: "status-query",
	kindAck:         "ack",
	kindStatusReply: "status-reply",
	kindStop:        "stop",
	kindNak:         "nak",
	kindDisorder:    "disorder",
	kindDuplicate:   "duplicate",
}

func (k packetKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

func (k packetKind) senderToReceiver() bool { return k == kindData || k == kindStatusQuery }

func classify(h *header) packetKind {
	const controlFlags = FlagAck | FlagNak | FlagDisorder | FlagDuplicate | FlagStop
	if !h.has(FlagReceiverToSender) {
		switch {
		case h.has(FlagCapacity) && h.len == HeaderSize:
			return kindStatusQuery
		case h.flags&(controlFlags|FlagCapacity) != 0:
			return kindInvalid
		default:
			return kindData
		}
	}
	switch {
	case h.has(FlagStop):
		return kindStop
	case h.has(FlagNak):
		return kindNak
	case h.has(FlagDisorder):
		return kindDisorder
	case h.has(FlagDuplicate):
		return kindDuplicate
	case h.has(FlagAck) && h.has(FlagCapacity):
		return kindStatusReply
	case h.has(FlagAck):
		return kindAck
	}
	return kindInvalid
}

// packet is a datagram decoded at the socket boundary.
type packet struct {
	header
	kind    packetKind
	payload []byte
}

// parsePacket validates size, length and (optionally) checksum of a datagram.
// The payload aliases b.
func parsePacket(b []byte, checkCRC bool) (pkt packet, err error) {
	if len(b) < HeaderSize {
		return pkt, errShortPacket
	}
	pkt.header.decode(b)
	if int(pkt.len) != len(b) {
		return pkt, errBadLength
	}
	if checkCRC && pkt.crc != 0 && checksum(b) != pkt.crc {
		return pkt, errBadChecksum
	}
	pkt.kind = classify(&pkt.header)
	pkt.payload = b[HeaderSize:]
	return pkt, nil
}

// checksum computes CRC32C over the datagram with its crc field taken as zero.
func checksum(b []byte) uint32 {
	var zero [4]byte
	c := crc32.Update(0, crcTable, b[:crcOffset])
	c = crc32.Update(c, crcTable, zero[:])
	return crc32.Update(c, crcTable, b[crcOffset+4:])
}

// sealPacket writes h into b and, if withCRC is set, stamps the checksum.
// h.len must already equal len(b).
func sealPacket(h *header, b []byte, withCRC bool) {
	h.crc = 0
	h.encode(b)
	if withCRC {
		h.crc = checksum(b)
		binary.LittleEndian.PutUint32(b[crcOffset:], h.crc)
	}
}

// encodeSeqList appends a disorder report payload.
func encodeSeqList(p []byte, seqs []uint32) []byte {
	for _, s := range seqs {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], s)
		p = append(p, b[:]...)
	}
	return p
}

func decodeSeqList(p []byte) []uint32 {
	n := len(p) / 4
	if n > MaxDisorderSeqs {
		n = MaxDisorderSeqs
	}
	seqs := make([]uint32, n)
	for i := range seqs {
		seqs[i] = binary.LittleEndian.Uint32(p[i*4:])
	}
	return seqs
}
