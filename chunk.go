package interconnect

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ChunkHeaderSize is the length prefix carried by every chunk: [len uint16][type uint16].
const ChunkHeaderSize = 4

// maxChunkLen is the largest data length representable in a chunk header.
const maxChunkLen = 0xFFFF

// ChunkType tells the executor how to reassemble chunk data into rows.
type ChunkType uint16

const (
	ChunkWhole ChunkType = iota + 1
	ChunkPartialStart
	ChunkPartialMid
	ChunkPartialEnd
	ChunkEndOfStream
	ChunkEmpty
)

func (t ChunkType) valid() bool { return t >= ChunkWhole && t <= ChunkEmpty }

func (t ChunkType) String() string {
	switch t {
	case ChunkWhole:
		return "whole"
	case ChunkPartialStart:
		return "partial-start"
	case ChunkPartialMid:
		return "partial-mid"
	case ChunkPartialEnd:
		return "partial-end"
	case ChunkEndOfStream:
		return "eos"
	case ChunkEmpty:
		return "empty"
	}
	return "invalid"
}

// Chunk is one length-prefixed fragment of serialized row data. Data of a
// received chunk aliases the receive buffer and is only valid until the
// buffer is released.
type Chunk struct {
	Type ChunkType
	Data []byte
}

// WireSize is the number of bytes the chunk occupies in a packet.
func (c Chunk) WireSize() int { return ChunkHeaderSize + len(c.Data) }

// AppendChunk appends the framed chunk to p.
func AppendChunk(p []byte, c Chunk) []byte {
	var hdr [ChunkHeaderSize]byte
	binary.LittleEndian.PutUint16(hdr[0:], uint16(len(c.Data)))
	binary.LittleEndian.PutUint16(hdr[2:], uint16(c.Type))
	p = append(p, hdr[:]...)
	return append(p, c.Data...)
}

// putChunk frames c into p, which must have room for c.WireSize() bytes.
func putChunk(p []byte, c Chunk) int {
	binary.LittleEndian.PutUint16(p[0:], uint16(len(c.Data)))
	binary.LittleEndian.PutUint16(p[2:], uint16(c.Type))
	return ChunkHeaderSize + copy(p[ChunkHeaderSize:], c.Data)
}

// parseChunks splits a packet payload into its chunks. A chunk header that
// claims more bytes than remain is a framing violation.
func parseChunks(p []byte, dst []Chunk) ([]Chunk, error) {
	for len(p) > 0 {
		if len(p) < ChunkHeaderSize {
			return dst, errors.Wrapf(ErrChunkFraming, "%d trailing bytes", len(p))
		}
		n := int(binary.LittleEndian.Uint16(p[0:]))
		t := ChunkType(binary.LittleEndian.Uint16(p[2:]))
		if !t.valid() {
			return dst, errors.Wrapf(ErrChunkFraming, "chunk type %d", t)
		}
		if ChunkHeaderSize+n > len(p) {
			return dst, errors.Wrapf(ErrChunkFraming, "chunk claims %d bytes, %d remain", n, len(p)-ChunkHeaderSize)
		}
		dst = append(dst, Chunk{Type: t, Data: p[ChunkHeaderSize : ChunkHeaderSize+n]})
		p = p[ChunkHeaderSize+n:]
	}
	return dst, nil
}

// SplitChunks cuts data into chunks of at most maxData bytes. A payload that
// fits is a single Whole chunk; otherwise PartialStart, PartialMid...,
// PartialEnd. Empty data yields a single Empty chunk.
func SplitChunks(data []byte, maxData int) []Chunk {
	if maxData <= 0 || maxData > maxChunkLen {
		maxData = maxChunkLen
	}
	if len(data) == 0 {
		return []Chunk{{Type: ChunkEmpty}}
	}
	if len(data) <= maxData {
		return []Chunk{{Type: ChunkWhole, Data: data}}
	}
	chunks := make([]Chunk, 0, (len(data)+maxData-1)/maxData)
	for off := 0; off < len(data); off += maxData {
		end := off + maxData
		t := ChunkPartialMid
		switch {
		case off == 0:
			t = ChunkPartialStart
		case end >= len(data):
			end = len(data)
			t = ChunkPartialEnd
		}
		chunks = append(chunks, Chunk{Type: t, Data: data[off:end]})
	}
	return chunks
}
