// Package wire implements the MySQL/MariaDB client-protocol packet framer:
// turning an arbitrary byte stream into a sequence of complete wire
// packets and back, per spec.md §3 "Packet" and §4.1 "Packet framer".
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dbbouncer/mdbproxy/internal/buffer"
)

// HeaderLen is the size of a MySQL packet header: 3-byte little-endian
// payload length plus a 1-byte sequence number.
const HeaderLen = 4

// MaxPayload is the continuation threshold: a packet whose payload length
// equals MaxPayload is not terminal — more packets follow with the same
// logical message, terminated by the first packet shorter than MaxPayload
// (possibly zero).
const MaxPayload = 0xFFFFFF

// ErrShortBuffer is returned by ParseHeader when fewer than HeaderLen bytes
// are available.
var ErrShortBuffer = errors.New("wire: short header buffer")

// ErrBadSequence indicates a packet's sequence number was not one greater
// than the previous packet seen in the same exchange. Per spec.md §4.1 this
// is a protocol error that must close the connection.
var ErrBadSequence = errors.New("wire: out-of-order sequence number")

// Header is a decoded packet header.
type Header struct {
	PayloadLen uint32
	Seq        byte
}

// ParseHeader decodes the 4-byte header at the start of buf.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, ErrShortBuffer
	}
	length := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16
	return Header{PayloadLen: length, Seq: buf[3]}, nil
}

// WriteHeader writes a 4-byte header into buf[:4] in place. buf must have
// length >= HeaderLen.
func WriteHeader(buf []byte, payloadLen uint32, seq byte) {
	buf[0] = byte(payloadLen)
	buf[1] = byte(payloadLen >> 8)
	buf[2] = byte(payloadLen >> 16)
	buf[3] = seq
}

// EncodeHeader returns a freshly allocated 4-byte header.
func EncodeHeader(payloadLen uint32, seq byte) []byte {
	buf := make([]byte, HeaderLen)
	WriteHeader(buf, payloadLen, seq)
	return buf
}

// GetCommand returns the first payload byte of a COM_* packet (the command
// kind) without copying the chain.
func GetCommand(payload *buffer.Chain) (byte, bool) {
	if payload.Len() == 0 {
		return 0, false
	}
	var b [1]byte
	payload.CopyAt(0, 1, b[:])
	return b[0], true
}

// Sequencer tracks the expected next sequence number within one
// command/response exchange. Sequence numbers are contiguous within an
// exchange and reset at command boundaries (spec.md §3 "Packet").
type Sequencer struct {
	next   byte
	active bool
}

// Reset starts a new exchange expecting the given first sequence number
// (almost always 0).
func (s *Sequencer) Reset(first byte) {
	s.next = first
	s.active = true
}

// Check validates seq against the expected next value and advances it.
// Returns ErrBadSequence on mismatch; the caller must close the connection
// per spec.md §4.1.
func (s *Sequencer) Check(seq byte) error {
	if !s.active {
		s.next = seq
		s.active = true
	}
	if seq != s.next {
		return fmt.Errorf("%w: expected %d, got %d", ErrBadSequence, s.next, seq)
	}
	s.next++
	return nil
}

// Framer assembles complete packets out of a connection's read queue.
type Framer struct {
	seq Sequencer
}

// NewFramer returns a Framer with a fresh sequencer.
func NewFramer() *Framer {
	return &Framer{}
}

// ResetExchange resets the sequence tracker for a new command/response
// exchange, expecting `first` as the next sequence number.
func (f *Framer) ResetExchange(first byte) {
	f.seq.Reset(first)
}

// NextPacket extracts exactly one complete logical packet from readQueue if
// fully present, joining 0xFFFFFF continuation packets into a single
// logical buffer with a combined header and the multi-part marker set. It
// returns (nil, false, nil) if the queue does not yet hold a complete
// packet; readQueue is left untouched in that case. On a sequence error it
// returns a non-nil error and the caller must close the connection.
func (f *Framer) NextPacket(readQueue *buffer.Chain) (packet *buffer.Chain, ok bool, err error) {
	// Peek without mutating: work on a disposable view via CopyAt loops.
	// Sequence numbers are validated against a scratch copy of f.seq, not
	// f.seq itself, so that a logical message left incomplete by a
	// partial TCP read (e.g. the first of two 0xFFFFFF continuation
	// packets present, the second not yet arrived) never advances the
	// real sequencer. Only once every packet of the logical message is
	// confirmed present does the scratch copy get committed back to
	// f.seq, alongside the queue Consume below.
	offset := 0
	var parts []*buffer.Chain
	multiPart := false
	seq := f.seq

	for {
		var hdrBuf [HeaderLen]byte
		if readQueue.Len() < offset+HeaderLen {
			return nil, false, nil
		}
		readQueue.CopyAt(offset, HeaderLen, hdrBuf[:])
		hdr, _ := ParseHeader(hdrBuf[:])

		if readQueue.Len() < offset+HeaderLen+int(hdr.PayloadLen) {
			return nil, false, nil
		}
		if err := seq.Check(hdr.Seq); err != nil {
			return nil, false, err
		}

		offset += HeaderLen

		if hdr.PayloadLen == MaxPayload {
			multiPart = true
			part := buffer.Empty()
			payload := make([]byte, hdr.PayloadLen)
			readQueue.CopyAt(offset, int(hdr.PayloadLen), payload)
			part.AppendBytes(payload, buffer.TypeRaw)
			parts = append(parts, part)
			offset += int(hdr.PayloadLen)
			continue // keep accumulating; a short/zero packet terminates
		}

		// Terminal packet (possibly zero-length, which terminates a
		// continuation run and must not be surfaced as data itself).
		if hdr.PayloadLen > 0 {
			part := buffer.Empty()
			payload := make([]byte, hdr.PayloadLen)
			readQueue.CopyAt(offset, int(hdr.PayloadLen), payload)
			part.AppendBytes(payload, buffer.TypeRaw)
			parts = append(parts, part)
		}
		offset += int(hdr.PayloadLen)
		break
	}

	out := buffer.Empty()
	for _, p := range parts {
		out.Append(p)
	}
	if multiPart {
		out.SetTag(buffer.TypeCollectedResult)
		out.MarkMultiPart()
	}

	f.seq = seq
	readQueue.Consume(offset)
	return out, true, nil
}

// Assemble repeatedly extracts every complete logical packet currently
// buffered in readQueue, returning them in order plus whatever partial
// bytes remain. It stops as soon as NextPacket reports an incomplete
// packet or a sequence error.
func (f *Framer) Assemble(readQueue *buffer.Chain) (packets []*buffer.Chain, err error) {
	for {
		pkt, ok, perr := f.NextPacket(readQueue)
		if perr != nil {
			return packets, perr
		}
		if !ok {
			return packets, nil
		}
		packets = append(packets, pkt)
	}
}

// EncodePacket produces the wire bytes for one packet: header + payload.
// If payload exceeds MaxPayload it must have already been split by the
// caller into MaxPayload-sized chunks followed by a short (or empty)
// terminator, per spec.md §3 "Packet".
func EncodePacket(payload []byte, seq byte) []byte {
	out := make([]byte, HeaderLen+len(payload))
	WriteHeader(out, uint32(len(payload)), seq)
	copy(out[HeaderLen:], payload)
	return out
}

// SplitForWire breaks payload into one or more wire packets, inserting a
// zero-length terminator after a payload whose final chunk is exactly
// MaxPayload bytes, per the continuation-termination rule in spec.md §3.
func SplitForWire(payload []byte, startSeq byte) []byte {
	var out []byte
	seq := startSeq
	remaining := payload
	wroteExactChunk := false
	for {
		chunk := remaining
		if len(chunk) > MaxPayload {
			chunk = chunk[:MaxPayload]
		}
		out = append(out, EncodePacket(chunk, seq)...)
		seq++
		remaining = remaining[len(chunk):]
		wroteExactChunk = len(chunk) == MaxPayload
		if len(remaining) == 0 {
			break
		}
	}
	if wroteExactChunk {
		out = append(out, EncodePacket(nil, seq)...)
	}
	return out
}
