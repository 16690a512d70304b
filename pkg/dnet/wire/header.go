// Package wire implements the fixed-layout command header and IO
// attribute codec shared by every peer connection. All multi-byte
// scalar fields are little-endian; identifier bytes are copied
// verbatim.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pharmacolog/elliptics/pkg/dnet/identifier"
)

const (
	// TransReplyBit marks a trans value as belonging to a reply rather
	// than a fresh request.
	TransReplyBit uint64 = 1 << 63
	// TransMask clears the reply bit, leaving the 63-bit transaction number.
	TransMask uint64 = TransReplyBit - 1
)

// Flags carried in CommandHeader.Flags.
const (
	// FlagMore indicates more replies for this transaction will follow.
	FlagMore uint32 = 1 << 0
	// FlagDestroy is advisory: the recipient may tear the transaction down.
	FlagDestroy uint32 = 1 << 1
	// FlagNeedAck requests an explicit acknowledgement.
	FlagNeedAck uint32 = 1 << 2
)

// DefaultMaxPayload is the default cap on CommandHeader.Size (1 GiB).
const DefaultMaxPayload uint64 = 1 << 30

// headerWireSize is the encoded size of CommandHeader: id[identifier.Size]
// + size(u64) + trans(u64) + flags(u32) + status(i32).
const headerWireSize = identifier.Size + 8 + 8 + 4 + 4

// ErrMalformed is returned when decoding fails structurally (wrong length)
// or the declared payload size exceeds the configured cap.
var ErrMalformed = errors.New("wire: malformed header")

// CommandHeader is the wire-visible header preceding every payload.
// Layout (little-endian): id[ID_SIZE] size(u64) trans(u64) flags(u32) status(i32).
type CommandHeader struct {
	ID     identifier.ID
	Size   uint64
	Trans  uint64
	Flags  uint32
	Status int32
}

// IsReply reports whether the REPLY bit is set on Trans.
func (h CommandHeader) IsReply() bool {
	return h.Trans&TransReplyBit != 0
}

// TransNumber returns the 63-bit transaction number, with the reply bit cleared.
func (h CommandHeader) TransNumber() uint64 {
	return h.Trans & TransMask
}

// WithReply returns transNumber, masked to 63 bits, with the REPLY bit set.
func WithReply(transNumber uint64) uint64 {
	return (transNumber & TransMask) | TransReplyBit
}

// HeaderSize is the number of bytes CommandHeader occupies on the wire.
const HeaderSize = headerWireSize

// Encode serializes h into a freshly allocated HeaderSize-byte buffer.
func Encode(h CommandHeader) []byte {
	buf := make([]byte, headerWireSize)
	EncodeInto(buf, h)
	return buf
}

// EncodeInto serializes h into buf, which must be at least HeaderSize bytes.
func EncodeInto(buf []byte, h CommandHeader) {
	_ = buf[headerWireSize-1]
	copy(buf[0:identifier.Size], h.ID[:])
	off := identifier.Size
	binary.LittleEndian.PutUint64(buf[off:], h.Size)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], h.Trans)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], h.Flags)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(h.Status))
}

// Decode parses a CommandHeader from buf. It validates only field
// widths and the configured payload size cap; semantic constraints are
// the caller's concern.
func Decode(buf []byte, maxPayload uint64) (CommandHeader, error) {
	var h CommandHeader
	if len(buf) != headerWireSize {
		return h, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformed, headerWireSize, len(buf))
	}
	copy(h.ID[:], buf[0:identifier.Size])
	off := identifier.Size
	h.Size = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	h.Trans = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	h.Flags = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.Status = int32(binary.LittleEndian.Uint32(buf[off:]))

	if maxPayload != 0 && h.Size > maxPayload {
		return h, fmt.Errorf("%w: size %d exceeds cap %d", ErrMalformed, h.Size, maxPayload)
	}
	return h, nil
}

// IOAttr is the payload prefix for read/write commands.
// Layout: parent[ID_SIZE] id[ID_SIZE] flags(u32) offset(u64) size(u64) type(i32) num(i32).
type IOAttr struct {
	Parent identifier.ID
	ID     identifier.ID
	Flags  uint32
	Offset uint64
	Size   uint64
	Type   int32
	Num    int32
}

const ioAttrWireSize = identifier.Size*2 + 4 + 8 + 8 + 4 + 4

// IOAttrSize is the number of bytes IOAttr occupies on the wire.
const IOAttrSize = ioAttrWireSize

// EncodeIOAttr serializes a into a freshly allocated IOAttrSize-byte buffer.
func EncodeIOAttr(a IOAttr) []byte {
	buf := make([]byte, ioAttrWireSize)
	copy(buf[0:identifier.Size], a.Parent[:])
	off := identifier.Size
	copy(buf[off:off+identifier.Size], a.ID[:])
	off += identifier.Size
	binary.LittleEndian.PutUint32(buf[off:], a.Flags)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], a.Offset)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], a.Size)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(a.Type))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(a.Num))
	return buf
}

// DecodeIOAttr parses an IOAttr from buf.
func DecodeIOAttr(buf []byte) (IOAttr, error) {
	var a IOAttr
	if len(buf) != ioAttrWireSize {
		return a, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformed, ioAttrWireSize, len(buf))
	}
	copy(a.Parent[:], buf[0:identifier.Size])
	off := identifier.Size
	copy(a.ID[:], buf[off:off+identifier.Size])
	off += identifier.Size
	a.Flags = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	a.Offset = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	a.Size = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	a.Type = int32(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	a.Num = int32(binary.LittleEndian.Uint32(buf[off:]))
	return a, nil
}
