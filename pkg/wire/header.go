package wire

import (
	"fmt"

	"github.com/kbirk/dfremote/pkg/serialize"
)

const (
	HandshakeSize  = 12
	MagicSize      = 8
	Version        = int32(1)
	MaxPayloadSize = 1 << 26
)

var (
	RequestMagic  = [MagicSize]byte{'D', 'F', 'H', 'a', 'c', 'k', '?', '\n'}
	ResponseMagic = [MagicSize]byte{'D', 'F', 'H', 'a', 'c', 'k', '!', '\n'}
)

// Revision selects the frame header layout. The two layouts carry the same
// fields and are not negotiated, so both peers must be configured alike.
type Revision int

const (
	// Revision8 is {id int16, pad uint16, size int32}.
	Revision8 Revision = iota
	// Revision6 is the older {id int16, size int32} layout without padding.
	Revision6
)

func (r Revision) HeaderSize() int {
	if r == Revision6 {
		return 6
	}
	return 8
}

func (r Revision) String() string {
	switch r {
	case Revision8:
		return "8-byte"
	case Revision6:
		return "6-byte"
	default:
		return fmt.Sprintf("Revision(%d)", int(r))
	}
}

// Header precedes Size bytes of payload, except for FAIL frames where Size
// holds the command result and no payload follows.
type Header struct {
	ID   int16
	Size int32
}

// ValidSize reports whether size is acceptable for a frame carrying a payload.
func ValidSize(size int32) bool {
	return size >= 0 && size <= MaxPayloadSize
}

func SerializeHeader(writer *serialize.FixedSizeWriter, rev Revision, h Header) {
	serialize.SerializeInt16(writer, h.ID)
	if rev == Revision8 {
		serialize.SerializePadding(writer, 2)
	}
	serialize.SerializeInt32(writer, h.Size)
}

func DeserializeHeader(h *Header, rev Revision, reader *serialize.Reader) error {
	err := serialize.DeserializeInt16(&h.ID, reader)
	if err != nil {
		return err
	}
	if rev == Revision8 {
		if err := reader.Skip(2); err != nil {
			return err
		}
	}
	return serialize.DeserializeInt32(&h.Size, reader)
}

// Handshake returns the 12-byte handshake for the given magic.
func Handshake(magic [MagicSize]byte) []byte {
	writer := serialize.NewFixedSizeWriter(HandshakeSize)
	serialize.SerializeBytes(writer, magic[:])
	serialize.SerializeInt32(writer, Version)
	return writer.Bytes()
}

// AppendFrame appends header and payload to dst using the given revision.
func AppendFrame(dst []byte, rev Revision, msg Message) []byte {
	n := rev.HeaderSize() + len(msg.Data)
	start := len(dst)
	if cap(dst)-start < n {
		grown := make([]byte, start, start+n)
		copy(grown, dst)
		dst = grown
	}
	dst = dst[:start+n]

	writer := serialize.WrapFixedSizeWriter(dst[start:])
	SerializeHeader(writer, rev, Header{ID: msg.ID, Size: int32(len(msg.Data))})
	serialize.SerializeBytes(writer, msg.Data)
	writer.Bytes()
	return dst
}

// AppendFail appends a FAIL frame whose size field carries result.
func AppendFail(dst []byte, rev Revision, result CommandResult) []byte {
	writer := serialize.NewFixedSizeWriter(rev.HeaderSize())
	SerializeHeader(writer, rev, Header{ID: FailID, Size: int32(result)})
	return append(dst, writer.Bytes()...)
}
