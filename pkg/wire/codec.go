// Package wire implements the DFHack remote protocol framing: the handshake,
// the frame header and the state machine that groups frames into replies.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/kbirk/dfremote/pkg/log"
	"github.com/kbirk/dfremote/pkg/serialize"
)

// ResultKind tags the outcome of a single Decode pass.
type ResultKind int

const (
	// NotReady means more bytes are needed. Bytes may still have been
	// consumed, e.g. the handshake or a TEXT frame.
	NotReady ResultKind = iota
	// ReplyReady means Result.Reply holds a complete reply.
	ReplyReady
	// Recoverable means Result.Err should fail only the oldest waiting call.
	Recoverable
	// Fatal means Result.Err invalidates the connection.
	Fatal
)

func (k ResultKind) String() string {
	switch k {
	case NotReady:
		return "NotReady"
	case ReplyReady:
		return "ReplyReady"
	case Recoverable:
		return "Recoverable"
	case Fatal:
		return "Fatal"
	default:
		return fmt.Sprintf("ResultKind(%d)", int(k))
	}
}

type Result struct {
	Kind  ResultKind
	Reply *Reply
	Err   error
}

// Codec turns messages into bytes and a byte stream back into replies. A
// Codec holds per-connection state and must not be shared between
// connections.
type Codec interface {
	// Open returns the bytes to send once connected, or nil.
	Open() []byte
	// Encode appends the encoded message to dst.
	Encode(dst []byte, msg Message) []byte
	// Decode consumes at most one reply's worth of bytes from buf. It never
	// consumes a partial frame.
	Decode(buf *serialize.Accumulator) Result
	// Close returns the bytes to send before disconnecting, or nil.
	Close() []byte
}

type CodecConfig struct {
	Revision Revision
	// MaxPayloadSize overrides the 64MiB frame limit when positive.
	MaxPayloadSize int32
	Logger         log.Logger
}

// WireCodec is the client side of the DFHack remote protocol.
type WireCodec struct {
	conf       CodecConfig
	maxPayload int32
	shookHands bool
	texts      []Message
}

func NewCodec(conf CodecConfig) *WireCodec {
	maxPayload := int32(MaxPayloadSize)
	if conf.MaxPayloadSize > 0 {
		maxPayload = conf.MaxPayloadSize
	}
	return &WireCodec{
		conf:       conf,
		maxPayload: maxPayload,
	}
}

func (c *WireCodec) logInfo(msg string) {
	if c.conf.Logger != nil {
		c.conf.Logger.Info(msg)
	}
}

// ShookHands reports whether the handshake response has been received.
func (c *WireCodec) ShookHands() bool {
	return c.shookHands
}

func (c *WireCodec) Open() []byte {
	return Handshake(RequestMagic)
}

func (c *WireCodec) Encode(dst []byte, msg Message) []byte {
	return AppendFrame(dst, c.conf.Revision, msg)
}

func (c *WireCodec) Close() []byte {
	return c.Encode(nil, Message{ID: QuitID})
}

func (c *WireCodec) Decode(buf *serialize.Accumulator) Result {
	if !c.shookHands {
		hs, ok := buf.Peek(HandshakeSize)
		if !ok {
			return Result{Kind: NotReady}
		}
		if !bytes.Equal(hs[:MagicSize], ResponseMagic[:]) {
			return fatal(fmt.Errorf("%w: got %q", ErrHandshake, hs[:MagicSize]))
		}
		buf.Consume(HandshakeSize)
		c.shookHands = true
		c.logInfo("Shook hands with server")
	}

	headerSize := c.conf.Revision.HeaderSize()
	hb, ok := buf.Peek(headerSize)
	if !ok {
		return Result{Kind: NotReady}
	}

	var h Header
	if err := DeserializeHeader(&h, c.conf.Revision, serialize.NewReader(hb)); err != nil {
		return fatal(err)
	}

	switch h.ID {
	case FailID:
		// the size field is the command result, no payload follows
		buf.Consume(headerSize)
		data := make([]byte, 4)
		binary.LittleEndian.PutUint32(data, uint32(h.Size))
		return c.reply(Message{ID: FailID, Data: data})

	case TextID, ResultID:
		payload, ok, err := c.payload(buf, h)
		if err != nil {
			return fatal(err)
		}
		if !ok {
			return Result{Kind: NotReady}
		}
		msg := Message{ID: h.ID, Data: payload}
		if h.ID == TextID {
			c.texts = append(c.texts, msg)
			return Result{Kind: NotReady}
		}
		return c.reply(msg)

	default:
		// The size of an illegal frame is untrusted. Skip the body only when
		// it is plausible and already buffered, otherwise just the header.
		n := headerSize
		if h.Size >= 0 && h.Size <= c.maxPayload && buf.Len() >= headerSize+int(h.Size) {
			n += int(h.Size)
		}
		buf.Consume(n)
		return Result{
			Kind: Recoverable,
			Err:  fmt.Errorf("%w: %d", ErrIllegalReplyID, h.ID),
		}
	}
}

// payload consumes header and body once the whole frame is buffered.
func (c *WireCodec) payload(buf *serialize.Accumulator, h Header) ([]byte, bool, error) {
	if h.Size < 0 || h.Size > c.maxPayload {
		return nil, false, fmt.Errorf("%w: %d", ErrFrameSize, h.Size)
	}
	headerSize := c.conf.Revision.HeaderSize()
	n := headerSize + int(h.Size)
	if buf.Len() < n {
		return nil, false, nil
	}
	frame := buf.Consume(n)
	return frame[headerSize:], true, nil
}

func (c *WireCodec) reply(terminal Message) Result {
	r := newReply(c.texts, terminal)
	c.texts = nil
	return Result{Kind: ReplyReady, Reply: r}
}

func fatal(err error) Result {
	return Result{Kind: Fatal, Err: err}
}
