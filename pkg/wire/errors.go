package wire

import "errors"

var (
	// ErrHandshake is fatal: the peer did not answer with the response magic.
	ErrHandshake = errors.New("wire: handshake response invalid")
	// ErrFrameSize is fatal: a frame announced a size outside [0, MaxPayloadSize].
	ErrFrameSize = errors.New("wire: invalid frame size")
	// ErrIllegalReplyID is recoverable: only the oldest waiting call fails.
	ErrIllegalReplyID = errors.New("wire: illegal reply id")
)
