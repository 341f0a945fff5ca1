package wire

import (
	"encoding/binary"
	"fmt"
)

// Reserved frame ids. Procedure ids assigned by the server are positive and
// the bind procedure always uses BindMethodID.
const (
	BindMethodID int16 = 0
	ResultID     int16 = -1
	FailID       int16 = -2
	TextID       int16 = -3
	QuitID       int16 = -4
)

// Message is one frame's id and payload.
type Message struct {
	ID   int16
	Data []byte
}

func NewMessage(id int16, data []byte) Message {
	return Message{ID: id, Data: data}
}

func (m Message) String() string {
	return fmt.Sprintf("Message{id: %s, size: %d}", idName(m.ID), len(m.Data))
}

func idName(id int16) string {
	switch id {
	case ResultID:
		return "RESULT"
	case FailID:
		return "FAIL"
	case TextID:
		return "TEXT"
	case QuitID:
		return "QUIT"
	default:
		return fmt.Sprintf("%d", id)
	}
}

// Reply is every frame answering one request: the TEXT notifications in
// arrival order followed by exactly one RESULT or FAIL message. The terminal
// message is last in Messages, not first as in DFHack's JavaScript client;
// use Terminal and Texts rather than indexing.
type Reply struct {
	Messages []Message
}

func newReply(texts []Message, terminal Message) *Reply {
	msgs := make([]Message, 0, len(texts)+1)
	msgs = append(msgs, texts...)
	msgs = append(msgs, terminal)
	return &Reply{Messages: msgs}
}

// Terminal returns the RESULT or FAIL message that closed the reply.
func (r *Reply) Terminal() Message {
	return r.Messages[len(r.Messages)-1]
}

// Texts returns the TEXT notifications that preceded the terminal message.
func (r *Reply) Texts() []Message {
	return r.Messages[:len(r.Messages)-1]
}

func (r *Reply) Failed() bool {
	return r.Terminal().ID == FailID
}

// Result returns the command result carried by a FAIL message, or OK for a
// RESULT.
func (r *Reply) Result() CommandResult {
	term := r.Terminal()
	if term.ID != FailID || len(term.Data) < 4 {
		return OK
	}
	return CommandResult(int32(binary.LittleEndian.Uint32(term.Data)))
}

// CommandResult is the status code a server sends in the size field of a
// FAIL frame.
type CommandResult int32

const (
	LinkFailure    CommandResult = -3
	NeedsConsole   CommandResult = -2
	NotImplemented CommandResult = -1
	OK             CommandResult = 0
	Failure        CommandResult = 1
	WrongUsage     CommandResult = 2
	NotFound       CommandResult = 3
)

func (c CommandResult) String() string {
	switch c {
	case LinkFailure:
		return "LINK_FAILURE"
	case NeedsConsole:
		return "NEEDS_CONSOLE"
	case NotImplemented:
		return "NOT_IMPLEMENTED"
	case OK:
		return "OK"
	case Failure:
		return "FAILURE"
	case WrongUsage:
		return "WRONG_USAGE"
	case NotFound:
		return "NOT_FOUND"
	default:
		return fmt.Sprintf("CommandResult(%d)", int32(c))
	}
}
