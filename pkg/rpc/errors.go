package rpc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kbirk/dfremote/pkg/wire"
)

var (
	// ErrClosed is returned when using a runner that has been closed or has
	// failed.
	ErrClosed = errors.New("rpc: connection closed")
	// ErrConnectionLost is fatal: the peer went away while calls were possible.
	ErrConnectionLost = errors.New("rpc: connection lost")
	// ErrAlreadyOpen is returned when opening a runner twice.
	ErrAlreadyOpen = errors.New("rpc: already opened")
	// ErrNotBound is returned when calling a procedure the server did not bind.
	ErrNotBound = errors.New("rpc: method not bound")
	// ErrNotReady is returned when calling before binding finished.
	ErrNotReady = errors.New("rpc: methods not bound yet")
	// ErrRejected marks a procedure the server refused to bind.
	ErrRejected = errors.New("rpc: bind rejected by server")
)

// CallError is the result of a call that the server answered with FAIL. It
// is an ordinary outcome, not a transport problem.
type CallError struct {
	Method string
	Result wire.CommandResult
	Texts  []wire.Message
}

func (e *CallError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("rpc: %s failed: %s", e.Method, e.Result))
	if len(e.Texts) > 0 {
		sb.WriteString(fmt.Sprintf(" (%d text notifications)", len(e.Texts)))
	}
	return sb.String()
}
