package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kbirk/dfremote/pkg/log"
	"github.com/kbirk/dfremote/pkg/serialize"
	"github.com/kbirk/dfremote/pkg/wire"
	"go.uber.org/multierr"
)

const DefaultCloseGrace = 100 * time.Millisecond

type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type RunnerConfig struct {
	Transport ClientTransport
	// Codec must be fresh and is owned by the runner from then on.
	Codec wire.Codec
	// OnOpen is invoked once the handshake has been sent and queued writes
	// have been flushed.
	OnOpen     func(*Runner)
	ErrHandler func(error)
	Logger     log.Logger
	// CloseGrace is how long Close waits for the peer to hang up after the
	// QUIT frame. Defaults to DefaultCloseGrace.
	CloseGrace time.Duration
}

type result struct {
	reply *wire.Reply
	err   error
}

type pendingCall struct {
	ch chan result
}

// Runner drives a Codec over one Connection. Replies carry no request id, so
// they are handed to waiting callers strictly in the order the callers
// started waiting.
type Runner struct {
	conf  RunnerConfig
	codec wire.Codec

	// mu guards state, conn, err and the three queues
	mu *sync.Mutex
	// writeMu serializes sends on conn. Lock order is writeMu then mu.
	writeMu *sync.Mutex
	// callMu keeps a write and its pending call adjacent in the queue
	callMu *sync.Mutex

	conn         Connection
	state        State
	opened       bool
	err          error
	queuedWrites [][]byte
	pending      []*pendingCall
	unread       []result

	// buf is only touched by the receive loop
	buf  *serialize.Accumulator
	done chan struct{}
}

func NewRunner(conf RunnerConfig) *Runner {
	if conf.CloseGrace <= 0 {
		conf.CloseGrace = DefaultCloseGrace
	}
	return &Runner{
		conf:    conf,
		codec:   conf.Codec,
		mu:      &sync.Mutex{},
		writeMu: &sync.Mutex{},
		callMu:  &sync.Mutex{},
		state:   StateConnecting,
		buf:     serialize.NewAccumulator(),
		done:    make(chan struct{}),
	}
}

func (r *Runner) logDebug(msg string) {
	if r.conf.Logger != nil {
		r.conf.Logger.Debug(msg)
	}
}

func (r *Runner) logInfo(msg string) {
	if r.conf.Logger != nil {
		r.conf.Logger.Info(msg)
	}
}

func (r *Runner) logWarn(msg string) {
	if r.conf.Logger != nil {
		r.conf.Logger.Warn(msg)
	}
}

func (r *Runner) logError(msg string) {
	if r.conf.Logger != nil {
		r.conf.Logger.Error(msg)
	}
}

func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the error that closed the runner, if any.
func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Open connects, sends the codec's opening bytes, flushes writes queued
// while connecting and starts receiving.
func (r *Runner) Open(ctx context.Context) error {
	r.mu.Lock()
	if r.opened {
		r.mu.Unlock()
		return ErrAlreadyOpen
	}
	r.opened = true
	r.mu.Unlock()

	r.logDebug("Connecting to server")
	conn, err := r.conf.Transport.Connect(ctx)
	if err != nil {
		r.fail(nil, err)
		return err
	}

	if init := r.codec.Open(); init != nil {
		if err := conn.Send(init); err != nil {
			r.fail(conn, err)
			return err
		}
	}

	r.mu.Lock()
	if r.state != StateConnecting {
		r.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	r.conn = conn
	queued := r.queuedWrites
	r.queuedWrites = nil
	for _, bs := range queued {
		if err := conn.Send(bs); err != nil {
			r.mu.Unlock()
			r.fail(conn, err)
			return err
		}
	}
	r.state = StateOpen
	r.mu.Unlock()

	go r.receiveLoop(conn)

	r.logInfo("Connection open")
	if r.conf.OnOpen != nil {
		r.conf.OnOpen(r)
	}
	return nil
}

func (r *Runner) receiveLoop(conn Connection) {
	defer close(r.done)

	for {
		data, err := conn.Receive()
		if err != nil {
			r.mu.Lock()
			state := r.state
			r.mu.Unlock()
			if state == StateClosing || state == StateClosed {
				r.logDebug("Connection closed")
				return
			}
			r.fail(conn, fmt.Errorf("%w: %w", ErrConnectionLost, err))
			return
		}
		if !r.process(data) {
			return
		}
	}
}

// process decodes as many replies as the buffered bytes allow. It returns
// false once the connection has been torn down.
func (r *Runner) process(chunk []byte) bool {
	r.buf.Append(chunk)

	for r.buf.Len() > 0 {
		prev := r.buf.Len()
		res := r.codec.Decode(r.buf)
		switch res.Kind {
		case wire.Fatal:
			r.fail(nil, res.Err)
			return false
		case wire.Recoverable:
			r.logWarn("Rejecting call: " + res.Err.Error())
			r.dispatch(result{err: res.Err})
		case wire.ReplyReady:
			r.dispatch(result{reply: res.Reply})
		}
		if r.buf.Len() == prev {
			break
		}
	}
	return true
}

// dispatch hands a reply or recoverable error to the oldest waiting caller,
// or keeps it for the next Read if nobody is waiting.
func (r *Runner) dispatch(res result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.pending) > 0 {
		call := r.pending[0]
		r.pending[0] = nil
		r.pending = r.pending[1:]
		call.ch <- res
		return
	}
	r.unread = append(r.unread, res)
}

// fail tears the connection down and rejects every waiting caller with err.
// conn is closed even if it was never published to r.conn.
func (r *Runner) fail(conn Connection, err error) {
	r.mu.Lock()
	if r.state == StateClosed {
		r.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	r.state = StateClosed
	r.err = err
	if conn == nil {
		conn = r.conn
	}
	r.queuedWrites = nil
	r.unread = nil
	r.rejectAllLocked(err)
	r.mu.Unlock()

	r.logError("Encountered error: " + err.Error())
	if r.conf.ErrHandler != nil {
		r.conf.ErrHandler(err)
	}
	if conn != nil {
		conn.Close()
	}
}

func (r *Runner) rejectAllLocked(err error) {
	for _, call := range r.pending {
		call.ch <- result{err: err}
	}
	r.pending = nil
}

func (r *Runner) closedErrLocked() error {
	if r.err != nil && r.err != ErrClosed {
		return fmt.Errorf("%w: %w", ErrClosed, r.err)
	}
	return fmt.Errorf("%w: cannot use connection in state %s", ErrClosed, r.state)
}

// Write sends msg, or queues it if the connection is not open yet. Writing
// to a closing or closed runner is an error.
func (r *Runner) Write(msg wire.Message) error {
	r.writeMu.Lock()
	r.mu.Lock()
	switch r.state {
	case StateConnecting:
		r.queuedWrites = append(r.queuedWrites, r.codec.Encode(nil, msg))
		r.mu.Unlock()
		r.writeMu.Unlock()
		return nil

	case StateOpen:
		conn := r.conn
		r.mu.Unlock()

		bs := getFrameBuffer()
		*bs = r.codec.Encode(*bs, msg)
		err := conn.Send(*bs)
		putFrameBuffer(bs)
		r.writeMu.Unlock()

		if err != nil {
			lost := fmt.Errorf("%w: %w", ErrConnectionLost, err)
			r.fail(conn, lost)
			return lost
		}
		return nil

	default:
		err := r.closedErrLocked()
		r.mu.Unlock()
		r.writeMu.Unlock()
		return err
	}
}

// enqueueReadLocked takes the oldest unread reply if there is one, otherwise
// it registers a new pending call.
func (r *Runner) enqueueReadLocked() (*pendingCall, *result, error) {
	if len(r.unread) > 0 {
		res := r.unread[0]
		r.unread = r.unread[1:]
		if res.err != nil {
			r.logWarn("Response arrived before request: " + res.err.Error())
		} else {
			r.logWarn("Response arrived before request: " + res.reply.Terminal().String())
		}
		return nil, &res, nil
	}
	if r.state == StateClosing || r.state == StateClosed {
		return nil, nil, r.closedErrLocked()
	}
	call := &pendingCall{ch: make(chan result, 1)}
	r.pending = append(r.pending, call)
	return call, nil, nil
}

// removePendingLocked drops call from the queue if it is still waiting.
func (r *Runner) removePendingLocked(call *pendingCall) {
	for i, c := range r.pending {
		if c == call {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return
		}
	}
}

// await waits for the call's reply. A done context stops the wait but the
// call stays queued, so its reply is consumed and dropped when it arrives.
func (r *Runner) await(ctx context.Context, call *pendingCall, early *result) (*wire.Reply, error) {
	if early != nil {
		return early.reply, early.err
	}
	select {
	case res := <-call.ch:
		return res.reply, res.err
	case <-ctx.Done():
		r.logWarn("Abandoned wait for reply: " + ctx.Err().Error())
		return nil, ctx.Err()
	}
}

// Read returns the next reply: an unread one if available, otherwise the
// next one to arrive.
func (r *Runner) Read(ctx context.Context) (*wire.Reply, error) {
	r.callMu.Lock()
	r.mu.Lock()
	call, early, err := r.enqueueReadLocked()
	r.mu.Unlock()
	r.callMu.Unlock()
	if err != nil {
		return nil, err
	}
	return r.await(ctx, call, early)
}

// WriteRead writes msg and reads a reply. The reply is the one that
// correlates with the oldest unanswered write; concurrent WriteRead calls are
// queued in the same order they are written.
func (r *Runner) WriteRead(ctx context.Context, msg wire.Message) (*wire.Reply, error) {
	r.callMu.Lock()

	r.mu.Lock()
	call, early, err := r.enqueueReadLocked()
	r.mu.Unlock()
	if err != nil {
		r.callMu.Unlock()
		return nil, err
	}

	if err := r.Write(msg); err != nil {
		if call != nil {
			r.mu.Lock()
			r.removePendingLocked(call)
			r.mu.Unlock()
		}
		r.callMu.Unlock()
		return nil, err
	}
	r.callMu.Unlock()

	return r.await(ctx, call, early)
}

// Close sends the codec's closing bytes, gives the peer CloseGrace to hang
// up and then closes the connection. Waiting callers are rejected.
func (r *Runner) Close() error {
	r.mu.Lock()
	if r.state == StateClosing || r.state == StateClosed {
		r.mu.Unlock()
		return nil
	}
	conn := r.conn
	r.state = StateClosing
	r.queuedWrites = nil
	r.mu.Unlock()

	var err error
	if conn != nil {
		if bye := r.codec.Close(); bye != nil {
			r.writeMu.Lock()
			sendErr := conn.Send(bye)
			r.writeMu.Unlock()
			err = multierr.Append(err, sendErr)
			if sendErr == nil {
				select {
				case <-r.done:
				case <-time.After(r.conf.CloseGrace):
				}
			}
		}
		err = multierr.Append(err, conn.Close())
	}

	r.mu.Lock()
	r.state = StateClosed
	if r.err == nil {
		r.err = ErrClosed
	}
	r.unread = nil
	r.rejectAllLocked(ErrClosed)
	r.mu.Unlock()

	r.logInfo("Connection closed by client")
	return err
}

// pendingCount is the number of callers currently waiting.
func (r *Runner) pendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// unreadCount is the number of replies nobody has asked for yet.
func (r *Runner) unreadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.unread)
}
