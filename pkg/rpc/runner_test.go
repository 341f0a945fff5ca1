package rpc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kbirk/dfremote/pkg/serialize"
	"github.com/kbirk/dfremote/pkg/wire"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errMemClosed = errors.New("mem: connection closed")

// memConn is an in-memory Connection. Bytes sent by the runner show up on
// sent, bytes pushed to recv are handed to the runner's receive loop.
type memConn struct {
	sent   chan []byte
	recv   chan []byte
	closed chan struct{}
	once   sync.Once
	closes int32
}

func newMemConn() *memConn {
	return &memConn{
		sent:   make(chan []byte, 64),
		recv:   make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *memConn) Send(data []byte) error {
	select {
	case <-c.closed:
		return errMemClosed
	default:
	}
	c.sent <- append([]byte(nil), data...)
	return nil
}

func (c *memConn) Receive() ([]byte, error) {
	select {
	case bs := <-c.recv:
		return bs, nil
	case <-c.closed:
		return nil, errMemClosed
	}
}

func (c *memConn) Close() error {
	atomic.AddInt32(&c.closes, 1)
	c.once.Do(func() {
		close(c.closed)
	})
	return nil
}

func (c *memConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type memTransport struct {
	conn *memConn
	err  error
}

func (t *memTransport) Connect(ctx context.Context) (Connection, error) {
	if t.err != nil {
		return nil, t.err
	}
	return t.conn, nil
}

func nextSent(t *testing.T, conn *memConn) []byte {
	t.Helper()
	select {
	case bs := <-conn.sent:
		return bs
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timed out waiting for sent bytes")
		return nil
	}
}

func frame(id int16, data []byte) []byte {
	return wire.AppendFrame(nil, wire.Revision8, wire.Message{ID: id, Data: data})
}

// header is a bare frame header, with no body whatever its size says.
func header(id int16, size int32) []byte {
	writer := serialize.NewFixedSizeWriter(wire.Revision8.HeaderSize())
	wire.SerializeHeader(writer, wire.Revision8, wire.Header{ID: id, Size: size})
	return writer.Bytes()
}

func hello() []byte {
	return wire.Handshake(wire.ResponseMagic)
}

type outcome struct {
	reply *wire.Reply
	err   error
}

func writeReadAsync(r *Runner, ctx context.Context, msg wire.Message) chan outcome {
	ch := make(chan outcome, 1)
	go func() {
		reply, err := r.WriteRead(ctx, msg)
		ch <- outcome{reply, err}
	}()
	return ch
}

func waitOutcome(t *testing.T, ch chan outcome) outcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timed out waiting for reply")
		return outcome{}
	}
}

type runnerHarness struct {
	runner  *Runner
	conn    *memConn
	errs    chan error
	opened  int32
	request []byte
}

func openRunner(t *testing.T) *runnerHarness {
	t.Helper()

	h := &runnerHarness{
		conn: newMemConn(),
		errs: make(chan error, 4),
	}
	h.runner = NewRunner(RunnerConfig{
		Transport: &memTransport{conn: h.conn},
		Codec:     wire.NewCodec(wire.CodecConfig{}),
		OnOpen: func(*Runner) {
			atomic.AddInt32(&h.opened, 1)
		},
		ErrHandler: func(err error) {
			h.errs <- err
		},
		CloseGrace: 10 * time.Millisecond,
	})
	require.NoError(t, h.runner.Open(context.Background()))
	h.request = nextSent(t, h.conn)
	return h
}

func (h *runnerHarness) waitPending(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.runner.pendingCount() == n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRunnerOpenSendsHandshake(t *testing.T) {
	h := openRunner(t)

	assert.Equal(t, wire.Handshake(wire.RequestMagic), h.request)
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.opened))
	assert.Equal(t, StateOpen, h.runner.State())

	assert.ErrorIs(t, h.runner.Open(context.Background()), ErrAlreadyOpen)
}

func TestRunnerConnectFailure(t *testing.T) {
	dialErr := errors.New("dial refused")
	var handled error
	r := NewRunner(RunnerConfig{
		Transport: &memTransport{err: dialErr},
		Codec:     wire.NewCodec(wire.CodecConfig{}),
		ErrHandler: func(err error) {
			handled = err
		},
	})

	err := r.Open(context.Background())
	assert.ErrorIs(t, err, dialErr)
	assert.ErrorIs(t, handled, dialErr)
	assert.Equal(t, StateClosed, r.State())

	err = r.Write(wire.NewMessage(5, nil))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, err, dialErr)
}

func TestRunnerQueuesWritesUntilOpen(t *testing.T) {
	conn := newMemConn()
	var sentAtOpen int
	r := NewRunner(RunnerConfig{
		Transport: &memTransport{conn: conn},
		Codec:     wire.NewCodec(wire.CodecConfig{}),
		OnOpen: func(*Runner) {
			sentAtOpen = len(conn.sent)
		},
	})

	require.NoError(t, r.Write(wire.NewMessage(1, []byte{0xa})))
	require.NoError(t, r.Write(wire.NewMessage(2, []byte{0xb})))
	assert.Empty(t, conn.sent)

	require.NoError(t, r.Open(context.Background()))

	assert.Equal(t, 3, sentAtOpen)
	assert.Equal(t, wire.Handshake(wire.RequestMagic), nextSent(t, conn))
	assert.Equal(t, frame(1, []byte{0xa}), nextSent(t, conn))
	assert.Equal(t, frame(2, []byte{0xb}), nextSent(t, conn))

	require.NoError(t, r.Write(wire.NewMessage(3, nil)))
	assert.Equal(t, frame(3, nil), nextSent(t, conn))
}

func TestRunnerFIFOCorrelation(t *testing.T) {
	h := openRunner(t)
	ctx := context.Background()

	first := writeReadAsync(h.runner, ctx, wire.NewMessage(5, []byte("a")))
	h.waitPending(t, 1)
	second := writeReadAsync(h.runner, ctx, wire.NewMessage(5, []byte("b")))
	h.waitPending(t, 2)

	assert.Equal(t, frame(5, []byte("a")), nextSent(t, h.conn))
	assert.Equal(t, frame(5, []byte("b")), nextSent(t, h.conn))

	h.conn.recv <- hello()
	h.conn.recv <- frame(wire.ResultID, []byte("A"))
	h.conn.recv <- frame(wire.ResultID, []byte("B"))

	out := waitOutcome(t, first)
	require.NoError(t, out.err)
	assert.Equal(t, []byte("A"), out.reply.Terminal().Data)

	out = waitOutcome(t, second)
	require.NoError(t, out.err)
	assert.Equal(t, []byte("B"), out.reply.Terminal().Data)
}

func TestRunnerReadBeforeWrite(t *testing.T) {
	h := openRunner(t)

	read := make(chan outcome, 1)
	go func() {
		reply, err := h.runner.Read(context.Background())
		read <- outcome{reply, err}
	}()
	h.waitPending(t, 1)

	require.NoError(t, h.runner.Write(wire.NewMessage(7, nil)))
	h.conn.recv <- append(hello(), frame(wire.ResultID, []byte{1})...)

	out := waitOutcome(t, read)
	require.NoError(t, out.err)
	assert.Equal(t, []byte{1}, out.reply.Terminal().Data)
}

func TestRunnerUnreadReplyIsReturnedByNextRead(t *testing.T) {
	h := openRunner(t)

	h.conn.recv <- append(hello(), frame(wire.ResultID, []byte("early"))...)
	require.Eventually(t, func() bool {
		return h.runner.unreadCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	reply, err := h.runner.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("early"), reply.Terminal().Data)
	assert.Equal(t, 0, h.runner.unreadCount())
	assert.Equal(t, 0, h.runner.pendingCount())
}

func TestRunnerTextsBelongToTheirReply(t *testing.T) {
	h := openRunner(t)
	ctx := context.Background()

	first := writeReadAsync(h.runner, ctx, wire.NewMessage(5, nil))
	h.waitPending(t, 1)
	second := writeReadAsync(h.runner, ctx, wire.NewMessage(6, nil))
	h.waitPending(t, 2)

	h.conn.recv <- hello()
	h.conn.recv <- frame(wire.TextID, []byte("t1"))
	h.conn.recv <- frame(wire.TextID, []byte("t2"))
	h.conn.recv <- frame(wire.ResultID, []byte("r1"))
	h.conn.recv <- wire.AppendFail(nil, wire.Revision8, wire.NotFound)

	out := waitOutcome(t, first)
	require.NoError(t, out.err)
	require.Len(t, out.reply.Messages, 3)
	assert.Equal(t, []byte("t1"), out.reply.Texts()[0].Data)
	assert.Equal(t, []byte("t2"), out.reply.Texts()[1].Data)
	assert.False(t, out.reply.Failed())

	out = waitOutcome(t, second)
	require.NoError(t, out.err)
	assert.Empty(t, out.reply.Texts())
	assert.True(t, out.reply.Failed())
	assert.Equal(t, wire.NotFound, out.reply.Result())
}

func TestRunnerRecoverableRejectsOnlyOldest(t *testing.T) {
	h := openRunner(t)
	ctx := context.Background()

	first := writeReadAsync(h.runner, ctx, wire.NewMessage(5, nil))
	h.waitPending(t, 1)
	second := writeReadAsync(h.runner, ctx, wire.NewMessage(5, nil))
	h.waitPending(t, 2)

	h.conn.recv <- hello()
	h.conn.recv <- frame(99, []byte{1, 2})
	h.conn.recv <- frame(wire.ResultID, []byte("ok"))

	out := waitOutcome(t, first)
	assert.ErrorIs(t, out.err, wire.ErrIllegalReplyID)

	out = waitOutcome(t, second)
	require.NoError(t, out.err)
	assert.Equal(t, []byte("ok"), out.reply.Terminal().Data)

	assert.Equal(t, StateOpen, h.runner.State())
	assert.Empty(t, h.errs)
}

func TestRunnerIllegalFrameSizeStaysRecoverable(t *testing.T) {
	tests := []struct {
		name string
		size int32
	}{
		{"NegativeSize", -1},
		{"OversizedSize", wire.MaxPayloadSize + 1},
		{"HeaderOnly", 12},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := openRunner(t)
			ctx := context.Background()

			first := writeReadAsync(h.runner, ctx, wire.NewMessage(5, nil))
			h.waitPending(t, 1)
			second := writeReadAsync(h.runner, ctx, wire.NewMessage(5, nil))
			h.waitPending(t, 2)

			h.conn.recv <- hello()
			h.conn.recv <- header(99, tt.size)
			h.conn.recv <- frame(wire.ResultID, []byte("ok"))

			out := waitOutcome(t, first)
			assert.ErrorIs(t, out.err, wire.ErrIllegalReplyID)

			out = waitOutcome(t, second)
			require.NoError(t, out.err)
			assert.Equal(t, []byte("ok"), out.reply.Terminal().Data)

			assert.Equal(t, StateOpen, h.runner.State())
			assert.Empty(t, h.errs)
		})
	}
}

func TestRunnerHandshakeMismatchIsFatal(t *testing.T) {
	h := openRunner(t)
	ctx := context.Background()

	first := writeReadAsync(h.runner, ctx, wire.NewMessage(5, nil))
	h.waitPending(t, 1)
	second := writeReadAsync(h.runner, ctx, wire.NewMessage(5, nil))
	h.waitPending(t, 2)

	h.conn.recv <- wire.Handshake(wire.RequestMagic)

	for _, ch := range []chan outcome{first, second} {
		out := waitOutcome(t, ch)
		assert.ErrorIs(t, out.err, wire.ErrHandshake)
	}

	select {
	case err := <-h.errs:
		assert.ErrorIs(t, err, wire.ErrHandshake)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "error handler not called")
	}

	assert.Equal(t, StateClosed, h.runner.State())
	assert.True(t, h.conn.isClosed())

	err := h.runner.Write(wire.NewMessage(5, nil))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, err, wire.ErrHandshake)

	_, err = h.runner.Read(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRunnerOversizedFrameIsFatal(t *testing.T) {
	h := openRunner(t)

	call := writeReadAsync(h.runner, context.Background(), wire.NewMessage(5, nil))
	h.waitPending(t, 1)

	oversized := frame(wire.ResultID, nil)
	oversized[4] = 0x01
	oversized[5] = 0x00
	oversized[6] = 0x00
	oversized[7] = 0x04 // 1<<26 + 1
	h.conn.recv <- append(hello(), oversized...)

	out := waitOutcome(t, call)
	assert.ErrorIs(t, out.err, wire.ErrFrameSize)
	assert.Equal(t, StateClosed, h.runner.State())
	assert.ErrorIs(t, h.runner.Err(), wire.ErrFrameSize)
}

func TestRunnerConnectionLost(t *testing.T) {
	h := openRunner(t)

	call := writeReadAsync(h.runner, context.Background(), wire.NewMessage(5, nil))
	h.waitPending(t, 1)

	h.conn.Close()

	out := waitOutcome(t, call)
	assert.ErrorIs(t, out.err, ErrConnectionLost)
	assert.ErrorIs(t, out.err, errMemClosed)
	assert.Equal(t, StateClosed, h.runner.State())

	select {
	case err := <-h.errs:
		assert.ErrorIs(t, err, ErrConnectionLost)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "error handler not called")
	}
}

func TestRunnerCloseSendsQuitAndRejectsPending(t *testing.T) {
	h := openRunner(t)

	call := writeReadAsync(h.runner, context.Background(), wire.NewMessage(5, nil))
	h.waitPending(t, 1)
	nextSent(t, h.conn)

	require.NoError(t, h.runner.Close())

	assert.Equal(t, frame(wire.QuitID, nil), nextSent(t, h.conn))
	assert.True(t, h.conn.isClosed())
	assert.Equal(t, StateClosed, h.runner.State())

	out := waitOutcome(t, call)
	assert.ErrorIs(t, out.err, ErrClosed)

	assert.ErrorIs(t, h.runner.Write(wire.NewMessage(5, nil)), ErrClosed)
	assert.NoError(t, h.runner.Close())
	assert.Empty(t, h.errs)
}

func TestRunnerAbandonedWaitKeepsCorrelation(t *testing.T) {
	h := openRunner(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.runner.WriteRead(ctx, wire.NewMessage(5, []byte("slow")))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, h.runner.pendingCount())

	next := writeReadAsync(h.runner, context.Background(), wire.NewMessage(5, []byte("fast")))
	h.waitPending(t, 2)

	h.conn.recv <- hello()
	h.conn.recv <- frame(wire.ResultID, []byte("for slow"))
	h.conn.recv <- frame(wire.ResultID, []byte("for fast"))

	out := waitOutcome(t, next)
	require.NoError(t, out.err)
	assert.Equal(t, []byte("for fast"), out.reply.Terminal().Data)
	assert.Equal(t, 0, h.runner.unreadCount())
}

func TestRunnerChunkBoundaries(t *testing.T) {
	stream := hello()
	stream = append(stream, frame(wire.TextID, []byte("x"))...)
	stream = append(stream, frame(wire.ResultID, []byte{1, 2, 3})...)
	stream = append(stream, frame(wire.ResultID, []byte{4})...)

	tests := []struct {
		name  string
		chunk int
	}{
		{"single chunk", len(stream)},
		{"byte by byte", 1},
		{"odd chunks", 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := openRunner(t)
			ctx := context.Background()

			first := writeReadAsync(h.runner, ctx, wire.NewMessage(5, nil))
			h.waitPending(t, 1)
			second := writeReadAsync(h.runner, ctx, wire.NewMessage(5, nil))
			h.waitPending(t, 2)

			for i := 0; i < len(stream); i += tt.chunk {
				end := min(i+tt.chunk, len(stream))
				h.conn.recv <- append([]byte(nil), stream[i:end]...)
			}

			out := waitOutcome(t, first)
			require.NoError(t, out.err)
			require.Len(t, out.reply.Texts(), 1)
			assert.Equal(t, []byte{1, 2, 3}, out.reply.Terminal().Data)

			out = waitOutcome(t, second)
			require.NoError(t, out.err)
			assert.Equal(t, []byte{4}, out.reply.Terminal().Data)
		})
	}
}
