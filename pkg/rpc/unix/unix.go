// Package unix carries the remote protocol over a Unix domain socket, for a
// DFHack instance fronted by a local socket relay.
package unix

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/kbirk/dfremote/pkg/rpc"
)

const readBufferSize = 32 * 1024

var ErrConnectionClosed = errors.New("unix: connection closed")

// UnixConnection implements the Connection interface for Unix sockets
type UnixConnection struct {
	conn net.Conn
	mu   sync.Mutex
	buf  []byte
}

func newConnection(conn net.Conn) *UnixConnection {
	return &UnixConnection{
		conn: conn,
		buf:  make([]byte, readBufferSize),
	}
}

func (c *UnixConnection) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.conn.Write(data)
	return err
}

func (c *UnixConnection) Receive() ([]byte, error) {
	n, err := c.conn.Read(c.buf)
	if n > 0 {
		data := make([]byte, n)
		copy(data, c.buf[:n])
		return data, nil
	}
	if err == io.EOF {
		return nil, ErrConnectionClosed
	}
	if err == nil {
		return nil, io.ErrNoProgress
	}
	return nil, err
}

func (c *UnixConnection) Close() error {
	return c.conn.Close()
}

// ServerTransport implements ServerTransport for Unix sockets
type ServerTransport struct {
	SocketPath string
	listener   net.Listener
	connCh     chan rpc.Connection
	mu         sync.Mutex
	closed     bool
}

type ServerTransportConfig struct {
	SocketPath string // Path to the Unix socket file
}

func NewServerTransport(config ServerTransportConfig) *ServerTransport {
	return &ServerTransport{
		SocketPath: config.SocketPath,
		connCh:     make(chan rpc.Connection, 16),
	}
}

func (t *ServerTransport) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listener != nil {
		return fmt.Errorf("transport is already listening")
	}

	// Remove a stale socket file left by a previous run
	if err := os.RemoveAll(t.SocketPath); err != nil {
		return fmt.Errorf("failed to remove existing socket file: %w", err)
	}

	l, err := net.Listen("unix", t.SocketPath)
	if err != nil {
		return err
	}
	t.listener = l

	go t.acceptLoop(l)

	return nil
}

func (t *ServerTransport) acceptLoop(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		t.mu.Lock()
		if !t.closed {
			select {
			case t.connCh <- newConnection(conn):
			default:
				conn.Close()
			}
		} else {
			conn.Close()
		}
		t.mu.Unlock()
	}
}

func (t *ServerTransport) Accept() (rpc.Connection, error) {
	conn, ok := <-t.connCh
	if !ok {
		return nil, fmt.Errorf("transport is closed")
	}
	return conn, nil
}

func (t *ServerTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	close(t.connCh)

	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}

	os.RemoveAll(t.SocketPath)

	return err
}

// ClientTransport implements ClientTransport for Unix sockets
type ClientTransport struct {
	SocketPath string
}

type ClientTransportConfig struct {
	SocketPath string // Path to the Unix socket file
}

func NewClientTransport(config ClientTransportConfig) *ClientTransport {
	return &ClientTransport{
		SocketPath: config.SocketPath,
	}
}

func (t *ClientTransport) Connect(ctx context.Context) (rpc.Connection, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", t.SocketPath)
	if err != nil {
		return nil, err
	}
	return newConnection(conn), nil
}
