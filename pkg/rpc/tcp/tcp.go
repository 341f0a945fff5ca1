// Package tcp carries the remote protocol over a plain TCP stream, the way
// DFHack itself serves it.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/kbirk/dfremote/pkg/rpc"
)

const readBufferSize = 32 * 1024

// ErrConnectionClosed is returned by Receive once the peer has closed the
// stream.
var ErrConnectionClosed = errors.New("tcp: connection closed")

// setNoDelay sets the TCP_NODELAY option on a TCP connection
func setNoDelay(conn net.Conn, noDelay bool) error {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		return tcpConn.SetNoDelay(noDelay)
	}
	return nil
}

// TCPConnection implements the Connection interface for TCP. The stream is
// passed through as is: framing belongs to the codec.
type TCPConnection struct {
	conn net.Conn
	mu   *sync.Mutex
	buf  []byte
}

func newConnection(conn net.Conn) *TCPConnection {
	return &TCPConnection{
		conn: conn,
		mu:   &sync.Mutex{},
		buf:  make([]byte, readBufferSize),
	}
}

func (c *TCPConnection) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.conn.Write(data)
	return err
}

func (c *TCPConnection) Receive() ([]byte, error) {
	n, err := c.conn.Read(c.buf)
	if n > 0 {
		// hand back a copy, the read buffer is reused
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

func (c *TCPConnection) Close() error {
	return c.conn.Close()
}

// ServerTransport implements ServerTransport for TCP
type ServerTransport struct {
	Host     string
	Port     int
	NoDelay  bool
	listener net.Listener
	connCh   chan rpc.Connection
	mu       *sync.Mutex
	closed   bool
}

type ServerTransportConfig struct {
	Host    string
	Port    int  // 0 picks a free port, see Addr
	NoDelay bool // Disable Nagle's algorithm for better latency
}

func NewServerTransport(config ServerTransportConfig) *ServerTransport {
	return &ServerTransport{
		Host:    config.Host,
		Port:    config.Port,
		NoDelay: config.NoDelay,
		connCh:  make(chan rpc.Connection, 16),
		mu:      &sync.Mutex{},
	}
}

func (t *ServerTransport) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listener != nil {
		return fmt.Errorf("transport is already listening")
	}

	l, err := net.Listen("tcp", net.JoinHostPort(t.Host, strconv.Itoa(t.Port)))
	if err != nil {
		return err
	}
	t.listener = l

	go t.acceptLoop(l)

	return nil
}

// Addr returns the listening address, or nil before Listen.
func (t *ServerTransport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *ServerTransport) acceptLoop(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			// Check if closed
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		// Set TCP_NODELAY option
		if err := setNoDelay(conn, t.NoDelay); err != nil {
			conn.Close()
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

	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

// ClientTransport implements ClientTransport for TCP
type ClientTransport struct {
	Host    string
	Port    int
	NoDelay bool
}

type ClientTransportConfig struct {
	Host    string
	Port    int
	NoDelay bool // Disable Nagle's algorithm for better latency
}

func NewClientTransport(config ClientTransportConfig) *ClientTransport {
	return &ClientTransport{
		Host:    config.Host,
		Port:    config.Port,
		NoDelay: config.NoDelay,
	}
}

func (t *ClientTransport) Connect(ctx context.Context) (rpc.Connection, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(t.Host, strconv.Itoa(t.Port)))
	if err != nil {
		return nil, err
	}

	// Set TCP_NODELAY option
	if err := setNoDelay(conn, t.NoDelay); err != nil {
		conn.Close()
		return nil, err
	}

	return newConnection(conn), nil
}
