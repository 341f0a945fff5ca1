// Package websocket carries the remote protocol inside binary websocket
// messages. Message boundaries are not frame boundaries: the codec
// reassembles frames from whatever chunks arrive.
package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/kbirk/dfremote/pkg/rpc"
)

// DefaultPath is where the server accepts upgrades and the client dials.
const DefaultPath = "/"

// ErrConnectionClosed is returned by Receive after a normal close.
var ErrConnectionClosed = errors.New("websocket: connection closed")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketConnection implements the Connection interface for WebSocket
type WebSocketConnection struct {
	conn               *websocket.Conn
	mu                 *sync.Mutex
	maxSendMessageSize uint32
	maxRecvMessageSize uint32
}

func newConnection(conn *websocket.Conn, maxSend uint32, maxRecv uint32) *WebSocketConnection {
	return &WebSocketConnection{
		conn:               conn,
		mu:                 &sync.Mutex{},
		maxSendMessageSize: maxSend,
		maxRecvMessageSize: maxRecv,
	}
}

func (c *WebSocketConnection) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxSendMessageSize > 0 && uint32(len(data)) > c.maxSendMessageSize {
		return fmt.Errorf("message size %d exceeds send limit %d", len(data), c.maxSendMessageSize)
	}

	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *WebSocketConnection) Receive() ([]byte, error) {
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			// Check if this is a normal close error
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, fmt.Errorf("%w: %w", ErrConnectionClosed, err)
			}
			return nil, err
		}
		if typ != websocket.BinaryMessage && typ != websocket.TextMessage {
			continue
		}

		if c.maxRecvMessageSize > 0 && uint32(len(data)) > c.maxRecvMessageSize {
			return nil, fmt.Errorf("message size %d exceeds receive limit %d", len(data), c.maxRecvMessageSize)
		}

		return data, nil
	}
}

func (c *WebSocketConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Send a proper close frame before closing the connection. The peer may
	// already have hung up after QUIT, so a failed close frame is not an error.
	deadline := time.Now().Add(time.Second)
	c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		deadline,
	)

	err := c.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// ServerTransport implements ServerTransport for WebSocket
type ServerTransport struct {
	Host               string
	Port               int
	Path               string
	CertFile           string
	KeyFile            string
	MaxSendMessageSize uint32
	MaxRecvMessageSize uint32
	listener           net.Listener
	server             *http.Server
	connCh             chan rpc.Connection
	mu                 *sync.Mutex
	closed             bool
}

type ServerTransportConfig struct {
	Host               string
	Port               int    // 0 picks a free port, see Addr
	Path               string // Upgrade route, DefaultPath if empty
	CertFile           string // Optional: for TLS
	KeyFile            string // Optional: for TLS
	MaxSendMessageSize uint32 // Maximum send message size in bytes (0 for no limit)
	MaxRecvMessageSize uint32 // Maximum receive message size in bytes (0 for no limit)
}

func NewServerTransport(config ServerTransportConfig) *ServerTransport {
	path := config.Path
	if path == "" {
		path = DefaultPath
	}
	return &ServerTransport{
		Host:               config.Host,
		Port:               config.Port,
		Path:               path,
		CertFile:           config.CertFile,
		KeyFile:            config.KeyFile,
		MaxSendMessageSize: config.MaxSendMessageSize,
		MaxRecvMessageSize: config.MaxRecvMessageSize,
		connCh:             make(chan rpc.Connection, 16), // buffered channel for connections
		mu:                 &sync.Mutex{},
	}
}

func (t *ServerTransport) Listen() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.server != nil {
		return fmt.Errorf("transport is already listening")
	}

	l, err := net.Listen("tcp", net.JoinHostPort(t.Host, strconv.Itoa(t.Port)))
	if err != nil {
		return err
	}
	t.listener = l

	router := httprouter.New()
	router.HandlerFunc(http.MethodGet, t.Path, t.handleWebSocket)

	t.server = &http.Server{
		Handler: router,
	}

	server := t.server
	go func() {
		if t.CertFile != "" && t.KeyFile != "" {
			server.ServeTLS(l, t.CertFile, t.KeyFile)
		} else {
			server.Serve(l)
		}
	}()

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

func (t *ServerTransport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	wsConn := newConnection(conn, t.MaxSendMessageSize, t.MaxRecvMessageSize)

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.closed {
		select {
		case t.connCh <- wsConn:
		default:
			// Channel is full, close the connection
			conn.Close()
		}
	} else {
		conn.Close()
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
		return nil // Already closed
	}

	t.closed = true
	close(t.connCh)

	if t.server != nil {
		return t.server.Close()
	}
	return nil
}

// ClientTransport implements ClientTransport for WebSocket
type ClientTransport struct {
	Host               string
	Port               int
	Path               string
	TLSConfig          *tls.Config
	MaxSendMessageSize uint32
	MaxRecvMessageSize uint32
}

type ClientTransportConfig struct {
	Host               string
	Port               int
	Path               string // DefaultPath if empty
	TLSConfig          *tls.Config
	MaxSendMessageSize uint32 // Maximum send message size in bytes (0 for no limit)
	MaxRecvMessageSize uint32 // Maximum receive message size in bytes (0 for no limit)
}

func NewClientTransport(config ClientTransportConfig) *ClientTransport {
	path := config.Path
	if path == "" {
		path = DefaultPath
	}
	return &ClientTransport{
		Host:               config.Host,
		Port:               config.Port,
		Path:               path,
		TLSConfig:          config.TLSConfig,
		MaxSendMessageSize: config.MaxSendMessageSize,
		MaxRecvMessageSize: config.MaxRecvMessageSize,
	}
}

// URL is the address Connect dials.
func (t *ClientTransport) URL() string {
	scheme := "ws"
	if t.TLSConfig != nil {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: net.JoinHostPort(t.Host, strconv.Itoa(t.Port)), Path: t.Path}
	return u.String()
}

func (t *ClientTransport) Connect(ctx context.Context) (rpc.Connection, error) {
	// create dialer
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if t.TLSConfig != nil {
		// Configure the Dialer to use SSL/TLS
		dialer.TLSClientConfig = t.TLSConfig
	}

	// connect to the WebSocket server
	conn, resp, err := dialer.DialContext(ctx, t.URL(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	return newConnection(conn, t.MaxSendMessageSize, t.MaxRecvMessageSize), nil
}
