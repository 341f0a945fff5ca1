package rpc

import "context"

// Connection represents a bidirectional byte stream. Chunk boundaries carry
// no meaning: a frame may arrive split across several Receive calls, and one
// Receive may return several frames.
type Connection interface {
	// Send writes data to the remote peer. Implementations must not retain
	// data after returning.
	Send(data []byte) error

	// Receive blocks until the next chunk of bytes is available
	Receive() ([]byte, error)

	// Close closes the connection
	Close() error
}

// ServerTransport handles incoming connections for a server
type ServerTransport interface {
	// Listen starts listening for incoming connections
	Listen() error

	// Accept blocks until a new connection is available
	Accept() (Connection, error)

	// Close stops listening and closes the transport
	Close() error
}

// ClientTransport handles outgoing connections for the client
type ClientTransport interface {
	// Connect establishes a connection to the server
	Connect(ctx context.Context) (Connection, error)
}
