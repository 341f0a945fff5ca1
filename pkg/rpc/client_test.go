package rpc_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kbirk/dfremote/internal/dftest"
	"github.com/kbirk/dfremote/pkg/dfproto"
	"github.com/kbirk/dfremote/pkg/rpc"
	"github.com/kbirk/dfremote/pkg/rpc/tcp"
	"github.com/kbirk/dfremote/pkg/rpc/unix"
	"github.com/kbirk/dfremote/pkg/rpc/websocket"
	"github.com/kbirk/dfremote/pkg/wire"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testDFHackVersion = "0.47.05-r8"
	testPlugin        = "testplugin"
)

var echoProcedure = dfproto.Procedure{
	Plugin: testPlugin,
	Name:   "Echo",
	Input:  "dfproto.StringMessage",
	Output: "dfproto.StringMessage",
}

func stringReply(value string) dftest.Reply {
	msg := &dfproto.StringMessage{Value: value}
	return dftest.Reply{Data: msg.Marshal()}
}

func registerHandlers(server *dftest.Server) {
	server.HandleCore("GetVersion", func([]byte) dftest.Reply {
		return stringReply(testDFHackVersion)
	})
	server.HandleCore("RunCommand", func(input []byte) dftest.Reply {
		var req dfproto.CoreRunCommandRequest
		if err := req.Unmarshal(input); err != nil {
			return dftest.Reply{Result: wire.WrongUsage}
		}
		if req.Command == "missing" {
			return dftest.Reply{
				Texts:  []string{"missing: command not found\n"},
				Result: wire.NotFound,
			}
		}
		return dftest.Reply{Texts: []string{"ran ", req.Command}}
	})
	server.Handle(echoProcedure.Plugin, echoProcedure.Name, echoProcedure.Input, echoProcedure.Output, func(input []byte) dftest.Reply {
		return dftest.Reply{Data: input}
	})
}

func procedures() []dfproto.Procedure {
	return append(dfproto.CoreProcedures(), echoProcedure)
}

func tcpPort(t testing.TB, addr net.Addr) int {
	t.Helper()
	tcpAddr, ok := addr.(*net.TCPAddr)
	require.True(t, ok)
	return tcpAddr.Port
}

func startTCPServer(t testing.TB, conf dftest.Config) (*dftest.Server, rpc.ClientTransport) {
	t.Helper()

	transport := tcp.NewServerTransport(tcp.ServerTransportConfig{
		Host:    "127.0.0.1",
		NoDelay: true,
	})
	conf.Transport = transport
	server := dftest.NewServer(conf)
	registerHandlers(server)
	require.NoError(t, server.Start())
	t.Cleanup(func() {
		server.Close()
	})

	return server, tcp.NewClientTransport(tcp.ClientTransportConfig{
		Host:    "127.0.0.1",
		Port:    tcpPort(t, transport.Addr()),
		NoDelay: true,
	})
}

func startWebSocketServer(t testing.TB, conf dftest.Config) (*dftest.Server, rpc.ClientTransport) {
	t.Helper()

	transport := websocket.NewServerTransport(websocket.ServerTransportConfig{
		Host: "127.0.0.1",
	})
	conf.Transport = transport
	server := dftest.NewServer(conf)
	registerHandlers(server)
	require.NoError(t, server.Start())
	t.Cleanup(func() {
		server.Close()
	})

	return server, websocket.NewClientTransport(websocket.ClientTransportConfig{
		Host: "127.0.0.1",
		Port: tcpPort(t, transport.Addr()),
	})
}

func startUnixServer(t testing.TB, conf dftest.Config) (*dftest.Server, rpc.ClientTransport) {
	t.Helper()

	// socket paths are length limited, keep it short
	dir, err := os.MkdirTemp("", "dfr")
	require.NoError(t, err)
	t.Cleanup(func() {
		os.RemoveAll(dir)
	})
	socketPath := filepath.Join(dir, "df.sock")

	conf.Transport = unix.NewServerTransport(unix.ServerTransportConfig{
		SocketPath: socketPath,
	})
	server := dftest.NewServer(conf)
	registerHandlers(server)
	require.NoError(t, server.Start())
	t.Cleanup(func() {
		server.Close()
	})

	return server, unix.NewClientTransport(unix.ClientTransportConfig{
		SocketPath: socketPath,
	})
}

func connectClient(t testing.TB, transport rpc.ClientTransport) *rpc.Client {
	t.Helper()

	client := rpc.NewClient(rpc.ClientConfig{
		Transport:  transport,
		Procedures: procedures(),
		ErrHandler: func(err error) {
			require.NoError(t, err)
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	t.Cleanup(func() {
		client.Close()
	})
	return client
}

func TestClientBindsDeclaredMethodsTCP(t *testing.T) {
	server, transport := startTCPServer(t, dftest.Config{})
	client := connectClient(t, transport)

	// only procedures whose message types are registered go over the wire
	assert.Equal(t, []string{
		"RunCommand",
		"CoreSuspend",
		"CoreResume",
		"RunLua",
		"GetVersion",
		"GetDFVersion",
		testPlugin + "::Echo",
	}, server.Binds())

	id, err := client.MethodID("BindMethod")
	require.NoError(t, err)
	assert.Equal(t, wire.BindMethodID, id)

	id, err = client.MethodID("RunCommand")
	require.NoError(t, err)
	assert.Equal(t, int16(1), id)

	id, err = client.MethodID("GetVersion")
	require.NoError(t, err)
	assert.Equal(t, int16(2), id)

	_, err = client.MethodID("CoreSuspend")
	assert.ErrorIs(t, err, rpc.ErrNotBound)

	methods := client.Methods()
	require.Len(t, methods, len(procedures()))
	for _, m := range methods {
		if m.Name == "CoreSuspend" {
			assert.False(t, m.Bound)
			assert.ErrorIs(t, m.Err, rpc.ErrRejected)
		}
		if m.Name == "GetWorldInfo" {
			assert.False(t, m.Bound)
			assert.Error(t, m.Err)
		}
	}

	resp, err := client.Invoke(context.Background(), "GetVersion", &dfproto.EmptyMessage{})
	require.NoError(t, err)
	assert.Equal(t, wire.OK, resp.Result)
	assert.Empty(t, resp.Texts)
	assert.Equal(t, testDFHackVersion, resp.Value.(*dfproto.StringMessage).Value)
}

func TestClientUnavailableMethodIsUsageError(t *testing.T) {
	transport := tcp.NewServerTransport(tcp.ServerTransportConfig{Host: "127.0.0.1"})
	server := dftest.NewServer(dftest.Config{Transport: transport})
	server.Handle(echoProcedure.Plugin, echoProcedure.Name, echoProcedure.Input, echoProcedure.Output, func(input []byte) dftest.Reply {
		return dftest.Reply{Data: input}
	})
	require.NoError(t, server.Start())
	t.Cleanup(func() {
		server.Close()
	})

	client := connectClient(t, tcp.NewClientTransport(tcp.ClientTransportConfig{
		Host: "127.0.0.1",
		Port: tcpPort(t, transport.Addr()),
	}))

	_, err := client.Call(context.Background(), "GetVersion", &dfproto.EmptyMessage{})
	assert.ErrorIs(t, err, rpc.ErrNotBound)

	_, err = client.Call(context.Background(), "NoSuchMethod", nil)
	assert.ErrorIs(t, err, rpc.ErrNotBound)

	assert.Equal(t, 0, server.Calls())
}

func TestClientNotReadyBeforeConnect(t *testing.T) {
	client := rpc.NewClient(rpc.ClientConfig{
		Transport: tcp.NewClientTransport(tcp.ClientTransportConfig{Host: "127.0.0.1", Port: 1}),
	})

	assert.False(t, client.Ready())
	_, err := client.Invoke(context.Background(), "GetVersion", &dfproto.EmptyMessage{})
	assert.ErrorIs(t, err, rpc.ErrNotReady)
	assert.NoError(t, client.Close())
}

func TestClientConnectFailure(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := tcpPort(t, listener.Addr())
	listener.Close()

	var handled int32
	client := rpc.NewClient(rpc.ClientConfig{
		Transport: tcp.NewClientTransport(tcp.ClientTransportConfig{Host: "127.0.0.1", Port: port}),
		ErrHandler: func(err error) {
			atomic.AddInt32(&handled, 1)
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = client.Connect(ctx)
	require.Error(t, err)
	t.Logf("Connection error: %v", err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&handled))
	assert.False(t, client.Ready())
}

func TestClientCallErrorCarriesTexts(t *testing.T) {
	_, transport := startTCPServer(t, dftest.Config{})
	client := connectClient(t, transport)

	req := &dfproto.CoreRunCommandRequest{Command: "missing"}
	resp, err := client.Invoke(context.Background(), "RunCommand", req)

	var callErr *rpc.CallError
	require.True(t, errors.As(err, &callErr))
	assert.Equal(t, "RunCommand", callErr.Method)
	assert.Equal(t, wire.NotFound, callErr.Result)
	assert.Len(t, callErr.Texts, 1)

	require.NotNil(t, resp)
	assert.Nil(t, resp.Value)
	assert.Equal(t, wire.NotFound, resp.Result)
	assert.Len(t, resp.Texts, 1)

	// a failed call leaves the connection usable
	resp, err = client.Invoke(context.Background(), "RunCommand", &dfproto.CoreRunCommandRequest{Command: "help"})
	require.NoError(t, err)
	assert.Len(t, resp.Texts, 2)
}

func TestClientTypedInvoke(t *testing.T) {
	_, transport := startTCPServer(t, dftest.Config{})
	client := connectClient(t, transport)

	out, resp, err := rpc.Invoke[*dfproto.StringMessage, *dfproto.StringMessage](
		context.Background(), client, "Echo", &dfproto.StringMessage{Value: "urist"})
	require.NoError(t, err)
	assert.Equal(t, "urist", out.Value)
	assert.Equal(t, wire.OK, resp.Result)

	_, _, err = rpc.Invoke[*dfproto.StringMessage, *dfproto.IntMessage](
		context.Background(), client, "Echo", &dfproto.StringMessage{Value: "urist"})
	assert.Error(t, err)

	// values of the wrong type never reach the wire
	_, err = client.Call(context.Background(), "Echo", &dfproto.IntMessage{Value: 1})
	assert.Error(t, err)
}

func TestClientConcurrentCallsTCP(t *testing.T) {
	_, transport := startTCPServer(t, dftest.Config{})
	client := connectClient(t, transport)

	var middlewareCount int32
	client.Middleware(func(ctx context.Context, req *rpc.Request, next rpc.Handler) (*rpc.Response, error) {
		atomic.AddInt32(&middlewareCount, 1)
		return next(ctx, req)
	})

	const numCalls = 50

	var wg sync.WaitGroup
	errs := make(chan error, numCalls)
	for i := 0; i < numCalls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			value := fmt.Sprintf("call-%d", i)
			out, _, err := rpc.Invoke[*dfproto.StringMessage, *dfproto.StringMessage](
				context.Background(), client, "Echo", &dfproto.StringMessage{Value: value})
			if err != nil {
				errs <- err
				return
			}
			if out.Value != value {
				errs <- fmt.Errorf("expected %s, got %s", value, out.Value)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(numCalls), atomic.LoadInt32(&middlewareCount))
}

func TestClientWebSocketChunked(t *testing.T) {
	server, transport := startWebSocketServer(t, dftest.Config{ChunkSize: 1})
	client := connectClient(t, transport)

	resp, err := client.Invoke(context.Background(), "GetVersion", &dfproto.EmptyMessage{})
	require.NoError(t, err)
	assert.Equal(t, testDFHackVersion, resp.Value.(*dfproto.StringMessage).Value)

	resp, err = client.Invoke(context.Background(), "RunCommand", &dfproto.CoreRunCommandRequest{Command: "ls"})
	require.NoError(t, err)
	require.Len(t, resp.Texts, 2)

	require.NoError(t, client.Close())
	require.Eventually(t, func() bool {
		return server.Quits() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClientUnixSocket(t *testing.T) {
	server, transport := startUnixServer(t, dftest.Config{ChunkSize: 3})
	client := connectClient(t, transport)

	out, _, err := rpc.Invoke[*dfproto.StringMessage, *dfproto.StringMessage](
		context.Background(), client, "Echo", &dfproto.StringMessage{Value: "strike the earth"})
	require.NoError(t, err)
	assert.Equal(t, "strike the earth", out.Value)

	require.NoError(t, client.Close())
	require.Eventually(t, func() bool {
		return server.Quits() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClientLegacyHeaderRevision(t *testing.T) {
	_, transport := startTCPServer(t, dftest.Config{Revision: wire.Revision6})

	client := rpc.NewClient(rpc.ClientConfig{
		Transport:  transport,
		Procedures: procedures(),
		Revision:   wire.Revision6,
	})
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	out, _, err := rpc.Invoke[*dfproto.StringMessage, *dfproto.StringMessage](
		context.Background(), client, "Echo", &dfproto.StringMessage{Value: "legacy"})
	require.NoError(t, err)
	assert.Equal(t, "legacy", out.Value)
}

func TestClientHandshakeMismatch(t *testing.T) {
	magic := wire.RequestMagic
	_, transport := startTCPServer(t, dftest.Config{Magic: &magic})

	errCh := make(chan error, 1)
	client := rpc.NewClient(rpc.ClientConfig{
		Transport: transport,
		ErrHandler: func(err error) {
			errCh <- err
		},
	})

	err := client.Connect(context.Background())
	assert.ErrorIs(t, err, wire.ErrHandshake)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, wire.ErrHandshake)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "error handler not called")
	}
	assert.False(t, client.Ready())
}

func TestClientCloseAndReconnect(t *testing.T) {
	server, transport := startTCPServer(t, dftest.Config{})
	client := connectClient(t, transport)

	require.NoError(t, client.Close())
	require.Eventually(t, func() bool {
		return server.Quits() == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err := client.Call(context.Background(), "GetVersion", &dfproto.EmptyMessage{})
	assert.ErrorIs(t, err, rpc.ErrClosed)

	require.NoError(t, client.Connect(context.Background()))
	assert.ErrorIs(t, client.Connect(context.Background()), rpc.ErrAlreadyOpen)

	value, err := client.Call(context.Background(), "GetVersion", &dfproto.EmptyMessage{})
	require.NoError(t, err)
	assert.Equal(t, testDFHackVersion, value.(*dfproto.StringMessage).Value)
}
