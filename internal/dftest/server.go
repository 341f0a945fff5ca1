// Package dftest provides an in-process stand-in for a DFHack server,
// speaking the remote protocol over any rpc.ServerTransport.
package dftest

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kbirk/dfremote/pkg/dfproto"
	"github.com/kbirk/dfremote/pkg/log"
	"github.com/kbirk/dfremote/pkg/rpc"
	"github.com/kbirk/dfremote/pkg/serialize"
	"github.com/kbirk/dfremote/pkg/wire"
)

// Reply is what a handler answers. A Result other than wire.OK is sent as a
// FAIL frame and Data is ignored. Raw, when set, is written as is instead.
type Reply struct {
	Texts  []string
	Data   []byte
	Result wire.CommandResult
	Raw    []byte
}

type Handler func(input []byte) Reply

type Config struct {
	Transport rpc.ServerTransport
	Revision  wire.Revision
	// Magic replaces the handshake response magic when set.
	Magic *[wire.MagicSize]byte
	// ChunkSize splits every reply into sends of at most this many bytes.
	ChunkSize int
	Logger    log.Logger
}

type method struct {
	id      int16
	plugin  string
	name    string
	input   string
	output  string
	handler Handler
}

// Server binds methods the way DFHack does: ids are handed out in bind
// order, starting after the bind procedure's id 0.
type Server struct {
	conf Config

	mu      *sync.Mutex
	methods map[string]*method
	byID    map[int16]*method
	nextID  int16
	binds   []string
	conns   map[rpc.Connection]struct{}
	wg      *sync.WaitGroup
	quits   int32
	calls   int32
}

func NewServer(conf Config) *Server {
	return &Server{
		conf:    conf,
		mu:      &sync.Mutex{},
		methods: make(map[string]*method),
		byID:    make(map[int16]*method),
		nextID:  1,
		conns:   make(map[rpc.Connection]struct{}),
		wg:      &sync.WaitGroup{},
	}
}

func methodKey(plugin string, name string) string {
	if plugin == "" {
		return name
	}
	return plugin + "::" + name
}

func (s *Server) logDebug(msg string) {
	if s.conf.Logger != nil {
		s.conf.Logger.Debug(msg)
	}
}

func (s *Server) logWarn(msg string) {
	if s.conf.Logger != nil {
		s.conf.Logger.Warn(msg)
	}
}

// Handle serves a procedure. Bind requests must name the same message types.
func (s *Server) Handle(plugin string, name string, input string, output string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.methods[methodKey(plugin, name)] = &method{
		plugin:  plugin,
		name:    name,
		input:   input,
		output:  output,
		handler: handler,
	}
}

// HandleCore serves a core procedure using its declared message types.
func (s *Server) HandleCore(name string, handler Handler) {
	for _, proc := range dfproto.CoreProcedures() {
		if proc.Name == name {
			s.Handle("", name, proc.Input, proc.Output, handler)
			return
		}
	}
	panic(fmt.Sprintf("unknown core procedure %s", name))
}

// Start listens on the transport and serves every accepted connection.
func (s *Server) Start() error {
	if err := s.conf.Transport.Listen(); err != nil {
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.conf.Transport.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.conns[conn] = struct{}{}
			s.mu.Unlock()

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.serve(conn)
			}()
		}
	}()
	return nil
}

// Close stops the transport and drops every open connection.
func (s *Server) Close() error {
	err := s.conf.Transport.Close()

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

// Quits is the number of QUIT frames received.
func (s *Server) Quits() int {
	return int(atomic.LoadInt32(&s.quits))
}

// Calls is the number of procedure calls served, binds excluded.
func (s *Server) Calls() int {
	return int(atomic.LoadInt32(&s.calls))
}

// Binds returns the bind requests received so far, as plugin::name.
func (s *Server) Binds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.binds...)
}

func (s *Server) serve(conn rpc.Connection) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	buf := serialize.NewAccumulator()
	shookHands := false
	headerSize := s.conf.Revision.HeaderSize()

	for {
		chunk, err := conn.Receive()
		if err != nil {
			return
		}
		buf.Append(chunk)

		if !shookHands {
			hs, ok := buf.Peek(wire.HandshakeSize)
			if !ok {
				continue
			}
			if !bytes.Equal(hs[:wire.MagicSize], wire.RequestMagic[:]) {
				s.logWarn("Bad handshake from client")
				return
			}
			buf.Consume(wire.HandshakeSize)
			shookHands = true

			magic := wire.ResponseMagic
			if s.conf.Magic != nil {
				magic = *s.conf.Magic
			}
			if err := s.send(conn, wire.Handshake(magic)); err != nil {
				return
			}
		}

		for {
			hb, ok := buf.Peek(headerSize)
			if !ok {
				break
			}
			var h wire.Header
			if err := wire.DeserializeHeader(&h, s.conf.Revision, serialize.NewReader(hb)); err != nil {
				return
			}
			if h.ID == wire.QuitID {
				atomic.AddInt32(&s.quits, 1)
				s.logDebug("Client sent QUIT")
				return
			}
			if !wire.ValidSize(h.Size) {
				s.logWarn(fmt.Sprintf("Bad frame size %d", h.Size))
				return
			}
			if buf.Len() < headerSize+int(h.Size) {
				break
			}
			frame := buf.Consume(headerSize + int(h.Size))

			out := s.handle(h.ID, frame[headerSize:])
			if err := s.send(conn, out); err != nil {
				return
			}
		}
	}
}

func (s *Server) handle(id int16, input []byte) []byte {
	if id == wire.BindMethodID {
		return s.bind(input)
	}

	s.mu.Lock()
	m, ok := s.byID[id]
	s.mu.Unlock()
	if !ok {
		return wire.AppendFail(nil, s.conf.Revision, wire.NotFound)
	}

	atomic.AddInt32(&s.calls, 1)
	return s.encode(m.handler(input))
}

func (s *Server) bind(input []byte) []byte {
	var req dfproto.CoreBindRequest
	if err := req.Unmarshal(input); err != nil {
		return wire.AppendFail(nil, s.conf.Revision, wire.WrongUsage)
	}

	key := methodKey(req.Plugin, req.Method)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.binds = append(s.binds, key)
	m, ok := s.methods[key]
	if !ok {
		return wire.AppendFail(nil, s.conf.Revision, wire.NotFound)
	}
	if m.input != req.InputMsg || m.output != req.OutputMsg {
		return wire.AppendFail(nil, s.conf.Revision, wire.Failure)
	}
	if m.id == 0 {
		m.id = s.nextID
		s.nextID++
		s.byID[m.id] = m
	}

	reply := dfproto.CoreBindReply{AssignedID: int32(m.id)}
	return wire.AppendFrame(nil, s.conf.Revision, wire.NewMessage(wire.ResultID, reply.Marshal()))
}

func (s *Server) encode(reply Reply) []byte {
	if reply.Raw != nil {
		return reply.Raw
	}
	var out []byte
	for _, text := range reply.Texts {
		note := dfproto.CoreTextNotification{
			Fragments: []dfproto.CoreTextFragment{{Text: text}},
		}
		out = wire.AppendFrame(out, s.conf.Revision, wire.NewMessage(wire.TextID, note.Marshal()))
	}
	if reply.Result != wire.OK {
		return wire.AppendFail(out, s.conf.Revision, reply.Result)
	}
	return wire.AppendFrame(out, s.conf.Revision, wire.NewMessage(wire.ResultID, reply.Data))
}

func (s *Server) send(conn rpc.Connection, data []byte) error {
	chunk := s.conf.ChunkSize
	if chunk <= 0 {
		chunk = len(data)
	}
	for len(data) > 0 {
		n := min(chunk, len(data))
		if err := conn.Send(data[:n]); err != nil {
			return fmt.Errorf("dftest: send: %w", err)
		}
		data = data[n:]
	}
	return nil
}
