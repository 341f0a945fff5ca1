package rpc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/kbirk/dfremote/pkg/dfproto"
	"github.com/kbirk/dfremote/pkg/log"
	"github.com/kbirk/dfremote/pkg/schema"
	"github.com/kbirk/dfremote/pkg/wire"
)

type ClientConfig struct {
	Transport ClientTransport
	// Procedures are bound on Connect, in order. Defaults to
	// dfproto.CoreProcedures().
	Procedures []dfproto.Procedure
	// Schemas resolves the procedures' message types. Defaults to
	// dfproto.NewCoreRegistry().
	Schemas *schema.Registry
	// Revision selects the frame header layout.
	Revision       wire.Revision
	MaxPayloadSize int32
	CloseGrace     time.Duration
	ErrHandler     func(error)
	middleware     []Middleware
	Logger         log.Logger
}

// Method is a declared procedure and the outcome of binding it.
type Method struct {
	Name   string
	Plugin string
	Input  string
	Output string
	ID     int16
	Bound  bool
	// Err says why the method is unbound.
	Err error

	in  schema.Codec
	out schema.Codec
}

// Client binds the declared procedures on a connection to a DFHack server
// and exposes them as callables.
type Client struct {
	conf    ClientConfig
	mu      *sync.Mutex
	runner  *Runner
	methods map[string]*Method
	order   []string
	ready   bool
}

func NewClient(conf ClientConfig) *Client {
	if conf.Procedures == nil {
		conf.Procedures = dfproto.CoreProcedures()
	}
	if conf.Schemas == nil {
		conf.Schemas = dfproto.NewCoreRegistry()
	}
	return &Client{
		conf:    conf,
		mu:      &sync.Mutex{},
		methods: make(map[string]*Method),
	}
}

func (c *Client) Middleware(middleware Middleware) {
	c.conf.middleware = append(c.conf.middleware, middleware)
}

func (c *Client) GetMiddleware() []Middleware {
	return c.conf.middleware
}

func (c *Client) logDebug(msg string) {
	if c.conf.Logger != nil {
		c.conf.Logger.Debug(msg)
	}
}

func (c *Client) logInfo(msg string) {
	if c.conf.Logger != nil {
		c.conf.Logger.Info(msg)
	}
}

func (c *Client) logWarn(msg string) {
	if c.conf.Logger != nil {
		c.conf.Logger.Warn(msg)
	}
}

// Connect opens a connection and binds every declared procedure, one at a
// time. Procedures the server refuses, or whose message types are not in the
// schema registry, stay unbound. Connect may be called again once the
// previous connection has closed.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.runner != nil {
		if state := c.runner.State(); state != StateClosed {
			c.mu.Unlock()
			return ErrAlreadyOpen
		}
	}
	runner := NewRunner(RunnerConfig{
		Transport: c.conf.Transport,
		Codec: wire.NewCodec(wire.CodecConfig{
			Revision:       c.conf.Revision,
			MaxPayloadSize: c.conf.MaxPayloadSize,
			Logger:         c.conf.Logger,
		}),
		ErrHandler: c.conf.ErrHandler,
		Logger:     c.conf.Logger,
		CloseGrace: c.conf.CloseGrace,
	})
	c.runner = runner
	c.methods = make(map[string]*Method)
	c.order = nil
	c.ready = false
	c.mu.Unlock()

	if err := runner.Open(ctx); err != nil {
		return err
	}

	methods, order, err := c.bindAll(ctx)
	if err != nil {
		runner.Close()
		return err
	}

	c.mu.Lock()
	c.methods = methods
	c.order = order
	c.ready = true
	c.mu.Unlock()

	c.logInfo(fmt.Sprintf("Bound %d of %d methods", countBound(methods), len(order)))
	return nil
}

func countBound(methods map[string]*Method) int {
	n := 0
	for _, m := range methods {
		if m.Bound {
			n++
		}
	}
	return n
}

func (c *Client) bindAll(ctx context.Context) (map[string]*Method, []string, error) {
	methods := make(map[string]*Method)
	var order []string

	for _, proc := range c.conf.Procedures {
		if _, ok := methods[proc.Name]; ok {
			c.logWarn("Skipping duplicate method: " + proc.Name)
			continue
		}
		m := &Method{
			Name:   proc.Name,
			Plugin: proc.Plugin,
			Input:  proc.Input,
			Output: proc.Output,
		}
		methods[proc.Name] = m
		order = append(order, proc.Name)

		in, inErr := c.conf.Schemas.Lookup(proc.Input)
		out, outErr := c.conf.Schemas.Lookup(proc.Output)
		if inErr != nil || outErr != nil {
			m.Err = errors.Join(inErr, outErr)
			c.logDebug(fmt.Sprintf("Not binding %s: %s", proc.Name, m.Err))
			continue
		}
		m.in = in
		m.out = out

		if proc.Name == dfproto.BindMethodName && proc.Plugin == "" {
			m.ID = wire.BindMethodID
			m.Bound = true
			continue
		}

		id, err := c.BindMethod(ctx, proc.Name, proc.Input, proc.Output, proc.Plugin)
		switch {
		case err == nil:
			m.ID = id
			m.Bound = true
			c.logDebug(fmt.Sprintf("Bound %s to id %d", proc.Name, id))
		case errors.Is(err, ErrRejected), errors.Is(err, wire.ErrIllegalReplyID):
			m.Err = err
			c.logInfo(fmt.Sprintf("Method %s is unavailable: %s", proc.Name, err))
		default:
			return nil, nil, fmt.Errorf("binding %s: %w", proc.Name, err)
		}
	}
	return methods, order, nil
}

func (c *Client) currentRunner() (*Runner, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runner == nil {
		return nil, fmt.Errorf("%w: not connected", ErrClosed)
	}
	return c.runner, nil
}

// BindMethod asks the server for the id of a procedure. A refusal returns an
// error wrapping ErrRejected.
func (c *Client) BindMethod(ctx context.Context, method string, input string, output string, plugin string) (int16, error) {
	runner, err := c.currentRunner()
	if err != nil {
		return 0, err
	}

	req := &dfproto.CoreBindRequest{
		Method:    method,
		InputMsg:  input,
		OutputMsg: output,
		Plugin:    plugin,
	}
	reply, err := runner.WriteRead(ctx, wire.NewMessage(wire.BindMethodID, req.Marshal()))
	if err != nil {
		return 0, err
	}
	if reply.Failed() {
		return 0, fmt.Errorf("%w: %s: %s", ErrRejected, method, reply.Result())
	}

	var resp dfproto.CoreBindReply
	if err := resp.Unmarshal(reply.Terminal().Data); err != nil {
		return 0, fmt.Errorf("decoding bind reply for %s: %w", method, err)
	}
	if resp.AssignedID <= 0 || resp.AssignedID > math.MaxInt16 {
		return 0, fmt.Errorf("%w: %s: assigned id %d out of range", ErrRejected, method, resp.AssignedID)
	}
	return int16(resp.AssignedID), nil
}

// Ready reports whether binding has finished on the current connection.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Method returns a bound method by name.
func (c *Client) Method(name string) (*Method, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.methodLocked(name)
}

// boundMethod returns a bound method together with the runner it was bound
// on. Ids are only valid on the connection that assigned them.
func (c *Client) boundMethod(name string) (*Method, *Runner, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, err := c.methodLocked(name)
	if err != nil {
		return nil, nil, err
	}
	if c.runner == nil {
		return nil, nil, fmt.Errorf("%w: not connected", ErrClosed)
	}
	return m, c.runner, nil
}

func (c *Client) methodLocked(name string) (*Method, error) {
	if !c.ready {
		return nil, ErrNotReady
	}
	m, ok := c.methods[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not declared", ErrNotBound, name)
	}
	if !m.Bound {
		return nil, fmt.Errorf("%w: %s", ErrNotBound, name)
	}
	return m, nil
}

func (c *Client) MethodID(name string) (int16, error) {
	m, err := c.Method(name)
	if err != nil {
		return 0, err
	}
	return m.ID, nil
}

// Methods returns every declared method, bound or not, in declaration order.
func (c *Client) Methods() []Method {
	c.mu.Lock()
	defer c.mu.Unlock()

	methods := make([]Method, 0, len(c.order))
	for _, name := range c.order {
		methods = append(methods, *c.methods[name])
	}
	return methods
}

// Invoke calls a bound method through the middleware chain. A FAIL reply is
// returned as a *CallError alongside the response carrying its texts.
func (c *Client) Invoke(ctx context.Context, name string, value any) (*Response, error) {
	m, runner, err := c.boundMethod(name)
	if err != nil {
		return nil, err
	}

	final := func(ctx context.Context, req *Request) (*Response, error) {
		return c.call(ctx, runner, m, req.Value)
	}
	return ApplyHandlerChain(ctx, &Request{Method: name, Value: value}, c.conf.middleware, final)
}

// Call is Invoke without the text notifications.
func (c *Client) Call(ctx context.Context, name string, value any) (any, error) {
	resp, err := c.Invoke(ctx, name, value)
	if err != nil {
		return nil, err
	}
	return resp.Value, nil
}

func (c *Client) call(ctx context.Context, runner *Runner, m *Method, value any) (*Response, error) {
	data, err := m.in.Encode(value)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", m.Name, err)
	}

	reply, err := runner.WriteRead(ctx, wire.NewMessage(m.ID, data))
	if err != nil {
		return nil, err
	}

	resp := &Response{
		Texts:  reply.Texts(),
		Result: reply.Result(),
	}
	if reply.Failed() {
		callErr := &CallError{
			Method: m.Name,
			Result: resp.Result,
			Texts:  resp.Texts,
		}
		c.logWarn(callErr.Error())
		return resp, callErr
	}

	resp.Value, err = m.out.Decode(reply.Terminal().Data)
	if err != nil {
		return resp, fmt.Errorf("decoding %s: %w", m.Name, err)
	}
	return resp, nil
}

// Close ends the current connection.
func (c *Client) Close() error {
	c.mu.Lock()
	runner := c.runner
	c.mu.Unlock()

	if runner == nil {
		return nil
	}
	return runner.Close()
}

// Invoke calls a bound method and asserts the decoded value's type.
func Invoke[In any, Out any](ctx context.Context, c *Client, name string, in In) (Out, *Response, error) {
	var zero Out
	resp, err := c.Invoke(ctx, name, in)
	if err != nil {
		return zero, resp, err
	}
	out, ok := resp.Value.(Out)
	if !ok {
		return zero, resp, fmt.Errorf("%w: %s returned %T, expected %T", schema.ErrValueType, name, resp.Value, zero)
	}
	return out, resp, nil
}
