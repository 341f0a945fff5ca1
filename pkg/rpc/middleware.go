package rpc

import (
	"context"
	"fmt"
	"time"

	"github.com/kbirk/dfremote/pkg/log"
	"github.com/kbirk/dfremote/pkg/wire"
	"golang.org/x/time/rate"
)

// Request is a call to a bound procedure before encoding.
type Request struct {
	Method string
	Value  any
}

// Response is a decoded reply. Value is nil when the server answered FAIL.
type Response struct {
	Value  any
	Texts  []wire.Message
	Result wire.CommandResult
}

type Handler func(context.Context, *Request) (*Response, error)
type Middleware func(context.Context, *Request, Handler) (*Response, error)

func buildHandlerFunction(middleware []Middleware, final Handler) Handler {

	// apply middleware from parent down

	// start with the final handler
	chain := final

	// loop backwards through the middleware slice
	for i := len(middleware) - 1; i >= 0; i-- {
		// capture the current middleware handler
		m := middleware[i]

		// wrap the current chain with the current middleware
		next := chain
		chain = func(ctx context.Context, req *Request) (*Response, error) {
			return m(ctx, req, next)
		}
	}

	// return the fully chained handler
	return chain
}

func ApplyHandlerChain(ctx context.Context, req *Request, middleware []Middleware, final Handler) (*Response, error) {
	fn := buildHandlerFunction(middleware, final)
	return fn(ctx, req)
}

// RateLimit delays calls until the limiter allows them.
func RateLimit(limiter *rate.Limiter) Middleware {
	return func(ctx context.Context, req *Request, next Handler) (*Response, error) {
		if err := limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit %s: %w", req.Method, err)
		}
		return next(ctx, req)
	}
}

// Timeout bounds how long a caller waits for its reply. The call itself is
// not cancelled: a late reply is still consumed in order and dropped.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, req *Request, next Handler) (*Response, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return next(ctx, req)
	}
}

// Logging logs every call and its outcome at debug level, failures at warn.
func Logging(logger log.Logger) Middleware {
	return func(ctx context.Context, req *Request, next Handler) (*Response, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		elapsed := time.Since(start)
		if err != nil {
			logger.Warn(fmt.Sprintf("Call %s failed after %s: %s", req.Method, elapsed, err))
			return resp, err
		}
		logger.Debug(fmt.Sprintf("Call %s returned %s after %s with %d text notifications",
			req.Method, resp.Result, elapsed, len(resp.Texts)))
		return resp, nil
	}
}
