// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	metrics "github.com/rcrowley/go-metrics"
	"go.uber.org/zap"

	"github.com/luxfi/fabric/transport"
)

// Caller is the call surface shared by Client, Composite and GRPCClient.
type Caller interface {
	// CallRaw sends payload to method m. Request/response callers return the
	// reply payload; oneway callers return nil once the write completes.
	CallRaw(ctx context.Context, m MethodID, payload []byte) ([]byte, error)

	// Call encodes args, calls m and decodes the reply into reply (which may
	// be nil).
	Call(ctx context.Context, m MethodID, args, reply interface{}) error

	Close() error
}

// DefaultCallTimeout bounds calls whose context carries no deadline.
const DefaultCallTimeout = 15 * time.Second

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	service     *ServiceDesc
	codec       Codec
	callTimeout time.Duration
	logger      *zap.Logger
	registry    metrics.Registry
	transport   []transport.Option
}

// WithServiceDesc makes the client reject method ids sd does not declare
// without touching the network.
func WithServiceDesc(sd *ServiceDesc) ClientOption {
	return func(o *clientOptions) { o.service = sd }
}

// WithCodec sets a custom codec
func WithCodec(c Codec) ClientOption {
	return func(o *clientOptions) { o.codec = c }
}

func WithCallTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) { o.callTimeout = d }
}

func WithLogger(l *zap.Logger) ClientOption {
	return func(o *clientOptions) { o.logger = l }
}

// WithRegistry sets where call counters are registered.
func WithRegistry(r metrics.Registry) ClientOption {
	return func(o *clientOptions) { o.registry = r }
}

// WithTransport passes options to the transport Dial builds.
func WithTransport(opts ...transport.Option) ClientOption {
	return func(o *clientOptions) { o.transport = append(o.transport, opts...) }
}

func newClientOptions(opts []ClientOption) clientOptions {
	o := clientOptions{
		codec:       defaultCodec,
		callTimeout: DefaultCallTimeout,
		logger:      zap.NewNop(),
		registry:    metrics.DefaultRegistry,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Client is one outbound call endpoint bound to one transport.
//
// Request/response calls open a connection per call, so one call owns its
// connection for the call's duration. Oneway calls over stream transports do
// the same; over datagram transports they share one persistent socket.
type Client struct {
	t     transport.Transport
	opts  clientOptions
	stats *clientStats
	log   *zap.Logger

	nextID atomic.Uint32
	closed atomic.Bool

	mu   sync.Mutex
	conn transport.Conn
}

// NewClient binds a client to t. The client owns t and closes it on Close.
func NewClient(t transport.Transport, opts ...ClientOption) *Client {
	o := newClientOptions(opts)
	d := t.Descriptor()
	return &Client{
		t:     t,
		opts:  o,
		stats: newClientStats(o.registry, "rpc.client."+d.String()),
		log:   o.logger.With(zap.Stringer("peer", d)),
	}
}

func (c *Client) Descriptor() transport.Descriptor { return c.t.Descriptor() }

func (c *Client) Oneway() bool { return c.t.Oneway() }

// Stats returns the client's counters.
func (c *Client) Stats() ClientStats { return c.stats.snapshot() }

func (c *Client) CallRaw(ctx context.Context, m MethodID, payload []byte) ([]byte, error) {
	if c.closed.Load() {
		return nil, newError(KindConnect, m, ErrClosed)
	}
	if sd := c.opts.service; sd != nil {
		if _, ok := sd.Method(m); !ok {
			return nil, errorf(KindUnknownMethod, m, "not declared by %s", sd.Name)
		}
	}
	if _, ok := ctx.Deadline(); !ok && c.opts.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.callTimeout)
		defer cancel()
	}

	c.stats.calls.Inc(1)

	var (
		reply []byte
		err   error
	)
	if c.t.Oneway() {
		err = c.send(ctx, m, payload)
	} else {
		reply, err = c.roundTrip(ctx, m, payload)
	}
	if err != nil {
		c.stats.failures.Inc(1)
		c.log.Debug("call failed", zap.Uint32("method", uint32(m)), zap.Error(err))
		return nil, err
	}
	return reply, nil
}

func (c *Client) Call(ctx context.Context, m MethodID, args, reply interface{}) error {
	var payload []byte
	if args != nil {
		var err error
		if payload, err = c.opts.codec.Encode(args); err != nil {
			return &Error{Kind: KindHandler, Method: m, Msg: "encode arguments", Err: err}
		}
	}

	resp, err := c.CallRaw(ctx, m, payload)
	if err != nil {
		return err
	}

	if reply != nil && len(resp) > 0 {
		if err := c.opts.codec.Decode(resp, reply); err != nil {
			return &Error{Kind: KindFrameDecode, Method: m, Msg: "decode reply", Err: err}
		}
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, m MethodID, payload []byte) ([]byte, error) {
	conn, err := c.t.Connect(ctx)
	if err != nil {
		return nil, newError(KindConnect, m, err)
	}
	defer conn.Close()

	id := c.nextID.Add(1)
	req := frame{typ: MsgRequest, call: id, method: m, payload: payload}.encode()
	if err := conn.Send(ctx, req); err != nil {
		return nil, newError(KindIO, m, err)
	}
	c.stats.bytesOut.Inc(int64(len(req)))

	b, err := conn.Recv(ctx)
	if err != nil {
		return nil, newError(KindIO, m, err)
	}
	resp, err := decodeFrame(b)
	if err != nil {
		return nil, err
	}

	switch resp.typ {
	case MsgResponse:
		if resp.call != id || resp.method != m {
			return nil, errorf(KindFrameDecode, m, "response for call %d method %d, want call %d", resp.call, resp.method, id)
		}
		return resp.payload, nil
	case MsgError:
		// Call id 0 answers a request the server could not decode.
		if resp.call != id && resp.call != 0 {
			return nil, errorf(KindFrameDecode, m, "error for call %d, want call %d", resp.call, id)
		}
		return nil, parseErrorPayload(m, resp.payload)
	default:
		return nil, errorf(KindFrameDecode, m, "unexpected %v frame", resp.typ)
	}
}

func (c *Client) send(ctx context.Context, m MethodID, payload []byte) error {
	msg := frame{typ: MsgNotify, call: c.nextID.Add(1), method: m, payload: payload}.encode()

	if c.t.Descriptor().Kind.Datagram() {
		conn, err := c.persistent(ctx)
		if err != nil {
			return newError(KindConnect, m, err)
		}
		if err := conn.Send(ctx, msg); err != nil {
			c.drop(conn)
			return newError(KindIO, m, err)
		}
		c.stats.bytesOut.Inc(int64(len(msg)))
		return nil
	}

	conn, err := c.t.Connect(ctx)
	if err != nil {
		return newError(KindConnect, m, err)
	}
	defer conn.Close()
	if err := conn.Send(ctx, msg); err != nil {
		return newError(KindIO, m, err)
	}
	c.stats.bytesOut.Inc(int64(len(msg)))
	return nil
}

func (c *Client) persistent(ctx context.Context) (transport.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := c.t.Connect(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return conn, nil
}

// drop discards a persistent socket after a failed send so the next call
// opens a fresh one.
func (c *Client) drop(conn transport.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}

// Close releases the client's transport.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	return c.t.Close()
}
