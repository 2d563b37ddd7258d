// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"
	"go.uber.org/zap"

	"github.com/luxfi/fabric/transport"
)

// DefaultDrainTimeout bounds how long Close waits for in-flight calls.
const DefaultDrainTimeout = 5 * time.Second

// State is the server's coarse lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateAccepting
	StateDispatching
	StateResponding
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccepting:
		return "accepting"
	case StateDispatching:
		return "dispatching"
	case StateResponding:
		return "responding"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ServerOption configures servers
type ServerOption func(*serverOptions)

type serverOptions struct {
	table        *Table
	logger       *zap.Logger
	registry     metrics.Registry
	drainTimeout time.Duration
	transport    []transport.Option
}

// WithTable serves an existing dispatch table, which may be shared between
// servers.
func WithTable(t *Table) ServerOption {
	return func(o *serverOptions) { o.table = t }
}

func WithServerLogger(l *zap.Logger) ServerOption {
	return func(o *serverOptions) { o.logger = l }
}

func WithServerRegistry(r metrics.Registry) ServerOption {
	return func(o *serverOptions) { o.registry = r }
}

func WithDrainTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) { o.drainTimeout = d }
}

// WithServerTransport passes options to the transport Listen builds.
func WithServerTransport(opts ...transport.Option) ServerOption {
	return func(o *serverOptions) { o.transport = append(o.transport, opts...) }
}

// Server accepts calls on one transport and dispatches them through a Table.
// Each accepted connection carries exactly one request; datagram transports
// deliver each datagram as its own connection.
type Server struct {
	t     transport.Transport
	table *Table
	opts  serverOptions
	stats *serverStats
	log   *zap.Logger

	// base is the parent of every handler context. It is cancelled once
	// Close gives up draining.
	base     context.Context
	stopBase context.CancelFunc

	mu      sync.Mutex
	l       transport.Listener
	cancel  context.CancelFunc
	conns   map[transport.Conn]struct{}
	serving bool
	closed  bool

	inflight    sync.WaitGroup
	dispatching atomic.Int32
	responding  atomic.Int32
}

// NewServer binds a server to t. The server owns t and closes it on Close.
func NewServer(t transport.Transport, opts ...ServerOption) *Server {
	o := serverOptions{
		logger:       zap.NewNop(),
		registry:     metrics.DefaultRegistry,
		drainTimeout: DefaultDrainTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.table == nil {
		o.table = NewTable()
	}

	d := t.Descriptor()
	base, stop := context.WithCancel(context.Background())
	return &Server{
		t:        t,
		table:    o.table,
		opts:     o,
		stats:    newServerStats(o.registry, "rpc.server."+d.String()),
		log:      o.logger.With(zap.Stringer("transport", d)),
		base:     base,
		stopBase: stop,
		conns:    make(map[transport.Conn]struct{}),
	}
}

// Register adds or replaces the handler for m.
func (s *Server) Register(m MethodID, h RawHandler) {
	s.table.Register(m, h)
}

func (s *Server) RegisterService(sd *ServiceDesc) error {
	return s.table.RegisterService(sd)
}

func (s *Server) Table() *Table { return s.table }

// Stats returns the server's counters.
func (s *Server) Stats() ServerStats { return s.stats.snapshot() }

// Listen binds the transport. Serve calls it when needed; calling it first
// lets the caller learn the bound Descriptor before serving.
func (s *Server) Listen(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return newError(KindConnect, 0, ErrClosed)
	}
	if s.l != nil {
		return nil
	}
	l, err := s.t.Listen(ctx)
	if err != nil {
		return newError(KindConnect, 0, err)
	}
	s.l = l
	return nil
}

// Descriptor is the bound address once listening, otherwise the configured
// one.
func (s *Server) Descriptor() transport.Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.l != nil {
		return s.l.Descriptor()
	}
	return s.t.Descriptor()
}

func (s *Server) State() State {
	s.mu.Lock()
	closed, serving := s.closed, s.serving
	s.mu.Unlock()

	switch {
	case closed:
		return StateClosed
	case s.responding.Load() > 0:
		return StateResponding
	case s.dispatching.Load() > 0:
		return StateDispatching
	case serving:
		return StateAccepting
	default:
		return StateIdle
	}
}

// Serve runs the accept loop until Close is called (returning nil) or ctx
// is done (returning ctx.Err()). Cancelling ctx does not close the server.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if s.serving {
		s.mu.Unlock()
		return errors.New("rpc: server already serving")
	}
	s.serving = true
	s.cancel = cancel
	l := s.l
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.serving = false
		s.cancel = nil
		s.mu.Unlock()
	}()

	s.log.Info("serving", zap.Stringer("bound", l.Descriptor()))

	var backoff time.Duration
	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			if s.isClosed() || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			s.log.Warn("accept failed", zap.Error(err), zap.Duration("retry", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		backoff = 0

		if !s.track(conn) {
			conn.Close()
			return nil
		}
		go s.handle(conn)
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(conn transport.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.inflight.Add(1)
	return true
}

func (s *Server) untrack(conn transport.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.inflight.Done()
}

// handle reads one request, dispatches it and, for a request on a
// request/response transport, writes one response.
func (s *Server) handle(conn transport.Conn) {
	defer s.untrack(conn)
	defer conn.Close()

	ctx := s.base
	log := s.log.With(zap.String("remote", conn.Remote()))

	b, err := conn.Recv(ctx)
	if err != nil {
		if !transport.IsEOF(err) {
			log.Debug("read request failed", zap.Error(err))
		}
		return
	}
	s.stats.requests.Inc(1)

	req, err := decodeFrame(b)
	if err == nil && req.typ != MsgRequest && req.typ != MsgNotify {
		err = errorf(KindFrameDecode, req.method, "unexpected %v frame", req.typ)
	}
	if err != nil {
		s.stats.errors.Inc(1)
		log.Warn("malformed frame", zap.Error(err))
		if !s.t.Oneway() {
			s.respond(ctx, conn, log, frame{typ: MsgError, payload: errorPayload(KindFrameDecode, wireMessage(err))})
		}
		return
	}

	s.dispatching.Add(1)
	reply, err := s.table.Dispatch(ctx, req.method, req.payload)
	s.dispatching.Add(-1)

	if err != nil {
		kind := KindOf(err)
		if kind == KindUnknownMethod {
			s.stats.unknown.Inc(1)
		} else {
			s.stats.errors.Inc(1)
		}
		log.Warn("dispatch failed",
			zap.Uint32("method", uint32(req.method)),
			zap.Stringer("kind", kind),
			zap.Error(err),
		)
	} else {
		log.Debug("dispatched", zap.Uint32("method", uint32(req.method)), zap.Stringer("type", req.typ))
	}

	if req.typ != MsgRequest || s.t.Oneway() {
		return
	}

	resp := frame{typ: MsgResponse, call: req.call, method: req.method, payload: reply}
	if err != nil {
		resp.typ = MsgError
		resp.payload = errorPayload(KindOf(err), wireMessage(err))
	}
	s.respond(ctx, conn, log, resp)
}

func (s *Server) respond(ctx context.Context, conn transport.Conn, log *zap.Logger, f frame) {
	s.responding.Add(1)
	defer s.responding.Add(-1)

	if err := conn.Send(ctx, f.encode()); err != nil {
		log.Warn("write response failed", zap.Error(err))
		return
	}
	s.stats.responses.Inc(1)
}

// Close stops accepting, waits up to the drain timeout for in-flight calls,
// then closes any remaining connections and the transport.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	l, cancel := s.l, s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if l != nil {
		err = l.Close()
	}

	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(drained)
	}()

	timer := time.NewTimer(s.opts.drainTimeout)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
		s.mu.Lock()
		n := len(s.conns)
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
		s.log.Warn("drain timed out, closed in-flight connections", zap.Int("connections", n))
	}
	s.stopBase()

	if terr := s.t.Close(); err == nil {
		err = terr
	}
	s.log.Info("closed")
	return err
}
