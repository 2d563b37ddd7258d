// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Conn moves whole frames. Stream kinds length-prefix each frame; datagram
// kinds carry one frame per datagram.
type Conn interface {
	io.Closer

	// Send writes one frame. It honors the ctx deadline, falling back to the
	// transport's I/O timeout.
	Send(ctx context.Context, msg []byte) error

	// Recv reads one frame. A peer that closed the stream yields an *IOError
	// for which EOF() is true; a zero-length frame is returned as an empty
	// slice with a nil error.
	Recv(ctx context.Context) ([]byte, error)

	// Remote describes the other side, for logging.
	Remote() string
}

// Listener yields inbound connections. Datagram listeners yield one
// single-frame Conn per datagram.
type Listener interface {
	io.Closer

	// Accept blocks until a connection is available, ctx is done, or the
	// listener is closed.
	Accept(ctx context.Context) (Conn, error)

	// Descriptor is the bound address, with ephemeral ports resolved.
	Descriptor() Descriptor
}

// Transport connects to or listens on one Descriptor. Close releases every
// connection and listener the transport created.
type Transport interface {
	io.Closer

	Descriptor() Descriptor
	Oneway() bool

	Connect(ctx context.Context) (Conn, error)
	Listen(ctx context.Context) (Listener, error)
}

// Options tunes transports.
type Options struct {
	DialTimeout time.Duration
	IOTimeout   time.Duration
	MaxFrame    int

	// GroupPort is the UDP port shared by process-group members.
	GroupPort int
	// Interface is the network interface process groups join on; empty lets
	// the system choose.
	Interface string
	// GroupTTL bounds multicast hops.
	GroupTTL int

	Hub    *Hub
	Logger *zap.Logger
}

// Option configures a transport.
type Option func(*Options)

// WithDialTimeout bounds Connect. Non-positive values select
// DefaultDialTimeout.
func WithDialTimeout(d time.Duration) Option {
	return func(o *Options) { o.DialTimeout = d }
}

// WithIOTimeout bounds every Send and Recv whose ctx has no earlier
// deadline. Non-positive values select DefaultIOTimeout; I/O is never
// unbounded.
func WithIOTimeout(d time.Duration) Option {
	return func(o *Options) { o.IOTimeout = d }
}

func WithMaxFrame(n int) Option {
	return func(o *Options) { o.MaxFrame = n }
}

func WithGroupPort(port int) Option {
	return func(o *Options) { o.GroupPort = port }
}

func WithInterface(name string) Option {
	return func(o *Options) { o.Interface = name }
}

func WithGroupTTL(ttl int) Option {
	return func(o *Options) { o.GroupTTL = ttl }
}

func WithHub(h *Hub) Option {
	return func(o *Options) { o.Hub = h }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

const (
	DefaultDialTimeout = 5 * time.Second
	DefaultIOTimeout   = 10 * time.Second
	DefaultMaxFrame    = 64 * 1024 * 1024
	DefaultGroupPort   = 5405
	DefaultGroupTTL    = 1
)

func DefaultOptions() *Options {
	return &Options{
		DialTimeout: DefaultDialTimeout,
		IOTimeout:   DefaultIOTimeout,
		MaxFrame:    DefaultMaxFrame,
		GroupPort:   DefaultGroupPort,
		GroupTTL:    DefaultGroupTTL,
		Hub:         DefaultHub,
		Logger:      zap.NewNop(),
	}
}

// Factory builds a transport for a validated descriptor.
type Factory func(d Descriptor, o *Options) (Transport, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[Kind]Factory{}
)

// Register installs the factory for kind, replacing any previous one.
func Register(kind Kind, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[kind] = f
}

// Available returns the kinds with a registered factory.
func Available() []Kind {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	kinds := make([]Kind, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Has reports whether kind can be constructed.
func Has(kind Kind) bool {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	_, ok := factories[kind]
	return ok
}

// New builds the transport for d.
func New(d Descriptor, opts ...Option) (Transport, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	o := DefaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.IOTimeout <= 0 {
		o.IOTimeout = DefaultIOTimeout
	}

	factoriesMu.RLock()
	f, ok := factories[d.Kind]
	factoriesMu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnsupported, "no factory for %v", d.Kind)
	}
	return f(d, o)
}

// tracker records the closers a transport handed out so Close can release
// them.
type tracker struct {
	mu     sync.Mutex
	open   map[io.Closer]struct{}
	closed bool
}

func (t *tracker) add(c io.Closer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.open == nil {
		t.open = make(map[io.Closer]struct{})
	}
	t.open[c] = struct{}{}
	return nil
}

func (t *tracker) remove(c io.Closer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.open, c)
}

func (t *tracker) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *tracker) closeAll() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	open := t.open
	t.open = nil
	t.mu.Unlock()

	var first error
	for c := range open {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// deadline picks the earlier of the ctx deadline and now+fallback.
func deadline(ctx context.Context, fallback time.Duration) time.Time {
	var d time.Time
	if fallback > 0 {
		d = time.Now().Add(fallback)
	}
	if dl, ok := ctx.Deadline(); ok && (d.IsZero() || dl.Before(d)) {
		d = dl
	}
	return d
}
