// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

func init() {
	Register(KindTCP, newTCP)
	Register(KindTCPOneway, newTCP)
	Register(KindUnix, newUnix)
	Register(KindUnixOneway, newUnix)
	Register(KindLoopback, newLoopback)
}

// rawConn is the byte stream under a streamConn: a net.Conn or a pollable
// *os.File.
type rawConn interface {
	io.ReadWriteCloser
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// acceptor is the listening half of a stream family.
type acceptor interface {
	accept(ctx context.Context) (rawConn, string, error)
	close() error
}

type streamTransport struct {
	desc  Descriptor
	opts  *Options
	track tracker

	dial   func(ctx context.Context) (rawConn, string, error)
	listen func(ctx context.Context) (acceptor, Descriptor, error)
}

func (t *streamTransport) Descriptor() Descriptor { return t.desc }
func (t *streamTransport) Oneway() bool           { return t.desc.Oneway() }

func (t *streamTransport) Connect(ctx context.Context) (Conn, error) {
	if t.track.isClosed() {
		return nil, &ConnectError{"connect", t.desc, ErrClosed}
	}
	if t.opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.DialTimeout)
		defer cancel()
	}

	raw, remote, err := t.dial(ctx)
	if err != nil {
		return nil, &ConnectError{"connect", t.desc, err}
	}

	c := newStreamConn(raw, t.desc, remote, t.opts, t.track.remove)
	if err := t.track.add(c); err != nil {
		raw.Close()
		return nil, &ConnectError{"connect", t.desc, err}
	}
	return c, nil
}

func (t *streamTransport) Listen(ctx context.Context) (Listener, error) {
	if t.track.isClosed() {
		return nil, &ConnectError{"listen", t.desc, ErrClosed}
	}

	a, bound, err := t.listen(ctx)
	if err != nil {
		return nil, &ConnectError{"listen", t.desc, err}
	}

	l := &streamListener{a: a, t: t, bound: bound}
	if err := t.track.add(l); err != nil {
		a.close()
		return nil, &ConnectError{"listen", t.desc, err}
	}
	t.opts.Logger.Debug("listening", zap.Stringer("descriptor", bound))
	return l, nil
}

func (t *streamTransport) Close() error {
	return t.track.closeAll()
}

type streamListener struct {
	a     acceptor
	t     *streamTransport
	bound Descriptor
	once  sync.Once
	err   error
}

func (l *streamListener) Descriptor() Descriptor { return l.bound }

func (l *streamListener) Accept(ctx context.Context) (Conn, error) {
	raw, remote, err := l.a.accept(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) || errors.Is(err, ErrClosed) {
			return nil, ErrClosed
		}
		return nil, &IOError{"accept", l.bound, err}
	}

	c := newStreamConn(raw, l.bound, remote, l.t.opts, l.t.track.remove)
	if err := l.t.track.add(c); err != nil {
		raw.Close()
		return nil, ErrClosed
	}
	return c, nil
}

func (l *streamListener) Close() error {
	l.once.Do(func() {
		l.err = l.a.close()
		l.t.track.remove(l)
	})
	return l.err
}

// streamConn frames messages as [u32 big-endian length][payload].
type streamConn struct {
	raw     rawConn
	br      *bufio.Reader
	desc    Descriptor
	remote  string
	opts    *Options
	onClose func(io.Closer)

	wmu  sync.Mutex
	rmu  sync.Mutex
	once sync.Once
	err  error
}

func newStreamConn(raw rawConn, desc Descriptor, remote string, opts *Options, onClose func(io.Closer)) *streamConn {
	return &streamConn{
		raw:     raw,
		br:      bufio.NewReader(raw),
		desc:    desc,
		remote:  remote,
		opts:    opts,
		onClose: onClose,
	}
}

func (c *streamConn) Remote() string { return c.remote }

func (c *streamConn) Send(ctx context.Context, msg []byte) error {
	if len(msg) > c.opts.MaxFrame {
		return &IOError{"send", c.desc, ErrFrameSize}
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.raw.SetWriteDeadline(deadline(ctx, c.opts.IOTimeout)); err != nil {
		return &IOError{"send", c.desc, err}
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.raw.SetWriteDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, 4+len(msg))
	binary.BigEndian.PutUint32(buf, uint32(len(msg)))
	copy(buf[4:], msg)

	if _, err := c.raw.Write(buf); err != nil {
		return c.ioError(ctx, "send", err)
	}
	return nil
}

func (c *streamConn) Recv(ctx context.Context) ([]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	if err := c.raw.SetReadDeadline(deadline(ctx, c.opts.IOTimeout)); err != nil {
		return nil, &IOError{"recv", c.desc, err}
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.raw.SetReadDeadline(time.Now())
	})
	defer stop()

	var header [4]byte
	if _, err := io.ReadFull(c.br, header[:]); err != nil {
		return nil, c.ioError(ctx, "recv", err)
	}

	n := binary.BigEndian.Uint32(header[:])
	if uint64(n) > uint64(c.opts.MaxFrame) {
		return nil, &IOError{"recv", c.desc, ErrFrameSize}
	}

	msg := make([]byte, n)
	if _, err := io.ReadFull(c.br, msg); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, c.ioError(ctx, "recv", err)
	}
	return msg, nil
}

func (c *streamConn) ioError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	return &IOError{op, c.desc, err}
}

func (c *streamConn) Close() error {
	c.once.Do(func() {
		c.err = c.raw.Close()
		if c.onClose != nil {
			c.onClose(c)
		}
	})
	return c.err
}

// netAcceptor adapts a net.Listener.
type netAcceptor struct {
	l net.Listener
}

type deadliner interface {
	SetDeadline(time.Time) error
}

func (a *netAcceptor) accept(ctx context.Context) (rawConn, string, error) {
	if dl, ok := a.l.(deadliner); ok {
		_ = dl.SetDeadline(time.Time{})
		stop := context.AfterFunc(ctx, func() {
			_ = dl.SetDeadline(time.Now())
		})
		defer stop()
	}

	c, err := a.l.Accept()
	if err != nil {
		return nil, "", err
	}
	return c, c.RemoteAddr().String(), nil
}

func (a *netAcceptor) close() error {
	return a.l.Close()
}

func newTCP(d Descriptor, o *Options) (Transport, error) {
	addr := d.Addr.(InetAddr)
	t := &streamTransport{desc: d, opts: o}
	t.dial = func(ctx context.Context) (rawConn, string, error) {
		var dialer net.Dialer
		c, err := dialer.DialContext(ctx, "tcp", addr.String())
		if err != nil {
			return nil, "", err
		}
		return c, c.RemoteAddr().String(), nil
	}
	t.listen = func(ctx context.Context) (acceptor, Descriptor, error) {
		var lc net.ListenConfig
		l, err := lc.Listen(ctx, "tcp", addr.String())
		if err != nil {
			return nil, Descriptor{}, err
		}
		return &netAcceptor{l}, Descriptor{d.Kind, inetFromNet(l.Addr())}, nil
	}
	return t, nil
}

func newUnix(d Descriptor, o *Options) (Transport, error) {
	path := d.Addr.(UnixAddr).Path
	t := &streamTransport{desc: d, opts: o}
	t.dial = func(ctx context.Context) (rawConn, string, error) {
		var dialer net.Dialer
		c, err := dialer.DialContext(ctx, "unix", path)
		if err != nil {
			return nil, "", err
		}
		return c, path, nil
	}
	t.listen = func(ctx context.Context) (acceptor, Descriptor, error) {
		var lc net.ListenConfig
		l, err := lc.Listen(ctx, "unix", path)
		if err != nil {
			return nil, Descriptor{}, err
		}
		// The socket file belongs to whoever created the descriptor.
		l.(*net.UnixListener).SetUnlinkOnClose(false)
		return &netAcceptor{l}, d, nil
	}
	return t, nil
}

func newLoopback(d Descriptor, o *Options) (Transport, error) {
	name := d.Addr.(LoopbackAddr).Name
	hub := o.Hub
	if hub == nil {
		hub = DefaultHub
	}

	t := &streamTransport{desc: d, opts: o}
	t.dial = func(ctx context.Context) (rawConn, string, error) {
		c, err := hub.dial(ctx, name)
		if err != nil {
			return nil, "", err
		}
		return c, name, nil
	}
	t.listen = func(context.Context) (acceptor, Descriptor, error) {
		l, err := hub.listen(name)
		if err != nil {
			return nil, Descriptor{}, err
		}
		return l, d, nil
	}
	return t, nil
}
