// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"
	"hash/fnv"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
)

// maxDatagram is the largest UDP payload over IPv4.
const maxDatagram = 65507

var readBufs = sync.Pool{New: func() any {
	b := make([]byte, maxDatagram)
	return &b
}}

func init() {
	Register(KindBroadcast, newDatagram)
	Register(KindGroup, newDatagram)
}

// GroupEndpoint maps a process-group name onto its multicast address in the
// administratively scoped 239.255.0.0/16 block.
func GroupEndpoint(name string, port int) *net.UDPAddr {
	h := fnv.New32a()
	h.Write([]byte(name))
	sum := h.Sum32()
	return &net.UDPAddr{IP: net.IPv4(239, 255, byte(sum>>8), byte(sum)), Port: port}
}

type datagramTransport struct {
	desc  Descriptor
	opts  *Options
	track tracker
}

func newDatagram(d Descriptor, o *Options) (Transport, error) {
	return &datagramTransport{desc: d, opts: o}, nil
}

func (t *datagramTransport) Descriptor() Descriptor { return t.desc }
func (t *datagramTransport) Oneway() bool           { return true }
func (t *datagramTransport) Close() error           { return t.track.closeAll() }

func (t *datagramTransport) target() *net.UDPAddr {
	switch a := t.desc.Addr.(type) {
	case GroupAddr:
		return GroupEndpoint(a.Name, t.opts.GroupPort)
	case InetAddr:
		return net.UDPAddrFromAddrPort(a.AddrPort())
	}
	return nil
}

func (t *datagramTransport) iface() (*net.Interface, error) {
	if t.opts.Interface == "" {
		return nil, nil
	}
	return net.InterfaceByName(t.opts.Interface)
}

func (t *datagramTransport) Connect(ctx context.Context) (Conn, error) {
	if t.track.isClosed() {
		return nil, &ConnectError{"connect", t.desc, ErrClosed}
	}

	// Unconnected, so an ICMP unreachable never fails a later send.
	raddr := t.target()
	c, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, &ConnectError{"connect", t.desc, err}
	}

	if t.desc.Kind == KindGroup {
		if err := t.configureSender(ipv4.NewPacketConn(c)); err != nil {
			c.Close()
			return nil, &ConnectError{"connect", t.desc, err}
		}
	}

	dc := &datagramConn{c: c, to: raddr, desc: t.desc, opts: t.opts, onClose: t.track.remove}
	if err := t.track.add(dc); err != nil {
		c.Close()
		return nil, &ConnectError{"connect", t.desc, err}
	}
	return dc, nil
}

func (t *datagramTransport) configureSender(p *ipv4.PacketConn) error {
	ifi, err := t.iface()
	if err != nil {
		return err
	}
	if ifi != nil {
		if err := p.SetMulticastInterface(ifi); err != nil {
			return err
		}
	}
	if err := p.SetMulticastTTL(t.opts.GroupTTL); err != nil {
		return err
	}
	return p.SetMulticastLoopback(true)
}

func (t *datagramTransport) Listen(ctx context.Context) (Listener, error) {
	if t.track.isClosed() {
		return nil, &ConnectError{"listen", t.desc, ErrClosed}
	}

	lc := net.ListenConfig{Control: reuseControl}
	target := t.target()

	var bind string
	if t.desc.Kind == KindGroup {
		// Binding the group address keeps other groups sharing the port out.
		bind = target.String()
	} else {
		bind = ":" + strconv.Itoa(target.Port)
	}

	pc, err := lc.ListenPacket(ctx, "udp4", bind)
	if err != nil {
		return nil, &ConnectError{"listen", t.desc, err}
	}

	bound := t.desc
	if t.desc.Kind == KindGroup {
		if err := t.join(pc, target); err != nil {
			pc.Close()
			return nil, &ConnectError{"listen", t.desc, err}
		}
	} else {
		a := t.desc.Addr.(InetAddr)
		a.Port = inetFromNet(pc.LocalAddr()).Port
		bound = Descriptor{t.desc.Kind, a}
	}

	l := &datagramListener{pc: pc, bound: bound, t: t}
	if err := t.track.add(l); err != nil {
		pc.Close()
		return nil, &ConnectError{"listen", t.desc, err}
	}
	t.opts.Logger.Debug("listening", zap.Stringer("descriptor", bound), zap.String("bind", bind))
	return l, nil
}

func (t *datagramTransport) join(pc net.PacketConn, group *net.UDPAddr) error {
	ifi, err := t.iface()
	if err != nil {
		return err
	}
	p := ipv4.NewPacketConn(pc)
	if err := p.JoinGroup(ifi, &net.UDPAddr{IP: group.IP}); err != nil {
		return errors.Wrapf(err, "join %v", group.IP)
	}
	return p.SetMulticastLoopback(true)
}

type datagramListener struct {
	pc    net.PacketConn
	bound Descriptor
	t     *datagramTransport
	once  sync.Once
	err   error
}

func (l *datagramListener) Descriptor() Descriptor { return l.bound }

func (l *datagramListener) Accept(ctx context.Context) (Conn, error) {
	_ = l.pc.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		_ = l.pc.SetReadDeadline(time.Now())
	})
	defer stop()

	bp := readBufs.Get().(*[]byte)
	defer readBufs.Put(bp)
	n, from, err := l.pc.ReadFrom(*bp)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, &IOError{"accept", l.bound, err}
	}
	msg := make([]byte, n)
	copy(msg, *bp)
	return &datagramMsg{msg: msg, from: from.String(), desc: l.bound}, nil
}

func (l *datagramListener) Close() error {
	l.once.Do(func() {
		l.err = l.pc.Close()
		l.t.track.remove(l)
	})
	return l.err
}

// datagramConn is the send-only side of a datagram transport.
type datagramConn struct {
	c       *net.UDPConn
	to      *net.UDPAddr
	desc    Descriptor
	opts    *Options
	onClose func(io.Closer)
	mu      sync.Mutex
	once    sync.Once
	err     error
}

func (c *datagramConn) Remote() string { return c.to.String() }

func (c *datagramConn) Send(ctx context.Context, msg []byte) error {
	if len(msg) > maxDatagram || len(msg) > c.opts.MaxFrame {
		return &IOError{"send", c.desc, ErrFrameSize}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.c.SetWriteDeadline(deadline(ctx, c.opts.IOTimeout)); err != nil {
		return &IOError{"send", c.desc, err}
	}
	if _, err := c.c.WriteToUDP(msg, c.to); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return &IOError{"send", c.desc, err}
	}
	return nil
}

func (c *datagramConn) Recv(context.Context) ([]byte, error) {
	return nil, &IOError{"recv", c.desc, ErrSendOnly}
}

func (c *datagramConn) Close() error {
	c.once.Do(func() {
		c.err = c.c.Close()
		c.onClose(c)
	})
	return c.err
}

// datagramMsg is one received datagram presented as a Conn. The first Recv
// yields the datagram, later ones report end-of-stream.
type datagramMsg struct {
	mu   sync.Mutex
	msg  []byte
	read bool
	from string
	desc Descriptor
}

func (m *datagramMsg) Remote() string { return m.from }

func (m *datagramMsg) Send(context.Context, []byte) error {
	return &IOError{"send", m.desc, ErrNoReplyPath}
}

func (m *datagramMsg) Recv(context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.read {
		return nil, &IOError{"recv", m.desc, io.EOF}
	}
	m.read = true
	return m.msg, nil
}

func (m *datagramMsg) Close() error { return nil }
