// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

//go:build linux

package transport

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const tipcBacklog = 128

func init() {
	Register(KindTIPC, newTIPC)
	Register(KindTIPCOneway, newTIPC)
}

func newTIPC(d Descriptor, o *Options) (Transport, error) {
	addr := d.Addr.(TIPCAddr)
	t := &streamTransport{desc: d, opts: o}
	t.dial = func(ctx context.Context) (rawConn, string, error) {
		f, err := dialTIPC(ctx, addr)
		if err != nil {
			return nil, "", err
		}
		return f, addr.String(), nil
	}
	t.listen = func(context.Context) (acceptor, Descriptor, error) {
		a, err := listenTIPC(addr)
		if err != nil {
			return nil, Descriptor{}, err
		}
		return a, d, nil
	}
	return t, nil
}

func tipcSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_TIPC, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	return fd, nil
}

// dialTIPC connects without blocking the thread, so the wait for the
// handshake honors ctx through the runtime poller.
func dialTIPC(ctx context.Context, a TIPCAddr) (*os.File, error) {
	fd, err := tipcSocket()
	if err != nil {
		return nil, err
	}

	sa := &unix.SockaddrTIPC{
		Scope: int(a.Scope),
		Addr:  &unix.TIPCServiceName{Type: a.Type, Instance: a.Instance, Domain: a.Domain},
	}
	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, os.NewSyscallError("connect", err)
	}

	f := os.NewFile(uintptr(fd), "tipc:"+a.String())
	if err == nil {
		return f, nil
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = f.SetWriteDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = f.SetWriteDeadline(time.Now())
	})
	defer stop()

	rc, err := f.SyscallConn()
	if err != nil {
		f.Close()
		return nil, err
	}

	var soErr int
	waited := false
	werr := rc.Write(func(fd uintptr) bool {
		if !waited {
			waited = true
			return false
		}
		soErr, err = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_ERROR)
		return true
	})
	switch {
	case werr != nil:
		err = werr
	case err == nil && soErr != 0:
		err = os.NewSyscallError("connect", unix.Errno(soErr))
	}
	if err != nil {
		f.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	_ = f.SetWriteDeadline(time.Time{})
	return f, nil
}

type tipcAcceptor struct {
	f    *os.File
	addr TIPCAddr
}

func listenTIPC(a TIPCAddr) (*tipcAcceptor, error) {
	fd, err := tipcSocket()
	if err != nil {
		return nil, err
	}

	sa := &unix.SockaddrTIPC{
		Scope: int(a.Scope),
		Addr:  &unix.TIPCServiceRange{Type: a.Type, Lower: a.Instance, Upper: a.Instance},
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("bind", err)
	}
	if err := unix.Listen(fd, tipcBacklog); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("listen", err)
	}
	return &tipcAcceptor{os.NewFile(uintptr(fd), "tipc-listener:"+a.String()), a}, nil
}

func (a *tipcAcceptor) accept(ctx context.Context) (rawConn, string, error) {
	_ = a.f.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		_ = a.f.SetReadDeadline(time.Now())
	})
	defer stop()

	rc, err := a.f.SyscallConn()
	if err != nil {
		return nil, "", errors.Wrap(ErrClosed, err.Error())
	}

	nfd := -1
	var aerr error
	err = rc.Read(func(fd uintptr) bool {
		nfd, _, aerr = unix.Accept4(int(fd), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		return aerr != unix.EAGAIN
	})
	if err != nil {
		return nil, "", err
	}
	if aerr != nil {
		return nil, "", os.NewSyscallError("accept", aerr)
	}
	return os.NewFile(uintptr(nfd), "tipc:"+a.addr.String()), a.addr.String(), nil
}

func (a *tipcAcceptor) close() error {
	return a.f.Close()
}
