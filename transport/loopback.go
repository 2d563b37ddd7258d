// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrAddressInUse = errors.New("loopback: address in use")
	ErrNoListener   = errors.New("loopback: no listener")
)

// DefaultHub is used by loopback transports that are not given a Hub.
var DefaultHub = NewHub()

// Hub is the rendezvous point for loopback endpoints in one process.
// Tests that need isolation create their own.
type Hub struct {
	mu        sync.Mutex
	listeners map[string]*hubListener
}

func NewHub() *Hub {
	return &Hub{listeners: make(map[string]*hubListener)}
}

func (h *Hub) listen(name string) (*hubListener, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.listeners[name]; ok {
		return nil, errors.Wrap(ErrAddressInUse, name)
	}

	l := &hubListener{
		hub:   h,
		name:  name,
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
	}
	h.listeners[name] = l
	return l, nil
}

func (h *Hub) dial(ctx context.Context, name string) (net.Conn, error) {
	h.mu.Lock()
	l, ok := h.listeners[name]
	h.mu.Unlock()
	if !ok {
		return nil, errors.Wrap(ErrNoListener, name)
	}

	client, server := net.Pipe()
	select {
	case l.conns <- server:
		return client, nil
	case <-l.done:
		client.Close()
		server.Close()
		return nil, errors.Wrap(ErrNoListener, name)
	case <-ctx.Done():
		client.Close()
		server.Close()
		return nil, ctx.Err()
	}
}

func (h *Hub) remove(l *hubListener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listeners[l.name] == l {
		delete(h.listeners, l.name)
	}
}

type hubListener struct {
	hub   *Hub
	name  string
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func (l *hubListener) accept(ctx context.Context) (rawConn, string, error) {
	select {
	case c := <-l.conns:
		return c, l.name, nil
	case <-l.done:
		return nil, "", ErrClosed
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
}

func (l *hubListener) close() error {
	l.once.Do(func() {
		close(l.done)
		l.hub.remove(l)
	})
	return nil
}
