// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"context"

	"github.com/luxfi/fabric/transport"
)

// Dial builds a Client for a descriptor URL such as "tcp://10.0.0.1:7000"
// or "group://ab12cd". Request/response clients connect per call, so Dial
// only opens a socket up front for datagram kinds.
func Dial(ctx context.Context, target string, opts ...ClientOption) (*Client, error) {
	d, err := transport.Parse(target)
	if err != nil {
		return nil, newError(KindConnect, 0, err)
	}
	return DialDescriptor(ctx, d, opts...)
}

func DialDescriptor(ctx context.Context, d transport.Descriptor, opts ...ClientOption) (*Client, error) {
	o := newClientOptions(opts)
	t, err := transport.New(d, o.transport...)
	if err != nil {
		return nil, newError(KindConnect, 0, err)
	}

	c := NewClient(t, opts...)
	if d.Kind.Datagram() {
		if _, err := c.persistent(ctx); err != nil {
			c.Close()
			return nil, newError(KindConnect, 0, err)
		}
	}
	return c, nil
}

// Listen builds a Server for a descriptor URL and binds it. Use
// Server.Descriptor for the bound address when target asks for an ephemeral
// port.
func Listen(ctx context.Context, target string, opts ...ServerOption) (*Server, error) {
	d, err := transport.Parse(target)
	if err != nil {
		return nil, newError(KindConnect, 0, err)
	}
	return ListenDescriptor(ctx, d, opts...)
}

func ListenDescriptor(ctx context.Context, d transport.Descriptor, opts ...ServerOption) (*Server, error) {
	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}
	t, err := transport.New(d, o.transport...)
	if err != nil {
		return nil, newError(KindConnect, 0, err)
	}

	s := NewServer(t, opts...)
	if err := s.Listen(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}
