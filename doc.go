// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package rpc calls numbered methods over any transport the transport
// package provides.
//
// # Frames
//
// Every call is one frame on the transport:
//
//	[1 type][4 call id][4 method id][payload]
//
// Requests expect a response or error frame carrying the same call and
// method ids; notifications (sent on oneway transports) expect nothing. An
// error frame's payload is [1 ErrorKind][utf-8 message].
//
// # Usage
//
// Server usage:
//
//	srv, err := rpc.Listen(ctx, "tcp://127.0.0.1:9000")
//	if err != nil {
//	    return err
//	}
//	srv.Register(1, rpc.Typed(rpc.JSONCodec{}, func(ctx context.Context, req AddRequest) (AddReply, error) {
//	    return AddReply{Sum: req.A + req.B}, nil
//	}))
//	go srv.Serve(ctx)
//
// Client usage:
//
//	c, err := rpc.Dial(ctx, "tcp://127.0.0.1:9000")
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	var reply AddReply
//	err = c.Call(ctx, 1, AddRequest{A: 2, B: 3}, &reply)
//
// A Composite sends one call to many clients and reports per-child
// failures instead of stopping at the first one.
//
// # Errors
//
// Failures are *Error values whose Kind is one of KindConnect, KindIO,
// KindFrameDecode, KindUnknownMethod or KindHandler. Servers answer unknown
// methods and handler failures with an error frame, so callers fail fast
// instead of timing out. KindOf classifies any error.
//
// # gRPC
//
// NewGRPCServer serves a Table over gRPC and DialGRPC calls it, mapping
// ErrorKind to and from gRPC status codes.
package rpc
