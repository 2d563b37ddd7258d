// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package transport moves opaque frames over heterogeneous socket families
// behind one interface.
//
// A Descriptor pairs a Kind with exactly one kind-specific Address. The kind
// decides both the family and whether the endpoint is oneway:
//
//	tcp, unix, tipc, loopback            request/response streams
//	tcp-oneway, unix-oneway, tipc-oneway  streams that never carry a reply
//	group, broadcast                      datagrams, always oneway
//
// Streams frame messages as a big-endian u32 length followed by the payload;
// datagram kinds send one frame per datagram. New builds a Transport through
// a registry keyed on Kind:
//
//	t, err := transport.New(transport.MustParse("tcp://127.0.0.1:7000"))
//	conn, err := t.Connect(ctx)
//	err = conn.Send(ctx, frame)
//	reply, err := conn.Recv(ctx)
//
// Two descriptors are Equal iff their kinds match and every address field
// matches; callers use this to recognize an existing connection to a peer.
package transport
