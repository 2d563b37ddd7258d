// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"context"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// GRPCService is the gRPC service name dispatch tables are served under.
// Methods are addressed as "/fabric.Dispatch/<method id>".
const GRPCService = "fabric.Dispatch"

func grpcMethod(m MethodID) string {
	return "/" + GRPCService + "/" + strconv.FormatUint(uint64(m), 10)
}

func parseGRPCMethod(full string) (MethodID, error) {
	svc, id, ok := strings.Cut(strings.TrimPrefix(full, "/"), "/")
	if !ok || svc != GRPCService {
		return 0, errors.Errorf("unknown service in %q", full)
	}
	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return 0, errors.Errorf("bad method id in %q", full)
	}
	return MethodID(n), nil
}

// rawCodec hands payload bytes to gRPC untouched.
type rawCodec struct{}

func (rawCodec) Name() string { return "fabric-raw" }

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	default:
		return nil, errors.Errorf("rpc: raw codec cannot marshal %T", v)
	}
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	b, ok := v.(*[]byte)
	if !ok {
		return errors.Errorf("rpc: raw codec cannot unmarshal into %T", v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

var errorCodes = map[ErrorKind]codes.Code{
	KindConnect:       codes.Unavailable,
	KindIO:            codes.DeadlineExceeded,
	KindFrameDecode:   codes.DataLoss,
	KindUnknownMethod: codes.Unimplemented,
	KindHandler:       codes.Unknown,
}

func toStatus(err error) error {
	return status.Error(errorCodes[KindOf(err)], wireMessage(err))
}

func fromStatus(m MethodID, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return newError(KindIO, m, err)
	}
	kind := KindHandler
	switch st.Code() {
	case codes.Unimplemented:
		kind = KindUnknownMethod
	case codes.Unavailable:
		kind = KindConnect
	case codes.DeadlineExceeded, codes.Canceled:
		kind = KindIO
	case codes.DataLoss:
		kind = KindFrameDecode
	}
	return &Error{Kind: kind, Method: m, Msg: st.Message()}
}

// NewGRPCServer serves table over gRPC. Every method of GRPCService is
// routed to table.Dispatch; the caller registers the server on a net.Listener
// with Serve.
func NewGRPCServer(table *Table, opts ...grpc.ServerOption) *grpc.Server {
	handler := func(_ interface{}, stream grpc.ServerStream) error {
		full, _ := grpc.MethodFromServerStream(stream)
		m, err := parseGRPCMethod(full)
		if err != nil {
			return status.Error(codes.Unimplemented, err.Error())
		}

		var in []byte
		if err := stream.RecvMsg(&in); err != nil {
			return err
		}
		out, err := table.Dispatch(stream.Context(), m, in)
		if err != nil {
			return toStatus(err)
		}
		if out == nil {
			out = []byte{}
		}
		return stream.SendMsg(&out)
	}

	opts = append(opts,
		grpc.UnknownServiceHandler(handler),
		grpc.ForceServerCodec(rawCodec{}),
	)
	return grpc.NewServer(opts...)
}

// GRPCClient calls a table served by NewGRPCServer.
type GRPCClient struct {
	conn  *grpc.ClientConn
	codec Codec
}

// DialGRPC connects to target and waits until the connection is ready or
// ctx is done. Plaintext credentials are used unless opts override them.
func DialGRPC(ctx context.Context, target string, opts ...grpc.DialOption) (*GRPCClient, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, newError(KindConnect, 0, errors.Wrap(err, "grpc dial"))
	}

	conn.Connect()
	for st := conn.GetState(); st != connectivity.Ready; st = conn.GetState() {
		if !conn.WaitForStateChange(ctx, st) {
			conn.Close()
			return nil, newError(KindConnect, 0, errors.Wrapf(ctx.Err(), "grpc dial %s", target))
		}
	}
	return &GRPCClient{conn: conn, codec: defaultCodec}, nil
}

// SetCodec replaces the codec Call uses. It is not safe to call concurrently
// with Call.
func (c *GRPCClient) SetCodec(codec Codec) {
	c.codec = codec
}

func (c *GRPCClient) CallRaw(ctx context.Context, m MethodID, payload []byte) ([]byte, error) {
	if payload == nil {
		payload = []byte{}
	}
	var out []byte
	if err := c.conn.Invoke(ctx, grpcMethod(m), &payload, &out, grpc.ForceCodec(rawCodec{})); err != nil {
		return nil, fromStatus(m, err)
	}
	return out, nil
}

func (c *GRPCClient) Call(ctx context.Context, m MethodID, args, reply interface{}) error {
	var payload []byte
	if args != nil {
		var err error
		if payload, err = c.codec.Encode(args); err != nil {
			return &Error{Kind: KindHandler, Method: m, Msg: "encode arguments", Err: err}
		}
	}
	resp, err := c.CallRaw(ctx, m, payload)
	if err != nil {
		return err
	}
	if reply != nil && len(resp) > 0 {
		if err := c.codec.Decode(resp, reply); err != nil {
			return &Error{Kind: KindFrameDecode, Method: m, Msg: "decode reply", Err: err}
		}
	}
	return nil
}

func (c *GRPCClient) Close() error {
	return c.conn.Close()
}
