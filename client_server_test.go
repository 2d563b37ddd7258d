// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/fabric/transport"
)

const (
	methodEcho MethodID = 1
	methodAdd  MethodID = 2
	methodFail MethodID = 3
)

type addArgs struct{ A, B int }
type addReply struct{ Sum int }

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func echo(_ context.Context, payload []byte) ([]byte, error) {
	return payload, nil
}

// startServer listens on target, serves in the background and closes the
// server when the test ends.
func startServer(t *testing.T, target string, opts ...ServerOption) *Server {
	t.Helper()
	opts = append([]ServerOption{WithServerRegistry(metrics.NewRegistry())}, opts...)
	s, err := Listen(context.Background(), target, opts...)
	require.NoError(t, err)
	go s.Serve(context.Background())
	t.Cleanup(func() { s.Close() })
	return s
}

func dial(t *testing.T, d transport.Descriptor, opts ...ClientOption) *Client {
	t.Helper()
	opts = append([]ClientOption{WithRegistry(metrics.NewRegistry())}, opts...)
	c, err := DialDescriptor(context.Background(), d, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRoundTrip(t *testing.T) {
	ctx := testContext(t)
	s := startServer(t, "tcp://127.0.0.1:0")
	s.Register(methodEcho, echo)

	c := dial(t, s.Descriptor())
	resp, err := c.CallRaw(ctx, methodEcho, []byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(resp))

	resp, err = c.CallRaw(ctx, methodEcho, nil)
	require.NoError(t, err)
	assert.Empty(t, resp)
}

func TestCall(t *testing.T) {
	ctx := testContext(t)
	s := startServer(t, "tcp://127.0.0.1:0")
	s.Register(methodAdd, Typed(JSONCodec{}, func(_ context.Context, a addArgs) (addReply, error) {
		return addReply{Sum: a.A + a.B}, nil
	}))

	c := dial(t, s.Descriptor())
	var reply addReply
	require.NoError(t, c.Call(ctx, methodAdd, addArgs{A: 2, B: 3}, &reply))
	assert.Equal(t, 5, reply.Sum)
}

func TestUnixAndLoopback(t *testing.T) {
	ctx := testContext(t)
	hub := transport.NewHub()

	targets := []transport.Descriptor{
		transport.Unix(t.TempDir()+"/rpc.sock", false),
		transport.Loopback("rpc"),
	}
	for _, d := range targets {
		t.Run(d.Kind.String(), func(t *testing.T) {
			s, err := ListenDescriptor(ctx, d,
				WithServerTransport(transport.WithHub(hub)),
				WithServerRegistry(metrics.NewRegistry()),
			)
			require.NoError(t, err)
			defer s.Close()
			s.Register(methodEcho, echo)
			go s.Serve(context.Background())

			c := dial(t, d, WithTransport(transport.WithHub(hub)))
			resp, err := c.CallRaw(ctx, methodEcho, []byte("x"))
			require.NoError(t, err)
			assert.Equal(t, []byte("x"), resp)
		})
	}
}

func TestUnknownMethod(t *testing.T) {
	ctx := testContext(t)
	s := startServer(t, "tcp://127.0.0.1:0")

	c := dial(t, s.Descriptor())
	_, err := c.CallRaw(ctx, 99, []byte("?"))
	require.Error(t, err)
	assert.Equal(t, KindUnknownMethod, KindOf(err))

	var re *Error
	require.True(t, errors.As(err, &re))
	assert.Equal(t, MethodID(99), re.Method)

	assert.Eventually(t, func() bool { return s.Stats().Unknown == 1 }, time.Second, 10*time.Millisecond)
}

func TestHandlerError(t *testing.T) {
	ctx := testContext(t)
	s := startServer(t, "tcp://127.0.0.1:0")
	s.Register(methodFail, func(context.Context, []byte) ([]byte, error) {
		return nil, errors.New("boom")
	})

	c := dial(t, s.Descriptor())
	_, err := c.CallRaw(ctx, methodFail, nil)
	require.Error(t, err)
	assert.Equal(t, KindHandler, KindOf(err))
	assert.Contains(t, err.Error(), "boom")
}

func TestHandlerPanic(t *testing.T) {
	ctx := testContext(t)
	s := startServer(t, "tcp://127.0.0.1:0")
	s.Register(methodFail, func(context.Context, []byte) ([]byte, error) {
		panic("bad handler")
	})

	c := dial(t, s.Descriptor())
	_, err := c.CallRaw(ctx, methodFail, nil)
	require.Error(t, err)
	assert.Equal(t, KindHandler, KindOf(err))

	// The server survives.
	s.Register(methodEcho, echo)
	_, err = c.CallRaw(ctx, methodEcho, []byte("ok"))
	assert.NoError(t, err)
}

func TestArgumentDecodeFailure(t *testing.T) {
	ctx := testContext(t)
	s := startServer(t, "tcp://127.0.0.1:0")
	s.Register(methodAdd, Typed(JSONCodec{}, func(_ context.Context, a addArgs) (addReply, error) {
		return addReply{Sum: a.A + a.B}, nil
	}))

	c := dial(t, s.Descriptor())
	_, err := c.CallRaw(ctx, methodAdd, []byte("{not json"))
	assert.Equal(t, KindHandler, KindOf(err))
}

func TestServiceDescRejectsLocally(t *testing.T) {
	ctx := testContext(t)
	s := startServer(t, "tcp://127.0.0.1:0")
	s.Register(methodEcho, echo)

	sd := &ServiceDesc{Name: "Echo", Methods: []MethodDesc{{ID: methodEcho, Name: "Echo"}}}
	c := dial(t, s.Descriptor(), WithServiceDesc(sd))

	_, err := c.CallRaw(ctx, methodAdd, nil)
	assert.Equal(t, KindUnknownMethod, KindOf(err))
	assert.Zero(t, s.Stats().Requests)

	_, err = c.CallRaw(ctx, methodEcho, nil)
	assert.NoError(t, err)
}

func TestConnectFailure(t *testing.T) {
	ctx := testContext(t)
	c := dial(t, transport.Loopback("nobody"), WithTransport(transport.WithHub(transport.NewHub())))

	_, err := c.CallRaw(ctx, methodEcho, nil)
	require.Error(t, err)
	assert.Equal(t, KindConnect, KindOf(err))
	assert.True(t, errors.Is(err, transport.ErrNoListener))
	assert.Equal(t, int64(1), c.Stats().Failures)
}

func TestNestedConnectFailureIsHandlerError(t *testing.T) {
	ctx := testContext(t)
	downstream := dial(t, transport.Loopback("inventory"), WithTransport(transport.WithHub(transport.NewHub())))

	s := startServer(t, "tcp://127.0.0.1:0")
	s.Register(methodEcho, func(ctx context.Context, payload []byte) ([]byte, error) {
		return downstream.CallRaw(ctx, methodEcho, payload)
	})

	c := dial(t, s.Descriptor())
	_, err := c.CallRaw(ctx, methodEcho, []byte("sku-1"))
	require.Error(t, err)
	assert.Equal(t, KindHandler, KindOf(err))
	assert.Contains(t, err.Error(), "no listener")
	assert.Equal(t, int64(1), s.Stats().Errors)
}

func TestOnewayWithoutListener(t *testing.T) {
	ctx := testContext(t)

	// Nothing listens on the discard port; datagram sends still complete.
	c, err := Dial(ctx, "broadcast://127.0.0.1:9", WithRegistry(metrics.NewRegistry()))
	require.NoError(t, err)
	defer c.Close()
	assert.True(t, c.Oneway())

	for i := 0; i < 3; i++ {
		resp, err := c.CallRaw(ctx, methodEcho, []byte("fire"))
		require.NoError(t, err)
		assert.Nil(t, resp)
	}
	assert.Equal(t, int64(3), c.Stats().Calls)
}

func TestOnewayStreamDelivery(t *testing.T) {
	ctx := testContext(t)
	s := startServer(t, "tcp-oneway://127.0.0.1:0")

	var got atomic.Value
	s.Register(methodEcho, func(_ context.Context, payload []byte) ([]byte, error) {
		got.Store(string(payload))
		return []byte("ignored"), nil
	})

	c := dial(t, s.Descriptor())
	resp, err := c.CallRaw(ctx, methodEcho, []byte("note"))
	require.NoError(t, err)
	assert.Nil(t, resp)

	assert.Eventually(t, func() bool { return got.Load() == "note" }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, s.Stats().Responses)
}

func TestOnewayDatagramDelivery(t *testing.T) {
	ctx := testContext(t)
	s := startServer(t, "broadcast://127.0.0.1:0")

	calls := make(chan string, 4)
	s.Register(methodEcho, func(_ context.Context, payload []byte) ([]byte, error) {
		calls <- string(payload)
		return nil, nil
	})

	c := dial(t, s.Descriptor())
	require.NoError(t, c.Call(ctx, methodEcho, "datagram", nil))

	select {
	case p := <-calls:
		assert.Equal(t, `"datagram"`, p)
	case <-ctx.Done():
		t.Fatal("datagram not dispatched")
	}
}

// rawPeer serves one connection on a loopback listener with fn.
func rawPeer(t *testing.T, hub *transport.Hub, name string, fn func(conn transport.Conn)) transport.Descriptor {
	t.Helper()
	tr, err := transport.New(transport.Loopback(name), transport.WithHub(hub))
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	l, err := tr.Listen(context.Background())
	require.NoError(t, err)
	go func() {
		conn, err := l.Accept(context.Background())
		if err != nil {
			return
		}
		defer conn.Close()
		fn(conn)
	}()
	return l.Descriptor()
}

func TestMalformedResponse(t *testing.T) {
	tests := []struct {
		name  string
		reply func(req frame) []byte
	}{
		{"garbage", func(frame) []byte { return []byte{0xff} }},
		{"wrong call id", func(req frame) []byte {
			return frame{typ: MsgResponse, call: req.call + 1, method: req.method}.encode()
		}},
		{"wrong method", func(req frame) []byte {
			return frame{typ: MsgResponse, call: req.call, method: req.method + 1}.encode()
		}},
		{"request echoed", func(req frame) []byte { return req.encode() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := testContext(t)
			hub := transport.NewHub()
			d := rawPeer(t, hub, "peer", func(conn transport.Conn) {
				b, err := conn.Recv(context.Background())
				if err != nil {
					return
				}
				req, err := decodeFrame(b)
				if err != nil {
					return
				}
				_ = conn.Send(context.Background(), tt.reply(req))
			})

			c := dial(t, d, WithTransport(transport.WithHub(hub)))
			_, err := c.CallRaw(ctx, methodEcho, []byte("x"))
			require.Error(t, err)
			assert.Equal(t, KindFrameDecode, KindOf(err))
		})
	}
}

func TestServerRejectsMalformedRequest(t *testing.T) {
	ctx := testContext(t)
	hub := transport.NewHub()
	s, err := ListenDescriptor(ctx, transport.Loopback("srv"),
		WithServerTransport(transport.WithHub(hub)),
		WithServerRegistry(metrics.NewRegistry()),
	)
	require.NoError(t, err)
	defer s.Close()
	go s.Serve(context.Background())

	tr, err := transport.New(transport.Loopback("srv"), transport.WithHub(hub))
	require.NoError(t, err)
	defer tr.Close()

	conn, err := tr.Connect(ctx)
	require.NoError(t, err)
	require.NoError(t, conn.Send(ctx, []byte("xx")))

	b, err := conn.Recv(ctx)
	require.NoError(t, err)
	f, err := decodeFrame(b)
	require.NoError(t, err)
	assert.Equal(t, MsgError, f.typ)
	assert.Zero(t, f.call)

	perr := parseErrorPayload(0, f.payload)
	assert.Equal(t, KindFrameDecode, perr.Kind)
}

func TestCallTimeout(t *testing.T) {
	hub := transport.NewHub()
	d := rawPeer(t, hub, "silent", func(conn transport.Conn) {
		_, _ = conn.Recv(context.Background())
		time.Sleep(time.Second)
	})

	c := dial(t, d, WithTransport(transport.WithHub(hub)), WithCallTimeout(50*time.Millisecond))
	start := time.Now()
	_, err := c.CallRaw(context.Background(), methodEcho, nil)
	require.Error(t, err)
	assert.Equal(t, KindIO, KindOf(err))
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestClientClosed(t *testing.T) {
	c := dial(t, transport.Loopback("closed"), WithTransport(transport.WithHub(transport.NewHub())))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.CallRaw(context.Background(), methodEcho, nil)
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestServerDrainsInFlight(t *testing.T) {
	ctx := testContext(t)
	s := startServer(t, "tcp://127.0.0.1:0")

	started := make(chan struct{})
	release := make(chan struct{})
	s.Register(methodEcho, func(_ context.Context, payload []byte) ([]byte, error) {
		close(started)
		<-release
		return payload, nil
	})

	c := dial(t, s.Descriptor())
	result := make(chan error, 1)
	go func() {
		_, err := c.CallRaw(ctx, methodEcho, []byte("slow"))
		result <- err
	}()

	<-started
	assert.Equal(t, StateDispatching, s.State())

	closed := make(chan error, 1)
	go func() { closed <- s.Close() }()

	select {
	case <-closed:
		t.Fatal("Close returned before the in-flight call finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-result)
	require.NoError(t, <-closed)
	assert.Equal(t, StateClosed, s.State())
}

func TestServerDrainTimeout(t *testing.T) {
	ctx := testContext(t)
	s := startServer(t, "tcp://127.0.0.1:0", WithDrainTimeout(50*time.Millisecond))

	started := make(chan struct{})
	s.Register(methodEcho, func(ctx context.Context, _ []byte) ([]byte, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	c := dial(t, s.Descriptor())
	result := make(chan error, 1)
	go func() {
		_, err := c.CallRaw(ctx, methodEcho, nil)
		result <- err
	}()

	<-started
	require.NoError(t, s.Close())

	err := <-result
	require.Error(t, err)
	assert.Equal(t, KindIO, KindOf(err))
}

func TestServerState(t *testing.T) {
	tr, err := transport.New(transport.Loopback("state"), transport.WithHub(transport.NewHub()))
	require.NoError(t, err)
	s := NewServer(tr, WithServerRegistry(metrics.NewRegistry()))
	assert.Equal(t, StateIdle, s.State())

	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background()) }()
	assert.Eventually(t, func() bool { return s.State() == StateAccepting }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Close())
	assert.NoError(t, <-done)
	assert.Equal(t, StateClosed, s.State())
	assert.Error(t, s.Listen(context.Background()))
}

func TestServeStopsOnContext(t *testing.T) {
	tr, err := transport.New(transport.Loopback("ctx"), transport.WithHub(transport.NewHub()))
	require.NoError(t, err)
	srv := NewServer(tr, WithServerRegistry(metrics.NewRegistry()))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	cancel()
	assert.True(t, errors.Is(<-done, context.Canceled))
}

func TestStats(t *testing.T) {
	ctx := testContext(t)
	s := startServer(t, "tcp://127.0.0.1:0")
	s.Register(methodEcho, echo)

	c := dial(t, s.Descriptor())
	_, err := c.CallRaw(ctx, methodEcho, []byte("12345"))
	require.NoError(t, err)

	cs := c.Stats()
	assert.Equal(t, int64(1), cs.Calls)
	assert.Zero(t, cs.Failures)
	assert.Equal(t, int64(headerLen+5), cs.BytesOut)

	assert.Eventually(t, func() bool {
		ss := s.Stats()
		return ss.Requests == 1 && ss.Responses == 1
	}, time.Second, 10*time.Millisecond)
}
