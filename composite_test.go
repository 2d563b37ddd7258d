// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"context"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/fabric/transport"
)

func newClient(t *testing.T, d transport.Descriptor, hub *transport.Hub) *Client {
	t.Helper()
	tr, err := transport.New(d, transport.WithHub(hub))
	require.NoError(t, err)
	return NewClient(tr, WithRegistry(metrics.NewRegistry()))
}

func TestComposite_Dedupe(t *testing.T) {
	hub := transport.NewHub()
	c := NewComposite()
	defer c.Close()

	a := transport.TCP(netip.MustParseAddrPort("10.0.0.1:7000"), false)
	require.True(t, c.Add(newClient(t, a, hub)))

	dup := newClient(t, a, hub)
	defer dup.Close()
	assert.False(t, c.Add(dup))
	assert.Equal(t, 1, c.Len())

	// A different kind with the same address is a different child.
	require.True(t, c.Add(newClient(t, transport.TCP(netip.MustParseAddrPort("10.0.0.1:7000"), true), hub)))
	assert.Equal(t, 2, c.Len())
	assert.True(t, c.Has(a))
}

func TestComposite_PartialFailure(t *testing.T) {
	ctx := testContext(t)
	hub := transport.NewHub()

	var hits atomic.Int32
	for _, name := range []string{"a", "b"} {
		s, err := ListenDescriptor(ctx, transport.Loopback(name),
			WithServerTransport(transport.WithHub(hub)),
			WithServerRegistry(metrics.NewRegistry()),
		)
		require.NoError(t, err)
		defer s.Close()
		s.Register(methodEcho, func(_ context.Context, p []byte) ([]byte, error) {
			hits.Add(1)
			return p, nil
		})
		go s.Serve(context.Background())
	}

	c := NewComposite()
	defer c.Close()
	for _, name := range []string{"a", "unreachable", "b"} {
		require.True(t, c.Add(newClient(t, transport.Loopback(name), hub)))
	}

	res := c.Fanout(ctx, methodEcho, []byte("x"))
	assert.Equal(t, []transport.Descriptor{transport.Loopback("a"), transport.Loopback("b")}, res.Succeeded)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, transport.Loopback("unreachable"), res.Failed[0].Desc)
	assert.Equal(t, KindConnect, KindOf(res.Failed[0].Err))
	assert.Equal(t, int32(2), hits.Load())

	resp, err := c.CallRaw(ctx, methodEcho, []byte("y"))
	assert.Nil(t, resp)
	var fe *FanoutError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, 3, fe.Total)
	assert.Len(t, fe.Failed, 1)
	assert.Contains(t, fe.Error(), "unreachable")
}

func TestComposite_OnewayFanout(t *testing.T) {
	ctx := testContext(t)

	var hits atomic.Int32
	c := NewComposite(WithParallelism(2))
	defer c.Close()
	for i := 0; i < 3; i++ {
		s := startServer(t, "tcp-oneway://127.0.0.1:0")
		s.Register(methodAdd, TypedOneway(JSONCodec{}, func(_ context.Context, a addArgs) error {
			hits.Add(int32(a.A))
			return nil
		}))
		require.True(t, c.Add(dial(t, s.Descriptor())))
	}

	require.NoError(t, c.Call(ctx, methodAdd, addArgs{A: 1}, nil))
	assert.Eventually(t, func() bool { return hits.Load() == 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestComposite_RemoveAndClose(t *testing.T) {
	hub := transport.NewHub()
	c := NewComposite()

	a, b := transport.Loopback("a"), transport.Loopback("b")
	ca := newClient(t, a, hub)
	require.True(t, c.Add(ca))
	require.True(t, c.Add(newClient(t, b, hub)))
	assert.Equal(t, []transport.Descriptor{a, b}, c.Descriptors())

	assert.True(t, c.Remove(a))
	assert.False(t, c.Remove(a))
	assert.Equal(t, []transport.Descriptor{b}, c.Descriptors())

	_, err := ca.CallRaw(context.Background(), methodEcho, nil)
	assert.True(t, errors.Is(err, ErrClosed))

	got, ok := c.Get(b)
	require.True(t, ok)
	assert.Equal(t, b, got.Descriptor())

	require.NoError(t, c.Close())
	assert.Zero(t, c.Len())
	assert.False(t, c.Add(newClient(t, a, hub)))
}

func TestComposite_Empty(t *testing.T) {
	c := NewComposite()
	res := c.Fanout(context.Background(), methodEcho, nil)
	assert.Empty(t, res.Succeeded)
	assert.NoError(t, res.Err())
}
