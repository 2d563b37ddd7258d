// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

//go:build linux

package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestTIPC_RoundTrip(t *testing.T) {
	fd, err := tipcSocket()
	if err != nil {
		t.Skipf("tipc unavailable: %v", err)
	}
	unix.Close(fd)

	d := TIPC(TIPCAddr{Type: 18888, Instance: uint32(time.Now().UnixNano() & 0xffff), Scope: ScopeNode}, false)
	tr, err := New(d)
	require.NoError(t, err)
	defer tr.Close()

	l, err := tr.Listen(context.Background())
	if err != nil {
		t.Skipf("tipc bind failed: %v", err)
	}
	done := echoOnce(t, l)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := tr.Connect(ctx)
	require.NoError(t, err)

	require.NoError(t, c.Send(ctx, []byte("tipc")))
	got, err := c.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("tipc"), got)

	require.NoError(t, c.Close())
	require.NoError(t, <-done)
}
