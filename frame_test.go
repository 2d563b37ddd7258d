// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameEncodeDecode(t *testing.T) {
	in := frame{typ: MsgRequest, call: 7, method: 42, payload: []byte("args")}
	b := in.encode()
	require.Len(t, b, headerLen+4)
	assert.Equal(t, byte(MsgRequest), b[0])

	out, err := decodeFrame(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	empty, err := decodeFrame(frame{typ: MsgNotify, call: 1, method: 1}.encode())
	require.NoError(t, err)
	assert.Empty(t, empty.payload)
}

func TestDecodeFrameErrors(t *testing.T) {
	_, err := decodeFrame([]byte{byte(MsgRequest), 0, 0})
	assert.Equal(t, KindFrameDecode, KindOf(err))

	bad := frame{typ: MsgRequest, call: 1, method: 1}.encode()
	bad[0] = 0x7f
	_, err = decodeFrame(bad)
	assert.Equal(t, KindFrameDecode, KindOf(err))

	bad[0] = 0
	_, err = decodeFrame(bad)
	assert.Equal(t, KindFrameDecode, KindOf(err))
}

func TestErrorPayload(t *testing.T) {
	e := parseErrorPayload(5, errorPayload(KindUnknownMethod, "no handler registered"))
	assert.Equal(t, KindUnknownMethod, e.Kind)
	assert.Equal(t, MethodID(5), e.Method)
	assert.Equal(t, "no handler registered", e.Msg)

	assert.Equal(t, KindFrameDecode, parseErrorPayload(5, nil).Kind)
	assert.Equal(t, KindFrameDecode, parseErrorPayload(5, []byte{byte(KindNone)}).Kind)
	assert.Equal(t, KindFrameDecode, parseErrorPayload(5, []byte{0xee, 'x'}).Kind)
	assert.Equal(t, KindFrameDecode, parseErrorPayload(5, []byte{byte(KindHandler), 0xff, 0xfe}).Kind)
}
