// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"encoding/binary"
	"unicode/utf8"
)

// MessageType identifies a frame.
type MessageType uint8

const (
	MsgRequest  MessageType = 0x01
	MsgResponse MessageType = 0x02
	MsgError    MessageType = 0x03
	MsgNotify   MessageType = 0x04
)

func (t MessageType) String() string {
	switch t {
	case MsgRequest:
		return "request"
	case MsgResponse:
		return "response"
	case MsgError:
		return "error"
	case MsgNotify:
		return "notify"
	default:
		return "unknown"
	}
}

// headerLen covers [1 type][4 call id][4 method id].
const headerLen = 9

type frame struct {
	typ     MessageType
	call    uint32
	method  MethodID
	payload []byte
}

func (f frame) encode() []byte {
	buf := make([]byte, headerLen+len(f.payload))
	buf[0] = byte(f.typ)
	binary.BigEndian.PutUint32(buf[1:5], f.call)
	binary.BigEndian.PutUint32(buf[5:9], uint32(f.method))
	copy(buf[headerLen:], f.payload)
	return buf
}

func decodeFrame(b []byte) (frame, error) {
	if len(b) < headerLen {
		return frame{}, errorf(KindFrameDecode, 0, "short frame: %d bytes", len(b))
	}
	f := frame{
		typ:     MessageType(b[0]),
		call:    binary.BigEndian.Uint32(b[1:5]),
		method:  MethodID(binary.BigEndian.Uint32(b[5:9])),
		payload: b[headerLen:],
	}
	if f.typ < MsgRequest || f.typ > MsgNotify {
		return frame{}, errorf(KindFrameDecode, f.method, "unknown message type 0x%02x", b[0])
	}
	return f, nil
}

// errorPayload is [1 kind][utf-8 message].
func errorPayload(kind ErrorKind, msg string) []byte {
	buf := make([]byte, 1+len(msg))
	buf[0] = byte(kind)
	copy(buf[1:], msg)
	return buf
}

func parseErrorPayload(m MethodID, b []byte) *Error {
	if len(b) < 1 {
		return errorf(KindFrameDecode, m, "empty error frame")
	}
	kind := ErrorKind(b[0])
	if kind == KindNone || int(kind) >= len(kindNames) {
		return errorf(KindFrameDecode, m, "error frame with kind %d", b[0])
	}
	msg := b[1:]
	if !utf8.Valid(msg) {
		return errorf(KindFrameDecode, m, "error frame message is not utf-8")
	}
	return &Error{Kind: kind, Method: m, Msg: string(msg)}
}
