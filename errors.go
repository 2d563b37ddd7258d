// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/luxfi/fabric/transport"
)

// ErrClosed is returned by calls on a closed Client, Composite or Server.
var ErrClosed = errors.New("rpc: closed")

// ErrorKind classifies a call failure.
type ErrorKind uint8

const (
	KindNone ErrorKind = iota
	KindConnect
	KindIO
	KindFrameDecode
	KindUnknownMethod
	KindHandler
)

var kindNames = [...]string{
	KindNone:          "none",
	KindConnect:       "connect",
	KindIO:            "io",
	KindFrameDecode:   "frame decode",
	KindUnknownMethod: "unknown method",
	KindHandler:       "handler",
}

func (k ErrorKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Error is the structured failure of a call.
type Error struct {
	Kind   ErrorKind
	Method MethodID
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc: %v error, method %d: %s", e.Kind, e.Method, e.detail())
}

func (e *Error) Unwrap() error { return e.Err }

// detail is the part of the message that crosses the wire.
func (e *Error) detail() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Msg
	}
}

func newError(kind ErrorKind, m MethodID, err error) *Error {
	return &Error{Kind: kind, Method: m, Err: err}
}

func errorf(kind ErrorKind, m MethodID, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Method: m, Msg: fmt.Sprintf(format, args...)}
}

// KindOf classifies err. Transport errors map to KindConnect or KindIO, an
// expired or cancelled context to KindIO, and any other non-nil error to
// KindHandler.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	var ce *transport.ConnectError
	if errors.As(err, &ce) {
		return KindConnect
	}
	var ioe *transport.IOError
	if errors.As(err, &ioe) {
		return KindIO
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindIO
	}
	return KindHandler
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// wireMessage is the text sent in an error frame.
func wireMessage(err error) string {
	var re *Error
	if errors.As(err, &re) {
		return re.detail()
	}
	return err.Error()
}
