// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"fmt"
	"io"
	"net"
	"os"

	"github.com/pkg/errors"
)

var (
	ErrClosed      = errors.New("transport: closed")
	ErrUnsupported = errors.New("transport: unsupported on this platform")
	ErrFrameSize   = errors.New("transport: frame exceeds limit")

	// ErrSendOnly is returned by Recv on an outbound datagram connection.
	ErrSendOnly = errors.New("transport: connection is send-only")

	// ErrNoReplyPath is returned by Send on a received datagram.
	ErrNoReplyPath = errors.New("transport: datagram has no reply path")
)

// ConnectError reports a failure to establish an endpoint, either by
// connecting or by listening.
type ConnectError struct {
	Op   string // "connect" or "listen"
	Desc Descriptor
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("transport: %s %v: %v", e.Op, e.Desc, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// IOError reports a failure moving a frame over an established endpoint.
type IOError struct {
	Op   string // "send", "recv" or "accept"
	Desc Descriptor
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("transport: %s %v: %v", e.Op, e.Desc, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Timeout reports whether the operation hit its deadline.
func (e *IOError) Timeout() bool {
	if errors.Is(e.Err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// EOF reports whether the peer closed the stream.
func (e *IOError) EOF() bool {
	return errors.Is(e.Err, io.EOF)
}

// IsEOF reports whether err signals end-of-stream.
func IsEOF(err error) bool {
	var ioe *IOError
	if errors.As(err, &ioe) {
		return ioe.EOF()
	}
	return errors.Is(err, io.EOF)
}

// IsTimeout reports whether err is an I/O deadline expiry.
func IsTimeout(err error) bool {
	var ioe *IOError
	if errors.As(err, &ioe) {
		return ioe.Timeout()
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}
