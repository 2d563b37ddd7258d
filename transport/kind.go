// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"strings"

	"github.com/pkg/errors"
)

// Kind identifies a transport: its address family and whether it carries
// responses.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindTCP
	KindTCPOneway
	KindUnix
	KindUnixOneway
	KindTIPC
	KindTIPCOneway
	KindGroup // process-group multicast
	KindBroadcast
	KindLoopback
)

var kindNames = map[Kind]string{
	KindTCP:        "tcp",
	KindTCPOneway:  "tcp-oneway",
	KindUnix:       "unix",
	KindUnixOneway: "unix-oneway",
	KindTIPC:       "tipc",
	KindTIPCOneway: "tipc-oneway",
	KindGroup:      "group",
	KindBroadcast:  "broadcast",
	KindLoopback:   "loopback",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Oneway reports whether calls over this kind never carry a response frame.
func (k Kind) Oneway() bool {
	switch k {
	case KindTCPOneway, KindUnixOneway, KindTIPCOneway, KindGroup, KindBroadcast:
		return true
	default:
		return false
	}
}

// Datagram reports whether one message maps to one datagram rather than a
// length-prefixed frame on a stream.
func (k Kind) Datagram() bool {
	return k == KindGroup || k == KindBroadcast
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return KindUnknown, errors.Errorf("transport: unknown kind %q", s)
}
