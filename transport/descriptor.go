// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	// MaxUnixPath is the longest socket path accepted, leaving room for the
	// terminator in sockaddr_un.
	MaxUnixPath = 107

	// MaxGroupName bounds process-group names.
	MaxGroupName = 127
)

// ErrInvalidAddress is wrapped by every descriptor validation failure.
var ErrInvalidAddress = errors.New("transport: invalid address")

// Address is the kind-specific half of a Descriptor. The concrete types are
// comparable values, so two addresses are equal iff every field is equal.
type Address interface {
	// Family names the address family ("inet", "unix", "tipc", "group", "loopback").
	Family() string
	String() string

	address()
}

// InetAddr addresses the TCP kinds and Broadcast. A zero IP means the
// unspecified address.
type InetAddr struct {
	IP   netip.Addr
	Port uint16
}

func (InetAddr) Family() string { return "inet" }
func (InetAddr) address()       {}

func (a InetAddr) String() string {
	if !a.IP.IsValid() {
		return ":" + strconv.Itoa(int(a.Port))
	}
	return netip.AddrPortFrom(a.IP, a.Port).String()
}

func (a InetAddr) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(a.IP, a.Port)
}

// UnixAddr addresses a Unix domain stream socket by filesystem path.
type UnixAddr struct {
	Path string
}

func (UnixAddr) Family() string   { return "unix" }
func (UnixAddr) address()         {}
func (a UnixAddr) String() string { return a.Path }

// Scope is the TIPC lookup scope.
type Scope uint8

const (
	ScopeZone Scope = iota + 1
	ScopeCluster
	ScopeNode
)

func (s Scope) String() string {
	switch s {
	case ScopeZone:
		return "zone"
	case ScopeCluster:
		return "cluster"
	case ScopeNode:
		return "node"
	default:
		return "scope(" + strconv.Itoa(int(s)) + ")"
	}
}

func parseScope(s string) (Scope, error) {
	switch strings.ToLower(s) {
	case "", "cluster":
		return ScopeCluster, nil
	case "zone":
		return ScopeZone, nil
	case "node":
		return ScopeNode, nil
	default:
		return 0, errors.Wrapf(ErrInvalidAddress, "tipc scope %q", s)
	}
}

// TIPCAddr is a TIPC service name plus lookup scope.
type TIPCAddr struct {
	Type     uint32
	Instance uint32
	Domain   uint32
	Scope    Scope
}

func (TIPCAddr) Family() string { return "tipc" }
func (TIPCAddr) address()       {}

func (a TIPCAddr) String() string {
	return fmt.Sprintf("%d.%d.%d?scope=%v", a.Type, a.Instance, a.Domain, a.Scope)
}

// GroupAddr names a process group.
type GroupAddr struct {
	Name string
}

func (GroupAddr) Family() string   { return "group" }
func (GroupAddr) address()         {}
func (a GroupAddr) String() string { return a.Name }

// LoopbackAddr names an in-process endpoint on a Hub.
type LoopbackAddr struct {
	Name string
}

func (LoopbackAddr) Family() string   { return "loopback" }
func (LoopbackAddr) address()         {}
func (a LoopbackAddr) String() string { return a.Name }

// Descriptor fully identifies a transport endpoint.
type Descriptor struct {
	Kind Kind
	Addr Address
}

func TCP(addr netip.AddrPort, oneway bool) Descriptor {
	kind := KindTCP
	if oneway {
		kind = KindTCPOneway
	}
	return Descriptor{kind, InetAddr{addr.Addr(), addr.Port()}}
}

func Unix(path string, oneway bool) Descriptor {
	kind := KindUnix
	if oneway {
		kind = KindUnixOneway
	}
	return Descriptor{kind, UnixAddr{path}}
}

func TIPC(addr TIPCAddr, oneway bool) Descriptor {
	kind := KindTIPC
	if oneway {
		kind = KindTIPCOneway
	}
	if addr.Scope == 0 {
		addr.Scope = ScopeCluster
	}
	return Descriptor{kind, addr}
}

func Group(name string) Descriptor {
	return Descriptor{KindGroup, GroupAddr{name}}
}

func Broadcast(addr netip.AddrPort) Descriptor {
	return Descriptor{KindBroadcast, InetAddr{addr.Addr(), addr.Port()}}
}

func Loopback(name string) Descriptor {
	return Descriptor{KindLoopback, LoopbackAddr{name}}
}

// Oneway reports whether the descriptor's kind is oneway.
func (d Descriptor) Oneway() bool {
	return d.Kind.Oneway()
}

// Equal reports whether d and o name the same endpoint.
func (d Descriptor) Equal(o Descriptor) bool {
	return Equal(d, o)
}

// Equal is true iff both kinds are identical and every address field for
// that kind is identical. Address values are comparable, so a differing
// field or a differing address type makes them unequal.
func Equal(a, b Descriptor) bool {
	return a.Kind == b.Kind && a.Addr == b.Addr
}

func (d Descriptor) String() string {
	if d.Addr == nil {
		return d.Kind.String() + "://"
	}
	return d.Kind.String() + "://" + d.Addr.String()
}

// Validate checks that the address type matches the kind and that bounded
// fields fit.
func (d Descriptor) Validate() error {
	if d.Addr == nil {
		return errors.Wrapf(ErrInvalidAddress, "%v: missing address", d.Kind)
	}
	switch d.Kind {
	case KindTCP, KindTCPOneway, KindBroadcast:
		if _, ok := d.Addr.(InetAddr); !ok {
			return mismatch(d)
		}
	case KindUnix, KindUnixOneway:
		a, ok := d.Addr.(UnixAddr)
		if !ok {
			return mismatch(d)
		}
		if a.Path == "" || len(a.Path) > MaxUnixPath {
			return errors.Wrapf(ErrInvalidAddress, "unix path must be 1..%d bytes, got %d", MaxUnixPath, len(a.Path))
		}
	case KindTIPC, KindTIPCOneway:
		a, ok := d.Addr.(TIPCAddr)
		if !ok {
			return mismatch(d)
		}
		if a.Type == 0 {
			return errors.Wrap(ErrInvalidAddress, "tipc service type must be non-zero")
		}
		if a.Scope < ScopeZone || a.Scope > ScopeNode {
			return errors.Wrapf(ErrInvalidAddress, "tipc %v", a.Scope)
		}
	case KindGroup:
		a, ok := d.Addr.(GroupAddr)
		if !ok {
			return mismatch(d)
		}
		if a.Name == "" || len(a.Name) > MaxGroupName {
			return errors.Wrapf(ErrInvalidAddress, "group name must be 1..%d bytes, got %d", MaxGroupName, len(a.Name))
		}
	case KindLoopback:
		a, ok := d.Addr.(LoopbackAddr)
		if !ok {
			return mismatch(d)
		}
		if a.Name == "" {
			return errors.Wrap(ErrInvalidAddress, "loopback name is empty")
		}
	default:
		return errors.Wrapf(ErrInvalidAddress, "unknown kind %d", d.Kind)
	}
	return nil
}

func mismatch(d Descriptor) error {
	return errors.Wrapf(ErrInvalidAddress, "%v does not accept %s addresses", d.Kind, d.Addr.Family())
}

// Parse reads the URL form produced by Descriptor.String:
//
//	tcp://10.0.0.1:7000        tcp-oneway://[::1]:7000
//	unix:///run/app.sock       unix-oneway:///run/app.sock
//	tipc://1000.1.0?scope=node tipc-oneway://1000.1.0
//	group://name               broadcast://255.255.255.255:5404
//	loopback://name
func Parse(s string) (Descriptor, error) {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		return Descriptor{}, errors.Wrapf(ErrInvalidAddress, "%q: missing scheme", s)
	}
	kind, err := ParseKind(scheme)
	if err != nil {
		return Descriptor{}, errors.Wrap(ErrInvalidAddress, err.Error())
	}

	var d Descriptor
	switch kind {
	case KindTCP, KindTCPOneway, KindBroadcast:
		addr, err := parseInet(rest)
		if err != nil {
			return Descriptor{}, err
		}
		d = Descriptor{kind, addr}
	case KindUnix, KindUnixOneway:
		d = Descriptor{kind, UnixAddr{rest}}
	case KindTIPC, KindTIPCOneway:
		addr, err := parseTIPC(rest)
		if err != nil {
			return Descriptor{}, err
		}
		d = Descriptor{kind, addr}
	case KindGroup:
		d = Descriptor{kind, GroupAddr{rest}}
	case KindLoopback:
		d = Descriptor{kind, LoopbackAddr{rest}}
	}
	return d, d.Validate()
}

// MustParse is Parse for literals known to be valid.
func MustParse(s string) Descriptor {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

func parseInet(s string) (InetAddr, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return InetAddr{ap.Addr(), ap.Port()}, nil
	}

	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return InetAddr{}, errors.Wrapf(ErrInvalidAddress, "%q: %v", s, err)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return InetAddr{}, errors.Wrapf(ErrInvalidAddress, "%q: bad port", s)
	}
	if host == "" {
		return InetAddr{Port: uint16(p)}, nil
	}

	ips, err := net.DefaultResolver.LookupNetIP(context.Background(), "ip", host)
	if err != nil || len(ips) == 0 {
		return InetAddr{}, errors.Wrapf(ErrInvalidAddress, "%q: cannot resolve host", s)
	}
	ip := ips[0]
	for _, cand := range ips {
		if cand.Unmap().Is4() {
			ip = cand
			break
		}
	}
	return InetAddr{ip.Unmap(), uint16(p)}, nil
}

func parseTIPC(s string) (TIPCAddr, error) {
	name, query, _ := strings.Cut(s, "?")
	parts := strings.Split(name, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return TIPCAddr{}, errors.Wrapf(ErrInvalidAddress, "tipc %q: want type.instance[.domain]", s)
	}

	var nums [3]uint32
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return TIPCAddr{}, errors.Wrapf(ErrInvalidAddress, "tipc %q: %v", s, err)
		}
		nums[i] = uint32(n)
	}

	values, err := url.ParseQuery(query)
	if err != nil {
		return TIPCAddr{}, errors.Wrapf(ErrInvalidAddress, "tipc %q: %v", s, err)
	}
	scope, err := parseScope(values.Get("scope"))
	if err != nil {
		return TIPCAddr{}, err
	}
	return TIPCAddr{nums[0], nums[1], nums[2], scope}, nil
}

// inetFromNet converts a bound net.Addr back into an InetAddr.
func inetFromNet(a net.Addr) InetAddr {
	switch v := a.(type) {
	case *net.TCPAddr:
		ip, _ := netip.AddrFromSlice(v.IP)
		return InetAddr{ip.Unmap(), uint16(v.Port)}
	case *net.UDPAddr:
		ip, _ := netip.AddrFromSlice(v.IP)
		return InetAddr{ip.Unmap(), uint16(v.Port)}
	}
	return InetAddr{}
}
