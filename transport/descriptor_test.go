// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEqual_IdenticalTCP(t *testing.T) {
	a := TCP(netip.MustParseAddrPort("10.0.0.1:7000"), false)
	b := TCP(netip.MustParseAddrPort("10.0.0.1:7000"), false)
	assert.True(t, Equal(a, b))
	assert.True(t, a.Equal(b))
}

func TestEqual_SingleFieldDiffers(t *testing.T) {
	base := TCP(netip.MustParseAddrPort("10.0.0.1:7000"), false)

	tests := []struct {
		name  string
		other Descriptor
	}{
		{"port", TCP(netip.MustParseAddrPort("10.0.0.1:7001"), false)},
		{"address", TCP(netip.MustParseAddrPort("10.0.0.2:7000"), false)},
		{"family", TCP(netip.MustParseAddrPort("[::ffff:10.0.0.1]:7000"), false)},
		{"kind", TCP(netip.MustParseAddrPort("10.0.0.1:7000"), true)},
		{"broadcast kind", Broadcast(netip.MustParseAddrPort("10.0.0.1:7000"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, Equal(base, tt.other))
			assert.False(t, Equal(tt.other, base))
		})
	}
}

func TestEqual_OtherFamilies(t *testing.T) {
	assert.True(t, Equal(Unix("/run/a.sock", false), Unix("/run/a.sock", false)))
	assert.False(t, Equal(Unix("/run/a.sock", false), Unix("/run/b.sock", false)))
	assert.False(t, Equal(Unix("/run/a.sock", false), Unix("/run/a.sock", true)))

	tipc := TIPCAddr{Type: 1000, Instance: 1, Domain: 0, Scope: ScopeCluster}
	assert.True(t, Equal(TIPC(tipc, false), TIPC(tipc, false)))

	other := tipc
	other.Instance = 2
	assert.False(t, Equal(TIPC(tipc, false), TIPC(other, false)))

	other = tipc
	other.Scope = ScopeNode
	assert.False(t, Equal(TIPC(tipc, false), TIPC(other, false)))

	assert.True(t, Equal(Group("ab12cd"), Group("ab12cd")))
	assert.False(t, Equal(Group("ab12cd"), Group("ab12ce")))
	assert.False(t, Equal(Group("x"), Loopback("x")))
}

func TestEqual_KindMismatchWithSameFields(t *testing.T) {
	a := Descriptor{KindUnix, UnixAddr{"/tmp/x"}}
	b := Descriptor{KindUnixOneway, UnixAddr{"/tmp/x"}}
	assert.False(t, Equal(a, b))
}

func TestParse_RoundTrip(t *testing.T) {
	inputs := []string{
		"tcp://10.0.0.1:7000",
		"tcp-oneway://[::1]:7000",
		"tcp://:0",
		"unix:///run/app.sock",
		"unix-oneway:///run/app.sock",
		"tipc://1000.1.0?scope=node",
		"tipc-oneway://1000.7.0?scope=cluster",
		"group://ab12cd",
		"broadcast://255.255.255.255:5404",
		"loopback://svc",
	}
	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			d, err := Parse(in)
			require.NoError(t, err)
			assert.Equal(t, in, d.String())

			again, err := Parse(d.String())
			require.NoError(t, err)
			assert.True(t, Equal(d, again))
		})
	}
}

func TestParse_TIPCDefaults(t *testing.T) {
	d, err := Parse("tipc://42.3")
	require.NoError(t, err)
	assert.Equal(t, TIPCAddr{Type: 42, Instance: 3, Scope: ScopeCluster}, d.Addr)
}

func TestParse_Invalid(t *testing.T) {
	inputs := []string{
		"10.0.0.1:7000",
		"smtp://10.0.0.1:25",
		"tcp://10.0.0.1",
		"tcp://10.0.0.1:99999",
		"unix://",
		"tipc://0.1",
		"tipc://a.b",
		"tipc://1.2?scope=galaxy",
		"group://",
		"loopback://",
	}
	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			_, err := Parse(in)
			assert.True(t, errors.Is(err, ErrInvalidAddress), "%v", err)
		})
	}
}

func TestValidate_Bounds(t *testing.T) {
	assert.NoError(t, Unix(strings.Repeat("a", MaxUnixPath), false).Validate())
	assert.Error(t, Unix(strings.Repeat("a", MaxUnixPath+1), false).Validate())

	assert.NoError(t, Group(strings.Repeat("g", MaxGroupName)).Validate())
	assert.Error(t, Group(strings.Repeat("g", MaxGroupName+1)).Validate())

	assert.Error(t, Descriptor{KindTCP, UnixAddr{"/x"}}.Validate())
	assert.Error(t, Descriptor{KindTCP, nil}.Validate())
	assert.Error(t, Descriptor{KindUnknown, GroupAddr{"x"}}.Validate())
}

func TestKind_Oneway(t *testing.T) {
	oneway := map[Kind]bool{
		KindTCP:        false,
		KindTCPOneway:  true,
		KindUnix:       false,
		KindUnixOneway: true,
		KindTIPC:       false,
		KindTIPCOneway: true,
		KindGroup:      true,
		KindBroadcast:  true,
		KindLoopback:   false,
	}
	for k, want := range oneway {
		assert.Equal(t, want, k.Oneway(), k.String())

		parsed, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
}
