package server

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTrustedNetworks(t *testing.T) {
	nets, err := ParseTrustedNetworks([]string{"10.0.0.0/8", "192.0.2.7", "2001:db8::1"})
	require.NoError(t, err)
	require.Len(t, nets, 3)
	assert.Equal(t, "192.0.2.7/32", nets[1].String())
	assert.Equal(t, "2001:db8::1/128", nets[2].String())

	_, err = ParseTrustedNetworks([]string{"not-an-ip"})
	assert.ErrorContains(t, err, "not-an-ip")

	nets, err = ParseTrustedNetworks(DefaultTrustedNetworks())
	require.NoError(t, err)
	assert.True(t, IsTrustedIP("127.0.0.1", nets))
	assert.True(t, IsTrustedIP("::1", nets))
	assert.False(t, IsTrustedIP("8.8.8.8", nets))
}

func TestIsTrusted(t *testing.T) {
	nets, err := ParseTrustedNetworks([]string{"192.168.0.0/16"})
	require.NoError(t, err)

	tests := []struct {
		name string
		addr net.Addr
		want bool
	}{
		{"tcp inside", &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 25}, true},
		{"tcp outside", &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 25}, false},
		{"udp inside", &net.UDPAddr{IP: net.ParseIP("192.168.9.9"), Port: 53}, true},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTrustedAddr(tt.addr, nets))
		})
	}

	assert.False(t, IsTrustedAddr(&net.TCPAddr{IP: net.ParseIP("192.168.1.1")}, nil))
	assert.False(t, IsTrustedIP("garbage", nets))
}
