package ipv4

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterDirectVsGateway(t *testing.T) {
	_, localNet, err := net.ParseCIDR("10.0.0.0/24")
	require.NoError(t, err)
	gateway := net.IPv4(10, 0, 0, 1)

	r, err := NewRouter(localNet, gateway)
	require.NoError(t, err)

	assert.False(t, r.NeedsGateway(net.IPv4(10, 0, 0, 42)), "same subnet must not need the gateway")
	assert.True(t, r.NeedsGateway(net.IPv4(93, 184, 216, 34)), "off-subnet destination must route via the gateway")
	assert.Equal(t, gateway, r.Gateway())
}
