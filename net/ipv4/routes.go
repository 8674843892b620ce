package ipv4

import (
	"net"

	"github.com/asergeyev/nradix"
)

// Router decides whether a destination needs the default gateway or is
// reachable directly on the local link, via a CIDR longest-prefix match
// rather than a hand-rolled subnet-mask comparison.
type Router struct {
	tree    *nradix.Tree
	gateway net.IP
}

// NewRouter builds a two-route table: the local subnet (direct, no
// gateway) and a 0.0.0.0/0 default pointing at gateway. A destination
// inside localNet matches the more specific route; everything else
// falls through to the default.
func NewRouter(localNet *net.IPNet, gateway net.IP) (*Router, error) {
	tree := nradix.NewTree(32)
	if err := tree.AddCIDR(localNet.String(), false); err != nil {
		return nil, err
	}
	if err := tree.AddCIDR("0.0.0.0/0", true); err != nil {
		return nil, err
	}
	return &Router{tree: tree, gateway: gateway}, nil
}

func (r *Router) Gateway() net.IP { return r.gateway }

// NeedsGateway reports whether dst must be sent to the gateway rather
// than addressed directly.
func (r *Router) NeedsGateway(dst net.IP) bool {
	v, err := r.tree.FindCIDR(dst.String())
	if err != nil || v == nil {
		return true
	}
	return v.(bool)
}
