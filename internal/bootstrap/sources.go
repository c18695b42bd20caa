package bootstrap

import (
	"context"
	"net/netip"
)

type PeerSource interface {
	// Discover returns candidate peers to join through.
	Discover(ctx context.Context) ([]netip.AddrPort, error)
	Name() string
}
