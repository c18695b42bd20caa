package bootstrap

import (
	"context"
	"net/netip"

	"vdht/internal/proto"
)

// NodeLoader is the read side of the route store.
type NodeLoader interface {
	LoadNodes() ([]proto.NodeInfo, error)
}

// StoredSource replays routes persisted by a previous run.
type StoredSource struct {
	Store NodeLoader
	Limit int
}

func (s StoredSource) Name() string { return "stored" }

func (s StoredSource) Discover(ctx context.Context) ([]netip.AddrPort, error) {
	nodes, err := s.Store.LoadNodes()
	if err != nil {
		return nil, err
	}
	out := make([]netip.AddrPort, 0, len(nodes))
	for _, ni := range nodes {
		if s.Limit > 0 && len(out) >= s.Limit {
			break
		}
		if a, ok := ni.BestAddr(); ok {
			out = append(out, a)
		}
	}
	return out, nil
}
