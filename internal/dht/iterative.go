package dht

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"vdht/internal/nodeid"
	"vdht/internal/proto"
)

type LookupConfig struct {
	Alpha      int
	K          int
	RPCTimeout time.Duration
	MaxRounds  int
}

func DefaultLookupConfig() LookupConfig {
	return LookupConfig{
		Alpha:      3,
		K:          DefaultBucketSize,
		RPCTimeout: DefaultRPCTimeout,
		MaxRounds:  32,
	}
}

// LookupConfig returns the defaults this node's lookups run with.
func (d *DHT) LookupConfig() LookupConfig { return d.lookup }

var ErrNoPeers = errors.New("dht: routing table is empty")

// IterativeFindClosest walks the network toward target, asking Alpha nodes
// per round for their closest nodes, until a round brings nothing closer.
// It returns up to K nodes sorted by distance.
func (d *DHT) IterativeFindClosest(ctx context.Context, target nodeid.ID, cfg LookupConfig) ([]proto.NodeInfo, error) {
	if cfg.Alpha <= 0 {
		cfg.Alpha = 3
	}
	if cfg.K <= 0 {
		cfg.K = d.rt.K()
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = d.rpcTimeout
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 32
	}

	start := d.clock.Now()
	queries := 0

	// seed from routing table
	best := d.rt.Closest(target, cfg.K)
	if len(best) == 0 {
		d.metrics.ObserveLookup("find_closest", 0, 0, false)
		return nil, ErrNoPeers
	}

	self := d.Self().ID
	queried := make(map[nodeid.ID]bool)
	failed := make(map[nodeid.ID]bool)
	seen := map[nodeid.ID]bool{self: true}
	for _, c := range best {
		seen[c.ID] = true
	}

	// helper to choose next α
	pickNext := func() []Contact {
		out := make([]Contact, 0, cfg.Alpha)
		for _, c := range best {
			if len(out) == cfg.Alpha {
				break
			}
			if queried[c.ID] {
				continue
			}
			queried[c.ID] = true
			out = append(out, c)
		}
		return out
	}

	type result struct {
		peer  Contact
		nodes []proto.NodeInfo
		err   error
	}

	closerFound := true
	for rounds := 0; closerFound && rounds < cfg.MaxRounds; rounds++ {
		closerFound = false

		toQuery := pickNext()
		if len(toQuery) == 0 {
			break
		}
		queries += len(toQuery)

		resCh := make(chan result, len(toQuery))
		for _, peer := range toQuery {
			go func(peer Contact) {
				qctx, cancel := context.WithTimeout(ctx, cfg.RPCTimeout)
				defer cancel()
				nodes, err := d.FindClosest(qctx, peer.Addr(), target)
				resCh <- result{peer: peer, nodes: nodes, err: err}
			}(peer)
		}

		closest := best[0].ID
		for range toQuery {
			r := <-resCh
			if r.err != nil {
				if ctx.Err() == nil {
					failed[r.peer.ID] = true
					d.Forget(r.peer.ID)
				}
				continue
			}
			for _, ni := range r.nodes {
				if seen[ni.ID] || !ni.ID.Valid() {
					continue
				}
				if _, ok := ni.BestAddr(); !ok {
					continue
				}
				seen[ni.ID] = true
				d.rt.Upsert(ni)
				best = append(best, Contact{NodeInfo: ni, LastSeen: d.clock.Now()})
			}
		}

		if err := ctx.Err(); err != nil {
			d.metrics.ObserveLookup("find_closest", queries, d.clock.Since(start), false)
			return nil, err
		}

		live := best[:0]
		for _, c := range best {
			if !failed[c.ID] {
				live = append(live, c)
			}
		}
		best = live
		if len(best) == 0 {
			break
		}
		SortByDistance(best, target)
		if len(best) > cfg.K {
			best = best[:cfg.K]
		}
		if best[0].ID != closest {
			closerFound = true
		} else {
			// nothing closer: still ask whoever in the top K has not been asked
			for _, c := range best {
				if !queried[c.ID] {
					closerFound = true
					break
				}
			}
		}
	}

	out := make([]proto.NodeInfo, 0, len(best))
	for _, c := range best {
		out = append(out, c.NodeInfo)
	}
	d.metrics.ObserveLookup("find_closest", queries, d.clock.Since(start), len(out) > 0)
	return out, nil
}

// closestAddrs resolves the K nodes closest to target, falling back to the
// local table when the lookup fails.
func (d *DHT) closestAddrs(ctx context.Context, target nodeid.ID) []netip.AddrPort {
	nodes, err := d.IterativeFindClosest(ctx, target, d.lookup)
	if err != nil {
		for _, c := range d.rt.Closest(target, d.rt.K()) {
			nodes = append(nodes, c.NodeInfo)
		}
	}
	out := make([]netip.AddrPort, 0, len(nodes))
	for _, ni := range nodes {
		if a, ok := ni.BestAddr(); ok {
			out = append(out, a)
		}
	}
	return out
}
