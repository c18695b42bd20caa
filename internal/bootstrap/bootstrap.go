// Package bootstrap finds the first peers a node joins the network through.
package bootstrap

import (
	"context"
	"math/rand"
	"net/netip"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	MaxJoinPerRound int
	Parallel        int
	PerAddrTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxJoinPerRound: 12,
		Parallel:        4,
		PerAddrTimeout:  2 * time.Second,
	}
}

// Joiner contacts a peer and pulls routes from it.
type Joiner interface {
	Join(ctx context.Context, addr netip.AddrPort) error
}

// Candidates gathers addresses from every source, shuffled and deduplicated.
func Candidates(ctx context.Context, log *zap.Logger, sources ...PeerSource) []netip.AddrPort {
	cands := make([]netip.AddrPort, 0, 64)
	for _, s := range sources {
		addrs, err := s.Discover(ctx)
		if err != nil {
			log.Warn("bootstrap source failed", zap.String("source", s.Name()), zap.Error(err))
			continue
		}
		cands = append(cands, addrs...)
	}

	// Shuffle to avoid everyone hitting the same bootstrap in the same order.
	rand.Shuffle(len(cands), func(i, j int) { cands[i], cands[j] = cands[j], cands[i] })

	seen := make(map[netip.AddrPort]struct{}, len(cands))
	out := cands[:0]
	for _, a := range cands {
		if _, ok := seen[a]; ok || !a.IsValid() {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

// RunOnce joins through up to MaxJoinPerRound candidates and returns how many
// answered.
func RunOnce(ctx context.Context, j Joiner, log *zap.Logger, cfg Config, sources ...PeerSource) int {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.PerAddrTimeout <= 0 {
		cfg.PerAddrTimeout = DefaultConfig().PerAddrTimeout
	}
	cands := Candidates(ctx, log, sources...)
	if cfg.MaxJoinPerRound > 0 && len(cands) > cfg.MaxJoinPerRound {
		cands = cands[:cfg.MaxJoinPerRound]
	}

	var joined atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	if cfg.Parallel > 0 {
		g.SetLimit(cfg.Parallel)
	}
	for _, a := range cands {
		g.Go(func() error {
			actx, cancel := context.WithTimeout(gctx, cfg.PerAddrTimeout)
			defer cancel()
			if err := j.Join(actx, a); err != nil {
				log.Debug("join failed", zap.Stringer("addr", a), zap.Error(err))
				return nil
			}
			joined.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(joined.Load())
}
