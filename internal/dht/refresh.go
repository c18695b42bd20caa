package dht

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"vdht/internal/nodeid"
)

// refresh looks up our own id, which fills the near buckets, and one random
// id to keep distant buckets populated.
func (d *DHT) refresh(ctx context.Context) {
	for _, target := range []nodeid.ID{d.Self().ID, nodeid.New()} {
		if _, err := d.IterativeFindClosest(ctx, target, d.lookup); err != nil {
			d.log.Debug("bucket refresh", zap.String("target", target.String()), zap.Error(err))
			return
		}
	}
}

// evictStale pings the least recently seen contact of each bucket that has
// been quiet for a full tick interval and drops those that do not answer.
func (d *DHT) evictStale(ctx context.Context) {
	stale := d.rt.Stale(d.tickEvery)
	if len(stale) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, c := range stale {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.Ping(ctx, c.Addr()); err != nil {
				d.Forget(c.ID)
			}
		}()
	}
	wg.Wait()
}
