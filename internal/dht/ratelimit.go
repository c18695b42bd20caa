package dht

import (
	"net/netip"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const (
	defaultRatePerSec = 20
	defaultRateBurst  = 40
	limiterCacheSize  = 4096
	limiterIdleTTL    = 5 * time.Minute
)

// sourceLimiter keeps one token bucket per source IP. Idle sources age out of
// the cache, so a flood of spoofed addresses cannot grow it without bound.
type sourceLimiter struct {
	r     rate.Limit
	burst int
	cache *expirable.LRU[netip.Addr, *rate.Limiter]
}

func newSourceLimiter(perSec float64, burst int) *sourceLimiter {
	return &sourceLimiter{
		r:     rate.Limit(perSec),
		burst: burst,
		cache: expirable.NewLRU[netip.Addr, *rate.Limiter](limiterCacheSize, nil, limiterIdleTTL),
	}
}

func (s *sourceLimiter) allow(src netip.Addr, now time.Time) bool {
	l, ok := s.cache.Get(src)
	if !ok {
		l = rate.NewLimiter(s.r, s.burst)
		s.cache.Add(src, l)
	}
	return l.AllowN(now, 1)
}
