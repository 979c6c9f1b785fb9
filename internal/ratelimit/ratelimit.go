// Package ratelimit keeps one token bucket per source so a noisy sender
// cannot flood the effects of everyone else.
package ratelimit

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const (
	maxSources = 1000
	sourceTTL  = 5 * time.Minute
)

// PerSource limits events per key. A nil *PerSource allows everything.
type PerSource struct {
	limiters *expirable.LRU[string, *rate.Limiter]
	rate     rate.Limit
	burst    int
}

// New allows perMinute events per source with a burst of a tenth of that,
// at least one. perMinute <= 0 returns nil, which disables limiting.
func New(perMinute int) *PerSource {
	if perMinute <= 0 {
		return nil
	}
	burst := perMinute / 10
	if burst < 1 {
		burst = 1
	}
	return &PerSource{
		limiters: expirable.NewLRU[string, *rate.Limiter](maxSources, nil, sourceTTL),
		rate:     rate.Limit(float64(perMinute) / 60.0),
		burst:    burst,
	}
}

// Allow reports whether key may proceed now
func (p *PerSource) Allow(key string) bool {
	if p == nil {
		return true
	}
	limiter, ok := p.limiters.Get(key)
	if !ok {
		limiter = rate.NewLimiter(p.rate, p.burst)
		p.limiters.Add(key, limiter)
	}
	return limiter.Allow()
}
