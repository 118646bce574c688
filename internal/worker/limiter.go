package worker

import (
	"sync"

	"golang.org/x/time/rate"
)

// pairLimiters hands out one token bucket per credential pair. Sessions of
// different tenants sharing a pair share its bucket. Buckets live as long as
// the executor; the pair list is small and an evicted bucket would refill to
// full burst.
type pairLimiters struct {
	limit rate.Limit
	burst int

	limiters sync.Map // pair index -> *rate.Limiter
}

func newPairLimiters(limit rate.Limit, burst int) *pairLimiters {
	if burst <= 0 {
		burst = 1
	}
	return &pairLimiters{limit: limit, burst: burst}
}

// get returns the limiter for a pair. A zero limit means unlimited.
func (p *pairLimiters) get(pair int) *rate.Limiter {
	if p.limit <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if v, ok := p.limiters.Load(pair); ok {
		return v.(*rate.Limiter)
	}
	actual, _ := p.limiters.LoadOrStore(pair, rate.NewLimiter(p.limit, p.burst))
	return actual.(*rate.Limiter)
}
