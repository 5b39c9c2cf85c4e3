package dispatch

import (
	"sync"

	"golang.org/x/time/rate"
)

// PerSwarmLimiter token-buckets dispatch attempts per target swarm, so a
// single slow or flapping swarm cannot be flooded with redispatch attempts.
type PerSwarmLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

func NewPerSwarmLimiter(r float64, burst int) *PerSwarmLimiter {
	return &PerSwarmLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(r),
		burst:    burst,
	}
}

// Allow reports whether a dispatch attempt to swarmID may proceed now.
func (l *PerSwarmLimiter) Allow(swarmID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[swarmID]
	if !ok {
		limiter = rate.NewLimiter(l.r, l.burst)
		l.limiters[swarmID] = limiter
	}
	return limiter.Allow()
}
