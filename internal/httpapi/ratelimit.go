package httpapi

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const maxBuckets = 10000

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// rateLimiter throttles the public record-visit call per client address.
// A nil *rateLimiter allows everything.
type rateLimiter struct {
	mu    sync.Mutex
	rps   rate.Limit
	burst int
	idle  time.Duration
	bkts  map[string]*bucket // key: ip
	now   func() time.Time
}

func newRateLimiter(rps float64, burst int) *rateLimiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	// a bucket idle this long is full again and can be forgotten
	idle := time.Duration(float64(burst)/rps*float64(time.Second)) + time.Second
	return &rateLimiter{
		rps:   rate.Limit(rps),
		burst: burst,
		idle:  idle,
		bkts:  make(map[string]*bucket),
		now:   time.Now,
	}
}

func (rl *rateLimiter) Allow(key string) bool {
	if rl == nil {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	bkt, ok := rl.bkts[key]
	if !ok {
		if len(rl.bkts) >= maxBuckets {
			rl.sweep(now)
		}
		bkt = &bucket{lim: rate.NewLimiter(rl.rps, rl.burst)}
		rl.bkts[key] = bkt
	}
	bkt.lastSeen = now
	return bkt.lim.AllowN(now, 1)
}

// caller holds rl.mu
func (rl *rateLimiter) sweep(now time.Time) {
	for k, b := range rl.bkts {
		if now.Sub(b.lastSeen) > rl.idle {
			delete(rl.bkts, k)
		}
	}
	if len(rl.bkts) >= maxBuckets {
		rl.bkts = make(map[string]*bucket)
	}
}
