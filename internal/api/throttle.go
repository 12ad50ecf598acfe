package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// throttleIdleTTL is how long an escort's bucket survives without a
	// claim. Any bucket idle that long has refilled, so dropping it loses
	// nothing.
	throttleIdleTTL = 10 * time.Minute
	// throttleMinSweep is the map size below which idle buckets are kept.
	throttleMinSweep = 1024
)

type throttleEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// claimThrottle keeps one token bucket per escort. A zero limit disables it.
// Idle buckets are swept once the map doubles past the last sweep, so its
// size tracks the escorts active within throttleIdleTTL.
type claimThrottle struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*throttleEntry
	sweepAt  int
	now      func() time.Time
}

func newClaimThrottle(limit rate.Limit, burst int) *claimThrottle {
	if burst < 1 {
		burst = 1
	}
	return &claimThrottle{
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*throttleEntry),
		sweepAt:  throttleMinSweep,
		now:      time.Now,
	}
}

func (t *claimThrottle) Allow(escortID string) bool {
	if t.limit <= 0 {
		return true
	}
	return t.getLimiter(escortID).Allow()
}

func (t *claimThrottle) getLimiter(escortID string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	e, exists := t.limiters[escortID]
	if !exists {
		if len(t.limiters) >= t.sweepAt {
			t.sweepLocked(now)
		}
		e = &throttleEntry{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.limiters[escortID] = e
	}
	e.lastSeen = now
	return e.limiter
}

func (t *claimThrottle) sweepLocked(now time.Time) {
	for id, e := range t.limiters {
		if now.Sub(e.lastSeen) >= throttleIdleTTL {
			delete(t.limiters, id)
		}
	}
	t.sweepAt = max(throttleMinSweep, 2*len(t.limiters))
}

func (t *claimThrottle) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.limiters)
}
