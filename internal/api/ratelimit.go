package api

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// accountIdleTTL is how long an account's limiter survives without traffic.
// After a full minute idle the limiter has refilled to its burst, so dropping
// it is indistinguishable from keeping it.
const accountIdleTTL = 10 * time.Minute

type accountLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles subscription changes per account: rpm per minute with
// a burst of rpm.
type RateLimiter struct {
	rpm int
	now func() time.Time

	mu        sync.Mutex
	accounts  map[string]*accountLimiter
	lastSweep time.Time
}

// NewRateLimiter returns a limiter allowing rpm requests per minute per
// account. A non-positive rpm disables limiting.
func NewRateLimiter(rpm int) *RateLimiter {
	return &RateLimiter{
		rpm:      rpm,
		now:      time.Now,
		accounts: make(map[string]*accountLimiter),
	}
}

// Allow spends one request of key's budget. When none is left it returns
// false and how long until one is.
func (r *RateLimiter) Allow(key string) (bool, time.Duration) {
	if r.rpm <= 0 {
		return true, 0
	}
	now := r.now()

	r.mu.Lock()
	r.sweep(now)
	entry := r.accounts[key]
	if entry == nil {
		entry = &accountLimiter{limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(r.rpm)), r.rpm)}
		r.accounts[key] = entry
	}
	entry.lastSeen = now
	r.mu.Unlock()

	res := entry.limiter.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// sweep drops idle accounts at most once per TTL. Callers hold r.mu.
func (r *RateLimiter) sweep(now time.Time) {
	if now.Sub(r.lastSweep) < accountIdleTTL {
		return
	}
	r.lastSweep = now
	for key, entry := range r.accounts {
		if now.Sub(entry.lastSeen) > accountIdleTTL {
			delete(r.accounts, key)
		}
	}
}

func (r *RateLimiter) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.accounts)
}

// retryAfterSeconds rounds a delay up to whole seconds for Retry-After.
func retryAfterSeconds(d time.Duration) int {
	return int(math.Max(1, math.Ceil(d.Seconds())))
}
