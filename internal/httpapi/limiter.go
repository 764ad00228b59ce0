package httpapi

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterIdleFloor is the shortest time a tenant bucket is kept after its
// last request.
const limiterIdleFloor = 10 * time.Minute

// tenantLimiter hands out one token bucket per tenant. Buckets idle long
// enough to have refilled completely are dropped, since a fresh bucket
// behaves identically.
type tenantLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	idle      time.Duration
	now       func() time.Time
	lastSweep time.Time
	limiters  map[string]*tenantBucket
}

type tenantBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newTenantLimiter returns nil when perMinute is not positive, which
// disables limiting.
func newTenantLimiter(perMinute, burst int) *tenantLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = perMinute
	}
	interval := time.Minute / time.Duration(perMinute)
	return &tenantLimiter{
		limit:    rate.Every(interval),
		burst:    burst,
		idle:     max(limiterIdleFloor, interval*time.Duration(burst)),
		now:      time.Now,
		limiters: make(map[string]*tenantBucket),
	}
}

func (l *tenantLimiter) allow(tenantID string) bool {
	if l == nil {
		return true
	}
	now := l.now()
	l.mu.Lock()
	if now.Sub(l.lastSweep) >= l.idle {
		l.sweep(now)
	}
	bucket, ok := l.limiters[tenantID]
	if !ok {
		bucket = &tenantBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[tenantID] = bucket
	}
	bucket.lastSeen = now
	l.mu.Unlock()
	return bucket.limiter.AllowN(now, 1)
}

// sweep drops buckets unused for longer than the idle window. Callers hold mu.
func (l *tenantLimiter) sweep(now time.Time) {
	for tenantID, bucket := range l.limiters {
		if now.Sub(bucket.lastSeen) > l.idle {
			delete(l.limiters, tenantID)
		}
	}
	l.lastSweep = now
}
