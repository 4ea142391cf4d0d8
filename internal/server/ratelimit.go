package server

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/54b3r/ragpipe-go/internal/logging"
)

// routeClass groups the routes that draw on one budget.
type routeClass string

const (
	// classIngest covers POST /api/documents. Each request fetches, parses
	// and embeds a whole document.
	classIngest routeClass = "ingest"
	// classQuery covers POST /api/query.
	classQuery routeClass = "query"
)

// RateLimit is a token-bucket budget for one route class.
type RateLimit struct {
	// PerSecond is the sustained request rate allowed per caller.
	PerSecond float64
	// Burst is the largest instantaneous burst per caller.
	Burst int
}

// Default budgets, applied field by field when the configured value is zero.
var (
	defaultIngestLimit = RateLimit{PerSecond: 2, Burst: 5}
	defaultQueryLimit  = RateLimit{PerSecond: 10, Burst: 20}
)

func (l RateLimit) orDefault(def RateLimit) RateLimit {
	if l.PerSecond <= 0 {
		l.PerSecond = def.PerSecond
	}
	if l.Burst <= 0 {
		l.Burst = def.Burst
	}
	return l
}

// idleBucketTTL is how long an unused bucket survives eviction.
const idleBucketTTL = 5 * time.Minute

type bucketKey struct {
	// class is the route class the bucket meters.
	class routeClass
	// caller is the caller identity, see callerKey.
	caller string
}

type bucket struct {
	// limiter is the token bucket.
	limiter *rate.Limiter
	// lastSeen is refreshed on every request for eviction.
	lastSeen time.Time
}

// rateLimiter enforces per-caller token buckets, one per route class, so a
// burst of ingestion cannot drain a caller's query budget. Idle buckets are
// evicted every minute.
type rateLimiter struct {
	// mu guards buckets.
	mu sync.Mutex
	// buckets holds the live buckets.
	buckets map[bucketKey]*bucket
	// limits is the budget per route class.
	limits map[routeClass]RateLimit
	// rejected counts 429 responses by route class.
	rejected *prometheus.CounterVec
	// now is the clock, replaced in tests.
	now func() time.Time
}

// newRateLimiter constructs a rateLimiter and starts its eviction goroutine,
// which exits when the returned stop function is called.
func newRateLimiter(limits map[routeClass]RateLimit, rejected *prometheus.CounterVec) (*rateLimiter, func()) {
	rl := &rateLimiter{
		buckets:  make(map[bucketKey]*bucket),
		limits:   limits,
		rejected: rejected,
		now:      time.Now,
	}

	stopCh := make(chan struct{})
	go rl.evictLoop(stopCh)

	var once sync.Once
	return rl, func() { once.Do(func() { close(stopCh) }) }
}

// take consumes one token from the caller's bucket for class. When the bucket
// is empty it returns false and how long until a token is available.
func (rl *rateLimiter) take(class routeClass, caller string) (time.Duration, bool) {
	now := rl.now()

	rl.mu.Lock()
	key := bucketKey{class: class, caller: caller}
	b, ok := rl.buckets[key]
	if !ok {
		l := rl.limits[class]
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(l.PerSecond), l.Burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	rl.mu.Unlock()

	res := b.limiter.ReserveN(now, 1)
	if !res.OK() {
		return time.Minute, false
	}
	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)
		return wait, false
	}
	return 0, true
}

func (rl *rateLimiter) evictLoop(stopCh <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			rl.evict()
		}
	}
}

// evict drops buckets idle for longer than idleBucketTTL and returns how many
// were removed.
func (rl *rateLimiter) evict() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-idleBucketTTL)
	n := 0
	for key, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
			n++
		}
	}
	return n
}

// limit meters next against the class budget. It must run inside the auth
// middleware so the caller's principal is known. Rejected requests receive
// 429 with a Retry-After header in whole seconds.
func (rl *rateLimiter) limit(class routeClass, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := callerKey(r)
		wait, ok := rl.take(class, caller)
		if !ok {
			rl.rejected.WithLabelValues(string(class)).Inc()
			logging.FromContext(r.Context()).Warn("rate limit exceeded",
				slog.String("class", string(class)),
				slog.String("caller", caller),
				slog.Duration("retry_after", wait),
			)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded for "+string(class)+" requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func retryAfterSeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}

// callerKey names the budget a request draws on. Callers holding a
// knowledge-base key share that knowledge base's budget wherever they connect
// from; everyone else is metered per client address.
func callerKey(r *http.Request) string {
	if p := principalFrom(r.Context()); p.scoped() {
		return p.Name
	}
	return "ip:" + clientIP(r)
}

// clientIP extracts the remote IP from the request, stripping the port.
// X-Forwarded-For is not trusted.
func clientIP(r *http.Request) string {
	addr := r.RemoteAddr
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}
