package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mkessel/twinward/internal/config"
	"github.com/mkessel/twinward/internal/metrics"
)

// clientLimiter is a token-bucket rate limiter keyed per client: by API
// key when the request carries one, by remote IP otherwise. Idle entries
// are pruned after entry_ttl so the table stays bounded.
type clientLimiter struct {
	limit    rate.Limit
	burst    int
	ttl      time.Duration
	excluded map[string]bool

	mu      sync.Mutex
	entries map[string]*limiterEntry
	now     func() time.Time
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(cfg config.RateLimitConfig) *clientLimiter {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = rpm
	}
	ttl := cfg.EntryTTL.Std()
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	excluded := make(map[string]bool, len(cfg.ExcludedPaths))
	for _, p := range cfg.ExcludedPaths {
		excluded[p] = true
	}
	return &clientLimiter{
		limit:    rate.Limit(float64(rpm) / 60.0),
		burst:    burst,
		ttl:      ttl,
		excluded: excluded,
		entries:  map[string]*limiterEntry{},
		now:      time.Now,
	}
}

// clientKey prefers the API key so clients behind one NAT are not
// lumped together.
func clientKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return "key:" + key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// admit reserves one token for the client. The second return is the
// wait the client should observe before retrying, zero when admitted.
func (cl *clientLimiter) admit(key string) (bool, time.Duration) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := cl.now()
	for k, e := range cl.entries {
		if now.Sub(e.lastSeen) > cl.ttl {
			delete(cl.entries, k)
		}
	}

	e, ok := cl.entries[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(cl.limit, cl.burst)}
		cl.entries[key] = e
	}
	e.lastSeen = now

	// Reserve rather than Allow so a denial reports the real wait until
	// the next token; the cancelled reservation gives the token back.
	res := e.lim.Reserve()
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return false, delay
	}
	return true, 0
}

func (cl *clientLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cl.excluded[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		ok, retryAfter := cl.admit(clientKey(r))
		if !ok {
			metrics.RateLimitRejectionsTotal.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			writeError(w, http.StatusTooManyRequests, codeRateLimited, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
