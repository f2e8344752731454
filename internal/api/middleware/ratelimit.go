package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kiranshivaraju/celljobs/internal/api/response"
	"github.com/kiranshivaraju/celljobs/internal/cache"
)

const (
	defaultRequestsPerMinute = 60
	rateWindow               = time.Minute
)

// RateLimit caps control-plane requests per operator key in fixed one-minute
// windows counted in Redis.
type RateLimit struct {
	cache cache.Cache
	limit int
	now   func() time.Time
}

// NewRateLimit creates RateLimit allowing requestsPerMin per key.
func NewRateLimit(c cache.Cache, requestsPerMin int) *RateLimit {
	if requestsPerMin <= 0 {
		requestsPerMin = defaultRequestsPerMinute
	}
	return &RateLimit{cache: c, limit: requestsPerMin, now: time.Now}
}

// Limit counts the request against the key_prefix set by Authenticate.
// Requests without a prefix pass through, as do requests when Redis fails.
func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prefix, ok := getKeyPrefix(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		count, err := rl.cache.IncrWithExpiry(r.Context(), cache.RateLimitKey(prefix), rateWindow)
		if err != nil {
			slog.Warn("rate limit check failed", "error", err)
			next.ServeHTTP(w, r)
			return
		}

		remaining := max(rl.limit-int(count), 0)
		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(rl.limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(rl.now().Add(rateWindow).Unix(), 10))

		if count > int64(rl.limit) {
			h.Set("Retry-After", strconv.Itoa(int(rateWindow.Seconds())))
			response.Error(w, http.StatusTooManyRequests,
				"RATE_LIMIT_EXCEEDED", "Too many requests", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}
