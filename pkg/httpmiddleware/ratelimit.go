package httpmiddleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig configures the sliding window rate limiter.
type RateLimitConfig struct {
	// Max is the number of requests allowed per Window.
	Max    int
	Window time.Duration
	// KeyFunc selects the bucket of a request. Defaults to ClientIP.
	KeyFunc func(*http.Request) string
}

// window is the state of one bucket: the count of the current fixed window
// and of the one before it.
type window struct {
	start time.Time
	curr  float64
	prev  float64
}

type limiter struct {
	max    int
	size   time.Duration
	keyOf  func(*http.Request) string
	mu     sync.Mutex
	bucket map[string]*window
}

func newLimiter(cfg RateLimitConfig) *limiter {
	keyOf := cfg.KeyFunc
	if keyOf == nil {
		keyOf = ClientIP
	}
	return &limiter{
		max:    cfg.Max,
		size:   cfg.Window,
		keyOf:  keyOf,
		bucket: make(map[string]*window),
	}
}

// take consumes one request from the bucket of key. The previous window is
// weighted by how much of it still overlaps the sliding window.
func (l *limiter) take(key string, now time.Time) (remaining int, reset time.Time, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.bucket[key]
	if w == nil {
		w = &window{start: now}
		l.bucket[key] = w
	}
	if elapsed := now.Sub(w.start); elapsed >= l.size {
		w.prev = w.curr
		if elapsed >= 2*l.size {
			w.prev = 0
		}
		w.curr = 0
		w.start = now.Truncate(l.size)
	}

	overlap := math.Max(0, 1-now.Sub(w.start).Seconds()/l.size.Seconds())
	used := w.prev*overlap + w.curr
	reset = w.start.Add(l.size)
	if used >= float64(l.max) {
		return 0, reset, false
	}
	w.curr++
	return max(0, int(float64(l.max)-used-1)), reset, true
}

// evict drops buckets idle for two full windows.
func (l *limiter) evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, w := range l.bucket {
		if now.Sub(w.start) >= 2*l.size {
			delete(l.bucket, key)
		}
	}
}

func (l *limiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remaining, reset, ok := l.take(l.keyOf(r), time.Now())

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(l.max))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
		if !ok {
			wait := max(0, time.Until(reset))
			h.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimit limits requests per key without evicting idle buckets.
func RateLimit(cfg RateLimitConfig) Middleware {
	return newLimiter(cfg).middleware
}

// RateLimitWithCleanup is RateLimit plus a goroutine that evicts idle buckets
// until ctx is done.
func RateLimitWithCleanup(ctx context.Context, cfg RateLimitConfig) Middleware {
	l := newLimiter(cfg)
	go func() {
		ticker := time.NewTicker(2 * l.size)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				l.evict(now)
			}
		}
	}()
	return l.middleware
}

// ClientIP keys a request by the first X-Forwarded-For hop, X-Real-IP, or the
// remote address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// APIKeyOrIP keys authenticated callers by a digest of their API key header
// and everyone else by ClientIP.
func APIKeyOrIP(header string) func(*http.Request) string {
	return func(r *http.Request) string {
		if key := r.Header.Get(header); key != "" {
			sum := sha256.Sum256([]byte(key))
			return "key:" + hex.EncodeToString(sum[:8])
		}
		return "ip:" + ClientIP(r)
	}
}
