package ratelimit

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rendis/opflow/internal/logging"
)

// UserHeader carries the caller's user id, set by the upstream gateway.
const UserHeader = "X-User-ID"

// KeyFunc derives the counter key for a request.
type KeyFunc func(r *http.Request) string

// KeyByIP keys by remote address.
func KeyByIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// KeyByUserOrIP keys by the user header when present, else by IP.
func KeyByUserOrIP(r *http.Request) string {
	if u := r.Header.Get(UserHeader); u != "" {
		return "user:" + u
	}
	return "ip:" + KeyByIP(r)
}

// MiddlewareOptions configures Middleware. Zero values are usable.
type MiddlewareOptions struct {
	Key      KeyFunc
	OnReject func(r *http.Request)
	Logger   *slog.Logger
}

// Middleware rejects requests over the limit with 429. A limiter error lets
// the request through so a Redis outage does not take the API down.
func Middleware(l Limiter, opts MiddlewareOptions) func(http.Handler) http.Handler {
	key := opts.Key
	if key == nil {
		key = KeyByUserOrIP
	}
	logger := logging.OrDefault(opts.Logger)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := l.Allow(r.Context(), key(r))
			if err != nil {
				logger.WarnContext(r.Context(), "rate limiter unavailable, allowing request", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if d.Limit >= 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
			}
			if !d.Allowed {
				retry := int(time.Until(d.ResetAt).Seconds()) + 1
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				if opts.OnReject != nil {
					opts.OnReject(r)
				}
				writeLimited(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeLimited(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(`{"error":{"code":"RATE_LIMITED","message":"rate limit exceeded"}}`))
}
