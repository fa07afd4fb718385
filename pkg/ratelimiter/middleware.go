package ratelimiter

import (
	"net/http"
	"strconv"
)

// KeyFunc extracts the bucket key from a request. An empty key skips limiting.
type KeyFunc func(r *http.Request) string

type middlewareConfig struct {
	onLimited http.Handler
	onError   func(w http.ResponseWriter, r *http.Request, err error)
}

type MiddlewareOption func(*middlewareConfig)

// WithLimitedHandler replaces the default plain-text 429 response.
func WithLimitedHandler(h http.Handler) MiddlewareOption {
	return func(c *middlewareConfig) { c.onLimited = h }
}

// WithErrorHandler is called when the store fails. The default lets the
// request through.
func WithErrorHandler(fn func(w http.ResponseWriter, r *http.Request, err error)) MiddlewareOption {
	return func(c *middlewareConfig) { c.onError = fn }
}

// Middleware limits requests per key and sets the X-RateLimit-* headers.
func Middleware(b *Bucket, key KeyFunc, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := middlewareConfig{
		onLimited: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if k == "" {
				next.ServeHTTP(w, r)
				return
			}

			res, err := b.Allow(r.Context(), k)
			if err != nil {
				if cfg.onError != nil {
					cfg.onError(w, r, err)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(max(res.Remaining, 0)))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

			if !res.Allowed() {
				h.Set("Retry-After", strconv.Itoa(int(res.RetryAfter().Seconds())+1))
				cfg.onLimited.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
