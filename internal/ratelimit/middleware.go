package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alecgard/creditgate/internal/auth"
	"github.com/go-chi/chi/v5"
)

// RateFunc returns the per-subscriber rate of a capability, zero for the
// default.
type RateFunc func(agentID string) int

// RejectWriter writes the response for a rate-limited request.
type RejectWriter func(w http.ResponseWriter, r *http.Request, retryAfter time.Duration)

// Scopes returns the buckets a subscriber's call to agentID draws from: one
// across every capability at the default rate, and one for the capability
// at its own rate.
func Scopes(subscriber, agentID string, rate int) []Scope {
	subscriber = strings.ToLower(subscriber)
	scopes := []Scope{{Name: "subscriber", Key: "sub:" + subscriber}}
	if agentID != "" && rate > 0 {
		scopes = append(scopes, Scope{Name: "capability", Key: "cap:" + agentID + ":sub:" + subscriber, Rate: rate})
	}
	return scopes
}

// Middleware returns an HTTP middleware that enforces rate limits using the
// provided Limiter. It expects a credential in the request context (set by
// auth.CredentialMiddleware) and the capability in the agentID route
// parameter.
//
// Rate-limit headers describe the tightest scope:
//
//	X-RateLimit-Limit     maximum requests allowed in the window
//	X-RateLimit-Remaining tokens remaining in the current window
//	X-RateLimit-Reset     Unix timestamp when the bucket is fully replenished
//
// When the limit is exceeded the middleware responds with HTTP 429 through
// reject, or with the JSON error envelope when reject is nil.
func Middleware(limiter *Limiter, rateFor RateFunc, reject RejectWriter, onReject ...func(scope string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cred := auth.CredentialFromContext(r.Context())
			if cred == nil {
				// Unauthenticated calls are rejected downstream.
				next.ServeHTTP(w, r)
				return
			}

			agentID := chi.URLParam(r, "agentID")
			rate := 0
			if rateFor != nil && agentID != "" {
				rate = rateFor(agentID)
			}

			d := limiter.Take(Scopes(cred.Subscriber(), agentID, rate)...)
			if d.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
			}

			if !d.Allowed {
				for _, fn := range onReject {
					if fn != nil {
						fn(d.Scope)
					}
				}
				w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())+1))
				if reject != nil {
					reject(w, r, d.RetryAfter)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]string{
						"code":    "rate_limited",
						"message": "Rate limit exceeded. Try again later.",
					},
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
