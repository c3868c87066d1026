package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alecgard/creditgate/internal/auth"
	"github.com/alecgard/creditgate/internal/capability"
	"github.com/alecgard/creditgate/internal/metrics"
	"github.com/alecgard/creditgate/internal/ratelimit"
	"github.com/alecgard/creditgate/internal/rpc"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Capabilities is the read side of the gateway the router serves.
type Capabilities interface {
	Card(agentID string) (capability.Card, error)
	Cards() []capability.Card
	Validate(ctx context.Context, cred *auth.Credential, agentID string) (bool, error)
}

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	Capabilities Capabilities
	// RPC serves JSON-RPC calls on /a2a/{agentID}.
	RPC            http.Handler
	Limiter        *ratelimit.Limiter
	Journal        RedemptionQuerier
	Metrics        *metrics.Metrics
	AdminKeyHash   string
	AllowedOrigins []string
	PublicURL      string
	Version        string
	// Ready reports whether dependencies such as the journal database are
	// reachable. Nil means always ready.
	Ready func(ctx context.Context) error
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(slogRequestLogger)
	r.Use(secureHeaders)
	r.Use(corsMiddleware(deps.AllowedOrigins))
	if deps.Metrics != nil {
		r.Use(httpMetrics(deps.Metrics))
	}

	caps := newCapabilitiesHandler(deps.Capabilities, deps.PublicURL)
	redemptions := newRedemptionsHandler(deps.Journal)

	r.Get("/health", healthHandler(deps.Ready))
	r.Get("/.well-known/creditgate.json", wellKnownHandler(deps.Capabilities, deps.PublicURL, deps.Version))

	// Public capability discovery.
	r.Get("/a2a", caps.ListCards)
	r.Get("/a2a/{agentID}/card", caps.GetCard)
	r.Get("/a2a/{agentID}/.well-known/agent-card.json", caps.GetCard)

	// Access check, credential required.
	r.With(auth.CredentialMiddleware(nil, nil)).Get("/a2a/{agentID}/access", caps.CheckAccess)

	// JSON-RPC capability calls (credential + rate limiting).
	if deps.RPC != nil {
		r.Group(func(cr chi.Router) {
			cr.Use(auth.CredentialMiddleware(nil, rpc.WriteAuthError))
			if deps.Limiter != nil {
				var onReject []func(string)
				if deps.Metrics != nil {
					onReject = append(onReject, deps.Metrics.IncRateLimitRejection)
				}
				cr.Use(ratelimit.Middleware(deps.Limiter, caps.rateFor, rpc.WriteRateLimited, onReject...))
			}
			cr.Post("/a2a/{agentID}", deps.RPC.ServeHTTP)
		})
	}

	// Operator routes (require admin key).
	r.Route("/api/v1/admin", func(ar chi.Router) {
		ar.Use(auth.AdminKeyMiddleware(deps.AdminKeyHash))

		ar.Get("/redemptions", redemptions.List)
		ar.Get("/redemptions/summary", redemptions.Summary)
		ar.Get("/redemptions/requests/{requestID}", redemptions.ByRequest)

		if deps.Metrics != nil {
			ar.Get("/metrics", deps.Metrics.Handler())
			ar.Handle("/metrics/prometheus", deps.Metrics.PrometheusHandler())
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "no route for "+r.Method+" "+r.URL.Path)
	})

	return r
}

// healthHandler answers liveness, and readiness when ready is set.
func healthHandler(ready func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ready(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// slogRequestLogger is a simple structured logging middleware using slog.
func slogRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			"request_id", RequestIDFromContext(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"bytes", ww.BytesWritten(),
		)
	})
}

// httpMetrics records every request by its route pattern so path parameters
// do not inflate label cardinality.
func httpMetrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			pattern := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					pattern = p
				}
			}
			kind := "management"
			if r.Method == http.MethodPost && strings.HasPrefix(pattern, "/a2a/") {
				kind = "rpc"
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.ObserveHTTPRequest(kind, r.Method, pattern, status, time.Since(start))
		})
	}
}
