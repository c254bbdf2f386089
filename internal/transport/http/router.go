// Package http exposes the relay's JSON API. Every /api endpoint sits
// behind the caller-auth middleware and a per-(endpoint, principal)
// fixed-window rate limit; /health and /metrics sit outside both.
package http

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ericyarmo/buds-relay/internal/authn"
	"github.com/ericyarmo/buds-relay/internal/domain"
	"github.com/ericyarmo/buds-relay/internal/observability/metrics"
	obsmw "github.com/ericyarmo/buds-relay/internal/observability/middleware"
	"github.com/ericyarmo/buds-relay/internal/ratelimit"
	"github.com/ericyarmo/buds-relay/internal/service"
	"github.com/ericyarmo/buds-relay/internal/store"
)

// Per-endpoint budgets. Everything unlisted uses limitDefault.
var (
	limitSalt       = ratelimit.Limit{Requests: 10, Window: time.Minute}
	limitRegister   = ratelimit.Limit{Requests: 5, Window: 5 * time.Minute}
	limitDeviceList = ratelimit.Limit{Requests: 50, Window: time.Minute}
	limitLookup     = ratelimit.Limit{Requests: 20, Window: time.Minute}
	limitSend       = ratelimit.Limit{Requests: 100, Window: time.Minute}
	limitInbox      = ratelimit.Limit{Requests: 200, Window: time.Minute}
	limitDefault    = ratelimit.Limit{Requests: 60, Window: time.Minute}
)

type Handler struct {
	identity *service.IdentityService
	messages *service.MessageService
	receipts *service.ReceiptService
	store    *store.Store
	limiter  *ratelimit.Limiter
}

type Config struct {
	Identity    *service.IdentityService
	Messages    *service.MessageService
	Receipts    *service.ReceiptService
	Store       *store.Store
	Auth        authn.Validator
	CORSOrigins []string
}

func NewRouter(cfg Config) http.Handler {
	h := &Handler{
		identity: cfg.Identity,
		messages: cfg.Messages,
		receipts: cfg.Receipts,
		store:    cfg.Store,
		limiter:  ratelimit.New(),
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(httprate.LimitByIP(600, 1*time.Minute))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(cfg.Auth.Middleware)

		r.With(h.rateLimit(limitSalt)).Post("/account/salt", h.handleAccountSalt)

		r.Route("/devices", func(r chi.Router) {
			r.With(h.rateLimit(limitRegister)).Post("/register", h.handleDeviceRegister)
			r.With(h.rateLimit(limitDeviceList)).Post("/list", h.handleDeviceList)
			r.With(h.rateLimit(limitDefault)).Post("/heartbeat", h.handleHeartbeat)
		})

		r.Route("/lookup", func(r chi.Router) {
			r.With(h.rateLimit(limitLookup)).Post("/did", h.handleLookupDID)
			r.With(h.rateLimit(limitLookup)).Post("/batch", h.handleLookupBatch)
		})

		r.Route("/messages", func(r chi.Router) {
			r.With(h.rateLimit(limitSend)).Post("/send", h.handleMessageSend)
			r.With(h.rateLimit(limitInbox)).Get("/inbox", h.handleInbox)
			r.With(h.rateLimit(limitDefault)).Post("/mark-delivered", h.handleMarkDelivered)
			r.With(h.rateLimit(limitDefault)).Delete("/{messageID}", h.handleMessageDelete)
		})

		r.Route("/jars", func(r chi.Router) {
			r.With(h.rateLimit(limitDefault)).Get("/list", h.handleJarList)
			r.With(h.rateLimit(limitDefault)).Post("/{jarID}/receipts", h.handleReceiptAppend)
			r.With(h.rateLimit(limitDefault)).Get("/{jarID}/receipts", h.handleReceiptBackfill)
		})
	})

	return obsmw.WithRequestAndTrace(obsmw.WithMetrics(r))
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// rateLimit enforces the fixed-window budget for one endpoint, identified
// by method and route pattern. The bucket principal of an authenticated
// caller is their DID when resolvable, else their token subject; requests
// without a principal use the client address, then the anonymous bucket.
func (h *Handler) rateLimit(limit ratelimit.Limit) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			endpoint := r.Method + " " + r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					endpoint = r.Method + " " + pattern
				}
			}
			d := h.limiter.Allow(endpoint, h.principalKey(r), limit)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
			if !d.Allowed {
				metrics.RateLimitRejectedTotal.WithLabelValues(r.URL.Path).Inc()
				w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
				writeJSON(w, http.StatusTooManyRequests, errorEnvelope{Error: errorBody{
					Code:      domain.CodeRateLimited,
					Message:   fmt.Sprintf("rate limit exceeded, retry in %ds", d.RetryAfter),
					RequestID: obsmw.RequestIDFromContext(r.Context()),
				}})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (h *Handler) principalKey(r *http.Request) string {
	if p, ok := authn.PrincipalFrom(r.Context()); ok {
		if did, err := h.identity.LookupDID(r.Context(), p.Phone); err == nil {
			return did
		}
		return p.Subject
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "anonymous"
}

// callerDID resolves the authenticated caller's phone to their DID.
func (h *Handler) callerDID(r *http.Request) (string, error) {
	p, ok := authn.PrincipalFrom(r.Context())
	if !ok {
		return "", domain.ErrAuthFailed
	}
	did, err := h.identity.LookupDID(r.Context(), p.Phone)
	if err != nil {
		return "", fmt.Errorf("%w: caller phone has no DID mapping", domain.ErrForbidden)
	}
	return did, nil
}
