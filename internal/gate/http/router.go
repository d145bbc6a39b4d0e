// Package http exposes the protection engine to the command dispatcher and
// admin tooling over a small authenticated API.
package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/aussiebroadwan/opsgate/internal/gate/ratelimit"
	"github.com/aussiebroadwan/opsgate/internal/gate/service"
	"github.com/aussiebroadwan/opsgate/internal/gate/store"
	"github.com/aussiebroadwan/opsgate/pkg/httpx"
	"github.com/aussiebroadwan/opsgate/pkg/jwtx"
	"github.com/aussiebroadwan/opsgate/pkg/slogx"
)

// Scopes enforced on the API. Scope decisions belong to the external
// authorization service; tokens arrive with scopes already granted and
// this layer only verifies and enforces them.
const (
	ScopeManage = "mfa:manage"
	ScopeVerify = "mfa:verify"
	ScopeAdmin  = "mfa:admin"
)

// Router holds shared dependencies for HTTP handlers.
type Router struct {
	Mux         *http.ServeMux
	middlewares []httpx.Middleware

	verifier     jwtx.Verifier
	buildVersion string
	startTime    time.Time
	logger       *slog.Logger

	store      store.Store
	MFAService *service.MFAService
	Limiter    *ratelimit.Limiter
}

func NewRouter(
	verifier jwtx.Verifier,
	buildVersion string,
	st store.Store,
	logger *slog.Logger,
) *Router {
	r := &Router{
		Mux:          http.NewServeMux(),
		verifier:     verifier,
		buildVersion: buildVersion,
		startTime:    time.Now(),
		store:        st,
		logger:       logger,
	}

	// Set default middleware chain
	r.middlewares = []httpx.Middleware{
		slogx.HTTPMiddleware(r.logger),
	}

	return r
}

func (r *Router) ApplyRoutes() {
	r.registerMFA()
	r.registerLimits()
	r.registerSystem()
}

// ServeHTTP implements http.Handler for Router and applies the global
// middleware chain.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	httpx.Chain(r.Mux, r.middlewares...).ServeHTTP(w, req)
}

func (r *Router) registerMFA() {
	h := &MFAHandler{MFAService: r.MFAService}

	// Enrollment management - moderate limits, dispatcher-driven
	r.Mux.Handle("POST /v1/mfa/enroll",
		httpx.Chain(http.HandlerFunc(h.HandleEnroll),
			httpx.AuthnMiddleware(r.verifier),
			httpx.RequireAnyScope(ScopeManage),
			httpx.RateLimitByCaller(httpx.ModerateLimit),
		),
	)
	r.Mux.Handle("POST /v1/mfa/enroll/verify",
		httpx.Chain(http.HandlerFunc(h.HandleEnrollVerify),
			httpx.AuthnMiddleware(r.verifier),
			httpx.RequireAnyScope(ScopeManage),
			httpx.RateLimitByCaller(httpx.ModerateLimit),
		),
	)

	// Operational challenges - strict limits on top of the engine's own
	// per-subject attempt throttle
	r.Mux.Handle("POST /v1/mfa/verify/totp",
		httpx.Chain(http.HandlerFunc(h.HandleVerifyTOTP),
			httpx.AuthnMiddleware(r.verifier),
			httpx.RequireAnyScope(ScopeVerify),
			httpx.RateLimitByCaller(httpx.StrictLimit),
		),
	)
	r.Mux.Handle("POST /v1/mfa/verify/backup",
		httpx.Chain(http.HandlerFunc(h.HandleVerifyBackup),
			httpx.AuthnMiddleware(r.verifier),
			httpx.RequireAnyScope(ScopeVerify),
			httpx.RateLimitByCaller(httpx.StrictLimit),
		),
	)

	r.Mux.Handle("GET /v1/mfa/status/{subject}",
		httpx.Chain(http.HandlerFunc(h.HandleStatus),
			httpx.AuthnMiddleware(r.verifier),
			httpx.RequireAnyScope(ScopeVerify, ScopeAdmin),
			httpx.RateLimitByCaller(httpx.LenientLimit),
		),
	)

	// Privileged disable - admin scope, audited in the service
	r.Mux.Handle("POST /v1/mfa/disable",
		httpx.Chain(http.HandlerFunc(h.HandleDisable),
			httpx.AuthnMiddleware(r.verifier),
			httpx.RequireAnyScope(ScopeAdmin),
			httpx.RateLimitByCaller(httpx.ModerateLimit),
		),
	)
}

func (r *Router) registerLimits() {
	h := &LimitsHandler{Limiter: r.Limiter}

	r.Mux.Handle("GET /v1/limits",
		httpx.Chain(http.HandlerFunc(h.HandleSnapshot),
			httpx.AuthnMiddleware(r.verifier),
			httpx.RequireAnyScope(ScopeAdmin),
			httpx.RateLimitByCaller(httpx.LenientLimit),
		),
	)
}

func (r *Router) registerSystem() {
	// Health check endpoints - lenient rate limits (monitoring systems may poll frequently)
	r.Mux.Handle("GET /livez",
		httpx.Chain(LivezHandler(r.startTime, r.buildVersion),
			httpx.RateLimitByIP(httpx.LenientLimit),
		),
	)
	r.Mux.Handle("GET /readyz",
		httpx.Chain(ReadyzHandler(r.startTime, r.buildVersion, r.store),
			httpx.RateLimitByIP(httpx.LenientLimit),
		),
	)
	r.Mux.Handle("GET /metrics", MetricsHandler())
}
