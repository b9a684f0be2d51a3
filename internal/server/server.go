package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"nebulaai/internal/app"
	"nebulaai/internal/ratelimit"
	"nebulaai/internal/util"
	"nebulaai/pkg/domain"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	TrustedProxies *util.TrustedProxies

	// Limiters may be nil, which disables the corresponding gate.
	GlobalLimiter *ratelimit.FixedWindowLimiter
	AuthLimiter   *ratelimit.FixedWindowLimiter
	AILimiter     *ratelimit.FixedWindowLimiter
}

// Server exposes the control-plane HTTP endpoints.
type Server struct {
	app     *app.App
	mux     *http.ServeMux
	trusted *util.TrustedProxies

	globalLimiter *ratelimit.FixedWindowLimiter
	authLimiter   *ratelimit.FixedWindowLimiter
	aiLimiter     *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:           cfg.App,
		mux:           http.NewServeMux(),
		trusted:       cfg.TrustedProxies,
		globalLimiter: cfg.GlobalLimiter,
		authLimiter:   cfg.AuthLimiter,
		aiLimiter:     cfg.AILimiter,
	}
	s.routes()
	return s
}

// Router returns the configured handler chain.
func (s *Server) Router() http.Handler {
	var h http.Handler = s.mux
	h = s.withGlobalLimit(h)
	h = util.WithRequestLog(h)
	h = util.WithRequestID(h)
	return util.WithSecurityHeaders(util.WithCORS(h))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/api/auth/register", s.handleRegister)
	s.mux.HandleFunc("/api/auth/login", s.handleLogin)
	s.mux.HandleFunc("/api/auth/refresh", s.handleRefresh)
	s.mux.Handle("/api/auth/logout", s.authenticated(s.handleLogout))
	s.mux.Handle("/api/auth/me", s.authenticated(s.handleMe))
	s.mux.Handle("/api/auth/profile", s.authenticated(s.handleProfile))
	s.mux.Handle("/api/auth/change-password", s.authenticated(s.handleChangePassword))

	// generation (auth + ai limiter + credit gate)
	s.mux.Handle("/api/ai/generate-text", s.authenticated(s.withAILimit(s.requireCredits(1, s.handleGenerateText))))
	s.mux.Handle("/api/ai/analyze-document", s.authenticated(s.withAILimit(s.requireCredits(2, s.handleAnalyzeDocument))))
	s.mux.Handle("/api/ai/summarize", s.authenticated(s.withAILimit(s.requireCredits(1, s.handleSummarize))))
	s.mux.Handle("/api/ai/generate-content", s.authenticated(s.withAILimit(s.requireCredits(2, s.handleGenerateContent))))
	s.mux.Handle("/api/ai/history", s.authenticated(s.handleHistory))
	s.mux.Handle("/api/ai/history/", s.authenticated(s.handleHistoryByID))

	// usage & subscriptions
	s.mux.Handle("/api/usage/credits", s.authenticated(s.handleUsageCredits))
	s.mux.Handle("/api/usage/stats", s.authenticated(s.handleUsageStats))
	s.mux.Handle("/api/usage/history", s.authenticated(s.handleUsageHistory))
	s.mux.Handle("/api/subscriptions/plans", s.authenticated(s.handlePlans))
	s.mux.Handle("/api/subscriptions/subscribe", s.authenticated(s.handleSubscribe))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authHandler is a handler that runs with an authenticated account.
type authHandler func(http.ResponseWriter, *http.Request, domain.User)

// authenticated gates a route behind the access-token state machine.
func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.app.UserFromAccessToken(bearerToken(r))
		if err != nil {
			s.audit(r, "auth_gate", "denied")
			writeAppError(w, err)
			return
		}
		next(w, r, user)
	})
}

// requireRole composes on authenticated: the account role must be in the
// allowed set.
func (s *Server) requireRole(next authHandler, roles ...domain.UserRole) authHandler {
	return func(w http.ResponseWriter, r *http.Request, user domain.User) {
		for _, role := range roles {
			if user.Role == role {
				next(w, r, user)
				return
			}
		}
		s.audit(r, "role_gate", "denied", "user_id", user.ID, "role", user.Role)
		writeAppError(w, app.E(app.KindForbidden, "insufficient role"))
	}
}

// requireTier composes on authenticated: the subscription tier must be in
// the allowed set.
func (s *Server) requireTier(next authHandler, tiers ...domain.SubscriptionTier) authHandler {
	return func(w http.ResponseWriter, r *http.Request, user domain.User) {
		for _, tier := range tiers {
			if user.Subscription.Tier == tier {
				next(w, r, user)
				return
			}
		}
		s.audit(r, "tier_gate", "denied", "user_id", user.ID, "tier", user.Subscription.Tier)
		writeAppError(w, app.E(app.KindTierRestricted, "feature not available on current plan"))
	}
}

// requireCredits rejects before the handler body when the balance cannot
// cover the route's minimum cost.
func (s *Server) requireCredits(n int, next authHandler) authHandler {
	return func(w http.ResponseWriter, r *http.Request, user domain.User) {
		if user.Credits.Remaining < n {
			s.audit(r, "credit_gate", "denied", "user_id", user.ID, "remaining", user.Credits.Remaining)
			writeAppError(w, app.E(app.KindInsufficientCredits, "insufficient credits"))
			return
		}
		next(w, r, user)
	}
}

// withGlobalLimit applies the per-IP budget to every API route.
func (s *Server) withGlobalLimit(next http.Handler) http.Handler {
	if s.globalLimiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		d := s.globalLimiter.Allow(s.clientIP(r))
		if !d.Allowed {
			s.audit(r, "rate_limit", "denied", "limiter", "global")
			writeRateLimited(w, d.ResetAt, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allowAuthRate consumes the credential-guessing budget for the caller IP.
// The returned forgive func hands the slot back on success so only failed
// attempts count.
func (s *Server) allowAuthRate(w http.ResponseWriter, r *http.Request) (forgive func(), ok bool) {
	if s.authLimiter == nil {
		return func() {}, true
	}
	key := s.clientIP(r)
	d := s.authLimiter.Allow(key)
	if !d.Allowed {
		s.audit(r, "rate_limit", "denied", "limiter", "auth")
		writeRateLimited(w, d.ResetAt, "too many authentication attempts")
		return nil, false
	}
	return func() { s.authLimiter.Forgive(key) }, true
}

// withAILimit applies the per-account generation budget.
func (s *Server) withAILimit(next authHandler) authHandler {
	return func(w http.ResponseWriter, r *http.Request, user domain.User) {
		if s.aiLimiter != nil {
			d := s.aiLimiter.Allow(user.ID)
			if !d.Allowed {
				s.audit(r, "rate_limit", "denied", "limiter", "ai", "user_id", user.ID)
				writeRateLimited(w, d.ResetAt, "too many generation requests")
				return
			}
		}
		next(w, r, user)
	}
}

func (s *Server) clientIP(r *http.Request) string {
	return util.NormalizeIP(util.ClientIP(r, s.trusted))
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", s.clientIP(r),
		"request_id", util.RequestIDFromRequest(r),
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		slog.Info("security_event", logAttrs...)
		return
	}
	slog.Warn("security_event", logAttrs...)
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeSuccess(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{"status": "success", "data": data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"status": "error", "message": msg})
}

func writeRateLimited(w http.ResponseWriter, resetAt time.Time, msg string) {
	retryAfter := int(time.Until(resetAt).Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"status":     "error",
		"message":    msg,
		"retryAfter": resetAt.UTC().Format(time.RFC3339),
	})
}

// writeAppError is the single boundary translating domain error kinds to
// HTTP statuses. Unknown errors never leak their text to clients.
func writeAppError(w http.ResponseWriter, err error) {
	var appErr *app.Error
	if !errors.As(err, &appErr) {
		slog.Error("unclassified_error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	status := http.StatusInternalServerError
	switch appErr.Kind {
	case app.KindValidation:
		status = http.StatusBadRequest
	case app.KindUnauthenticated, app.KindTokenExpired, app.KindTokenInvalid,
		app.KindStalePassword, app.KindAccountDeactivated:
		status = http.StatusUnauthorized
	case app.KindInsufficientCredits:
		status = http.StatusPaymentRequired
	case app.KindForbidden, app.KindTierRestricted:
		status = http.StatusForbidden
	case app.KindNotFound:
		status = http.StatusNotFound
	case app.KindProviderFailure:
		status = http.StatusBadGateway
	case app.KindInternal:
		slog.Error("internal_error", "error", appErr)
	}
	writeError(w, status, appErr.Message)
}
