package httpapi

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	csrf "filippo.io/csrf/gorilla"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"github.com/roniherschmann/visitgate/internal/analytics"
	"github.com/roniherschmann/visitgate/internal/auth"
	"github.com/roniherschmann/visitgate/internal/clientip"
	"github.com/roniherschmann/visitgate/internal/config"
	"github.com/roniherschmann/visitgate/internal/limiter"
	"github.com/roniherschmann/visitgate/internal/metrics"
	"github.com/roniherschmann/visitgate/internal/token"
)

// Client-facing messages. They never say which check failed.
const (
	msgBadRequest   = "Bad Request"
	msgPageRequired = "Page required"
	msgCredentials  = "Username and password required"
	msgUnauthorized = "Unauthorized"
	msgLoginFailed  = "Invalid username or password"
	msgRateLimited  = "Too many requests. Please try again later."
	msgInternal     = "Internal Server Error"
)

const (
	maxLoginBody = 4 << 10
	maxVisitBody = 16 << 10
)

type Deps struct {
	Config      *config.Config
	Analytics   *analytics.Service
	Limiter     *limiter.Limiter
	Codec       *token.Codec
	Credentials auth.Credentials
}

type Router struct {
	cfg      *config.Config
	svc      *analytics.Service
	logins   *limiter.Limiter
	codec    *token.Codec
	creds    auth.Credentials
	gate     *auth.Gate
	ips      *clientip.Resolver
	visitsRL *rateLimiter
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	// Logging middleware
	r.Use(middleware.RequestID)
	r.Use(hlog.NewHandler(log.Logger))
	r.Use(hlog.RequestIDHandler("req_id", "Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", dur).
			Msg("request")
	}))
	r.Use(middleware.Recoverer)

	api := &Router{
		cfg:      d.Config,
		svc:      d.Analytics,
		logins:   d.Limiter,
		codec:    d.Codec,
		creds:    d.Credentials,
		gate:     auth.NewGate(d.Codec, d.Config.Admin.CookieName),
		ips:      clientip.New(d.Config.Proxies(), d.Config.ClientIPHeader),
		visitsRL: newRateLimiter(d.Config.Visit.RateRPS, d.Config.Visit.RateBurst),
	}

	r.MethodFunc(http.MethodGet, "/healthz", api.handleHealth)
	r.MethodFunc(http.MethodGet, "/readyz", api.handleReady)

	// Metrics
	r.MethodFunc(http.MethodGet, "/metrics", metrics.Handler)

	r.Route("/api/admin", func(r chi.Router) {
		// Public write path for page instrumentation
		r.Post("/analytics", api.handleRecordVisit)

		r.Group(func(r chi.Router) {
			r.Use(csrfProtect(d.Config))
			r.Post("/login", api.handleLogin)
			r.Post("/logout", api.handleLogout)
		})

		r.Group(func(r chi.Router) {
			r.Use(api.gate.Middleware(api.deny))
			r.Get("/analytics", api.handleAggregates)
			r.Get("/session", api.handleSession)
		})
	})

	return r
}

func csrfProtect(cfg *config.Config) func(http.Handler) http.Handler {
	key := sha256.Sum256([]byte(cfg.Admin.SessionSecret))
	opts := []csrf.Option{
		csrf.ErrorHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hlog.FromRequest(r).Warn().AnErr("reason", csrf.FailureReason(r)).Msg("cross-origin request refused")
			writeError(w, http.StatusForbidden, "Forbidden")
		})),
	}
	if len(cfg.TrustedOrigins) > 0 {
		opts = append(opts, csrf.TrustedOrigins(cfg.TrustedOrigins))
	}
	return csrf.Protect(key[:], opts...)
}

func (rt *Router) deny(w http.ResponseWriter, r *http.Request) {
	metrics.GateRejections.Inc()
	writeError(w, http.StatusUnauthorized, msgUnauthorized)
}

type loginReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (rt *Router) handleLogin(w http.ResponseWriter, r *http.Request) {
	addr := rt.ips.Resolve(r)
	logger := hlog.FromRequest(r)

	if rt.logins.Locked(addr) {
		metrics.LoginAttempts.WithLabelValues("locked").Inc()
		writeError(w, http.StatusTooManyRequests, msgRateLimited)
		return
	}

	var req loginReq
	if err := json.NewDecoder(io.LimitReader(r.Body, maxLoginBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, msgBadRequest)
		return
	}
	username, password := auth.Normalize(req.Username), auth.Normalize(req.Password)
	if username == "" || password == "" {
		writeError(w, http.StatusBadRequest, msgCredentials)
		return
	}

	if !rt.creds.Configured() || !rt.codec.Configured() {
		logger.Error().Msg("admin login not configured: credentials or session secret missing")
		metrics.LoginAttempts.WithLabelValues("misconfigured").Inc()
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	err := rt.logins.Attempt(addr, func() bool { return rt.creds.Check(username, password) })
	switch {
	case errors.Is(err, limiter.ErrLocked):
		metrics.LoginAttempts.WithLabelValues("locked").Inc()
		writeError(w, http.StatusTooManyRequests, msgRateLimited)
		return
	case err != nil:
		metrics.LoginAttempts.WithLabelValues("failed").Inc()
		logger.Info().Int("remaining", rt.logins.Remaining(addr)).Msg("admin login failed")
		writeError(w, http.StatusUnauthorized, msgLoginFailed)
		return
	}

	tok, err := rt.codec.Issue()
	if err != nil {
		logger.Error().Err(err).Msg("issue session token")
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}
	http.SetCookie(w, rt.sessionCookie(tok, int(rt.codec.TTL().Seconds())))
	metrics.LoginAttempts.WithLabelValues("success").Inc()
	logger.Info().Msg("admin logged in")
	writeJSON(w, map[string]bool{"success": true}, http.StatusOK)
}

func (rt *Router) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, rt.sessionCookie("", -1))
	writeJSON(w, map[string]bool{"success": true}, http.StatusOK)
}

func (rt *Router) sessionCookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     rt.cfg.Admin.CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   rt.cfg.SecureCookies(),
		SameSite: http.SameSiteLaxMode,
	}
}

func (rt *Router) handleSession(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())
	writeJSON(w, map[string]any{
		"authenticated": true,
		"expiresAt":     p.Expiry().UTC(),
	}, http.StatusOK)
}

type visitReq struct {
	Page string `json:"page"`
	Role string `json:"role"`
	Meta struct {
		Referrer string `json:"referrer"`
	} `json:"meta"`
}

func (rt *Router) handleRecordVisit(w http.ResponseWriter, r *http.Request) {
	addr := rt.ips.Resolve(r)
	if !rt.visitsRL.Allow(addr) {
		metrics.VisitsThrottled.Inc()
		writeError(w, http.StatusTooManyRequests, msgRateLimited)
		return
	}

	var req visitReq
	if err := json.NewDecoder(io.LimitReader(r.Body, maxVisitBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, msgBadRequest)
		return
	}

	referer := r.Referer()
	if referer == "" {
		referer = req.Meta.Referrer
	}
	err := rt.svc.RecordVisit(r.Context(), analytics.Visit{
		Page:        req.Page,
		Role:        req.Role,
		Addr:        addr,
		CountryHint: countryHint(r),
		CityHint:    cityHint(r),
		UserAgent:   r.UserAgent(),
		Referer:     referer,
	})
	switch {
	case err == nil:
		writeJSON(w, map[string]bool{"success": true}, http.StatusOK)
	case errors.Is(err, analytics.ErrMissingPage), errors.Is(err, analytics.ErrInvalidPage):
		writeError(w, http.StatusBadRequest, msgPageRequired)
	case errors.Is(err, analytics.ErrNoSalt):
		hlog.FromRequest(r).Error().Msg("visit tracking not configured: IP_HASH_SALT missing")
		writeError(w, http.StatusInternalServerError, msgInternal)
	default:
		hlog.FromRequest(r).Error().Err(err).Msg("record visit")
		writeError(w, http.StatusInternalServerError, msgInternal)
	}
}

func (rt *Router) handleAggregates(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, msgBadRequest)
			return
		}
		limit = n
	}
	agg, err := rt.svc.Aggregates(r.Context(), limit)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("load aggregates")
		writeError(w, http.StatusInternalServerError, msgInternal)
		return
	}
	writeJSON(w, agg, http.StatusOK)
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (rt *Router) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := rt.svc.Ping(r.Context()); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("store not ready")
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

// Edge geolocation headers, trusted for display only.
func countryHint(r *http.Request) string {
	for _, h := range []string{"CF-IPCountry", "X-Vercel-IP-Country"} {
		v := strings.TrimSpace(r.Header.Get(h))
		if v != "" && v != "XX" {
			return v
		}
	}
	return ""
}

func cityHint(r *http.Request) string {
	v := r.Header.Get("X-Vercel-IP-City")
	if v == "" {
		return ""
	}
	if dec, err := url.QueryUnescape(v); err == nil {
		return dec
	}
	return v
}

func writeJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, map[string]string{"error": msg}, status)
}
