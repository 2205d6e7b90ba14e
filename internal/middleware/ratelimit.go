package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Benites031407/UpCarSistema-sub002/internal/config"
	"github.com/Benites031407/UpCarSistema-sub002/internal/metrics"
	"github.com/Benites031407/UpCarSistema-sub002/internal/ratelimit"
)

const maxLoginBody = 64 << 10

type RateLimitMiddleware struct {
	limiter *ratelimit.Limiter
	cfg     config.RateLimit
}

func NewRateLimitMiddleware(l *ratelimit.Limiter, cfg config.RateLimit) *RateLimitMiddleware {
	return &RateLimitMiddleware{limiter: l, cfg: cfg}
}

// PublicLimiter throttles the unauthenticated kiosk endpoints per client IP.
// When redis is down these fail open: a kiosk that cannot start sessions is a
// worse outcome than a brief window without throttling.
func (m *RateLimitMiddleware) PublicLimiter(next http.Handler) http.Handler {
	return m.perIP(next, ratelimit.ScopeIP, m.cfg.PublicPerMin, false)
}

// WebhookLimiter throttles the payment webhook per caller IP. Fails open so a
// redis outage never drops payment confirmations.
func (m *RateLimitMiddleware) WebhookLimiter(next http.Handler) http.Handler {
	return m.perIP(next, ratelimit.ScopeWebhook, m.cfg.WebhookPerMin, false)
}

func (m *RateLimitMiddleware) perIP(next http.Handler, scope ratelimit.Scope, perMin int, failClosed bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.cfg.Enabled || perMin <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		subject := m.limiter.HashIP(ClientIP(r))
		cfg := ratelimit.LimitConfig{Rate: perMin, Window: time.Minute}

		decision, err := m.limiter.Check(r.Context(), scope, subject, cfg)
		if err != nil {
			m.handleLimiterError(w, r, next, scope, err, failClosed)
			return
		}

		if !decision.Allowed {
			metrics.RecordRateLimit(string(scope))
			writeRateLimitHeaders(w, decision)
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LoginLimiter throttles credential attempts per IP and email pair, counted
// before any password check runs. Fails closed: with redis down an attacker
// would otherwise get an unmetered window.
func (m *RateLimitMiddleware) LoginLimiter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.cfg.Enabled || m.cfg.LoginPerMin <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		// Peek the email out of the body, then restore it for the handler.
		body, err := io.ReadAll(io.LimitReader(r.Body, maxLoginBody))
		if err != nil {
			http.Error(w, "Invalid request", http.StatusBadRequest)
			return
		}
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))

		var peek struct {
			Email string `json:"email"`
		}
		_ = json.Unmarshal(body, &peek) // no email still limits per IP

		subject := m.limiter.HashIP(ClientIP(r) + "|" + strings.ToLower(peek.Email))
		cfg := ratelimit.LimitConfig{Rate: m.cfg.LoginPerMin, Window: time.Minute}

		decision, err := m.limiter.Check(r.Context(), ratelimit.ScopeLogin, subject, cfg)
		if err != nil {
			m.handleLimiterError(w, r, next, ratelimit.ScopeLogin, err, true)
			return
		}

		if !decision.Allowed {
			metrics.RecordRateLimit(string(ratelimit.ScopeLogin))
			writeRateLimitHeaders(w, decision)
			http.Error(w, "Too many login attempts", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *RateLimitMiddleware) handleLimiterError(w http.ResponseWriter, r *http.Request, next http.Handler, scope ratelimit.Scope, err error, failClosed bool) {
	if !errors.Is(err, ratelimit.ErrRedisUnavailable) {
		log.Printf("ratelimit: %s check failed: %v", scope, err)
	}
	if failClosed {
		log.Printf("ratelimit: redis unavailable, failing %s closed", scope)
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}
	log.Printf("ratelimit: redis unavailable, failing %s open", scope)
	next.ServeHTTP(w, r)
}

func writeRateLimitHeaders(w http.ResponseWriter, d *ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	if !d.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
	}
}
