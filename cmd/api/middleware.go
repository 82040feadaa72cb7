package main

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"recurpay/agreement"
)

type ctxKey string

const ctxKeyAddress ctxKey = "address"

func sessionFrom(ctx context.Context) agreement.Session {
	address, _ := ctx.Value(ctxKeyAddress).(string)
	return agreement.Session{Address: address}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log().Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// requireSession resolves the bearer token into the wallet address every
// handler below acts for.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, r, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		address, err := s.authService.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "unauthorized", "invalid or expired session")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyAddress, address)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.operator == nil {
			writeError(w, r, http.StatusNotFound, "not_found", "not found")
			return
		}
		if !s.operator.Allow(r.Header.Get("X-Operator-Key")) {
			writeError(w, r, http.StatusForbidden, "forbidden", "operator key required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limitExecutions(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.executeLimiter.Allow(sessionFrom(r.Context()).Address) {
			writeError(w, r, http.StatusTooManyRequests, "rate_limited", "too many execution requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// addressLimiter keeps one token bucket per wallet address. Idle buckets
// are swept once they are older than idleAfter.
type addressLimiter struct {
	mu        sync.Mutex
	perMinute float64
	burst     int
	idleAfter time.Duration
	visitors  map[string]*visitor
	now       func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newAddressLimiter returns nil, which allows everything, when perMinute is
// not positive.
func newAddressLimiter(perMinute float64, burst int) *addressLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &addressLimiter{
		perMinute: perMinute,
		burst:     burst,
		idleAfter: 10 * time.Minute,
		visitors:  make(map[string]*visitor),
		now:       time.Now,
	}
}

func (l *addressLimiter) Allow(address string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.idleAfter {
			delete(l.visitors, key)
		}
	}
	v, ok := l.visitors[address]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(l.perMinute/60.0), l.burst)}
		l.visitors[address] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}
