package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/wardenlabs/warden/pkg/eventlog"
)

type contextKey string

const (
	ctxKeyAuth      contextKey = "auth"
	ctxKeyRequestID contextKey = "request_id"
)

// AuthContext is the resolved caller identity every handler reads from the
// request context.
type AuthContext struct {
	WorkspaceID string
	Actor       eventlog.ActorRef
	SessionOK   bool
}

// AuthFrom returns the caller identity placed by the auth middleware.
func AuthFrom(ctx context.Context) (AuthContext, bool) {
	ac, ok := ctx.Value(ctxKeyAuth).(AuthContext)
	return ac, ok
}

// RequestIDFrom returns the request id assigned by the middleware chain.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

const maxBodyBytes = 1 << 20 // 1 MiB

func recoverMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("handler panic", "panic", rec, "path", r.URL.Path)
				writeError(w, http.StatusInternalServerError, "internal")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, id)))
	})
}

// statusRecorder captures the response code for the access log and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", elapsed.Milliseconds(),
			"request_id", RequestIDFrom(r.Context()))

		if s.telemetry != nil {
			s.telemetry.RecordRequest(r.Context())
			s.telemetry.RecordDuration(r.Context(), elapsed)
			if rec.status >= http.StatusInternalServerError {
				s.telemetry.RecordError(r.Context())
			}
		}
	})
}

// rateLimiter keeps one token bucket per caller IP. Stale visitors age out
// so the map cannot grow without bound.
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(rps, burst int) *rateLimiter {
	rl := &rateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go rl.cleanup()
	return rl
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter.Allow()
}

func (rl *rateLimiter) cleanup() {
	for {
		time.Sleep(time.Minute)
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = strings.Trim(r.RemoteAddr, "[]")
		}
		if !rl.allow(ip) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authExempt paths are reachable without a workspace: health probes and
// session minting.
func authExempt(path string) bool {
	switch path {
	case "/v1/healthz", "/v1/readyz", "/v1/sessions":
		return true
	}
	return false
}

// authMiddleware resolves the caller. A bearer session token wins; the
// legacy x-workspace-id header is honored while the migration flag allows
// it, with the actor taken from x-actor-type / x-actor-id.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if token, ok := bearerToken(r); ok {
			if s.sessions == nil {
				writeError(w, http.StatusUnauthorized, errSessionInvalid.code)
				return
			}
			claims, err := s.sessions.Validate(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, errSessionInvalid.code)
				return
			}
			ac := AuthContext{
				WorkspaceID: claims.WorkspaceID,
				Actor: eventlog.ActorRef{
					Type:        eventlog.ActorType(claims.ActorType),
					ID:          claims.ActorID,
					PrincipalID: claims.PrincipalID,
				},
				SessionOK: true,
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyAuth, ac)))
			return
		}

		if s.cfg.AuthRequireSession {
			writeError(w, http.StatusUnauthorized, errSessionRequired.code)
			return
		}
		if !s.cfg.AuthAllowLegacyHeader {
			writeError(w, http.StatusUnauthorized, errSessionRequired.code)
			return
		}
		ws := r.Header.Get("x-workspace-id")
		if ws == "" {
			writeError(w, http.StatusUnauthorized, errWorkspaceMissing.code)
			return
		}
		ac := AuthContext{WorkspaceID: ws, Actor: legacyActor(r)}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyAuth, ac)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):], true
	}
	return "", false
}

func legacyActor(r *http.Request) eventlog.ActorRef {
	actorType := r.Header.Get("x-actor-type")
	actorID := r.Header.Get("x-actor-id")
	if actorType == "" {
		actorType = string(eventlog.ActorUser)
	}
	if actorID == "" {
		actorID = "anonymous"
	}
	return eventlog.ActorRef{Type: eventlog.ActorType(actorType), ID: actorID}
}

func bodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}
