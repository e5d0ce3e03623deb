package httpapi

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/groundline-ai/groundline/internal/auth"
	"github.com/groundline-ai/groundline/internal/ratelimit"
	"github.com/groundline-ai/groundline/internal/schemas"
)

// withAuth resolves the caller identity and stores it on the context.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, err := s.auth.Authenticate(r)
		if err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithUserContext(r.Context(), u)))
	})
}

// withRateLimit enforces the sliding-window limits and sets the
// X-RateLimit-* headers on accepted responses.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		id := ratelimit.Identity{IP: clientIP(r)}
		if u, ok := auth.UserContextFrom(r.Context()); ok {
			id.UserID = u.ID
			id.Tenant = u.TenantID
		}
		res, err := s.limiter.Allow(r.Context(), id)
		if res != nil {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			if res.Remaining >= 0 {
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			} else {
				w.Header().Set("X-RateLimit-Remaining", "0")
			}
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
		}
		if err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withIngestToken guards the ingest surface with the shared token.
func (s *Server) withIngestToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := auth.VerifyIngestToken(s.ingestToken, r.Header.Get("x-ingest-token")); err != nil {
			writeError(w, schemas.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withLogging assigns a request id and records one line per request.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.log.Info("request",
			zap.String("requestId", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)))
	})
}

// statusWriter captures the response status for logging while passing
// Flush through for streaming handlers.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack passes the connection through for the WebSocket upgrade.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

// clientIP prefers X-Forwarded-For, falling back to the socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
