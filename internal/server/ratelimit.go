package server

import (
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/inferloop/ehrprivacy/pkg/errors"
)

// sessionLimiter keeps one token bucket per analyst session, so one session
// probing the query API cannot starve the others.
type sessionLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newSessionLimiter(perSecond float64, burst int) *sessionLimiter {
	return &sessionLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

func (l *sessionLimiter) allow(session string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[session]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[session] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}

// rateLimitMiddleware rejects session requests beyond the configured rate
// with 429.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session := mux.Vars(r)["session"]
		if r.Method != http.MethodOptions && !s.limiter.allow(session) {
			s.logger.WithFields(logrus.Fields{
				"session":    session,
				"path":       r.URL.Path,
				"request_id": getRequestID(r),
			}).Warn("Session rate limit exceeded")

			appErr := errors.NewValidationError("RATE_LIMITED", "too many requests for this session").
				WithContext("session", session)
			appErr.HTTPStatus = http.StatusTooManyRequests
			w.Header().Set("Retry-After", "1")
			writeError(w, r, appErr)
			return
		}
		next.ServeHTTP(w, r)
	})
}
