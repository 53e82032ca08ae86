package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/atmx/race-engine/internal/apperrors"
	"github.com/atmx/race-engine/internal/metrics"
)

// HeaderUserID carries the caller identity resolved by the upstream gateway.
const HeaderUserID = "X-User-ID"

type ctxKey struct{}

// Authenticator resolves a request to a stable user id. Token verification
// lives behind this interface.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// HeaderAuthenticator trusts the X-User-ID header set by the gateway.
type HeaderAuthenticator struct{}

func (HeaderAuthenticator) Authenticate(r *http.Request) (string, error) {
	userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if userID == "" {
		return "", apperrors.New(apperrors.ErrUnauthorized, "missing "+HeaderUserID+" header", nil)
	}
	return userID, nil
}

// RequireUser rejects unauthenticated requests and stores the user id in the
// request context.
func RequireUser(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := auth.Authenticate(r)
			if err != nil {
				if !apperrors.Is(err, apperrors.ErrUnauthorized) {
					err = apperrors.New(apperrors.ErrUnauthorized, "authentication failed", err)
				}
				writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, userID)))
		})
	}
}

func userFrom(r *http.Request) string {
	userID, _ := r.Context().Value(ctxKey{}).(string)
	return userID
}

// UserLimiter is a token bucket per user.
type UserLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*userBucket
	lastGC   time.Time
}

type userBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

const bucketIdle = 10 * time.Minute

func NewUserLimiter(perSecond float64, burst int) *UserLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &UserLimiter{
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*userBucket),
		lastGC:   time.Now(),
	}
}

// Allow takes a token from the user's bucket.
func (l *UserLimiter) Allow(userID string) bool {
	now := time.Now()
	l.mu.Lock()
	b, ok := l.limiters[userID]
	if !ok {
		b = &userBucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[userID] = b
	}
	b.seen = now
	if now.Sub(l.lastGC) > bucketIdle {
		for id, other := range l.limiters {
			if now.Sub(other.seen) > bucketIdle {
				delete(l.limiters, id)
			}
		}
		l.lastGC = now
	}
	l.mu.Unlock()
	return b.lim.Allow()
}

// Middleware limits authenticated requests. It must run after RequireUser.
func (l *UserLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(userFrom(r)) {
			metrics.RateLimited.Inc()
			w.Header().Set("Retry-After", "1")
			writeError(w, r, apperrors.New(apperrors.ErrRateLimited, "rate limit exceeded", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}
