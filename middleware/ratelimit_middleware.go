package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"

	"github.com/upb/legal-audit/services"
	"github.com/upb/legal-audit/services/ratelimit"
	"github.com/upb/legal-audit/utils"
	"go.uber.org/zap"
)

// RateLimitChecker defines the interface for preset rate limit checks
type RateLimitChecker interface {
	CheckPreset(ctx context.Context, class, actor string) (*ratelimit.Result, error)
}

// RateLimitMiddleware gates routes behind a named sliding-window preset
type RateLimitMiddleware struct {
	limiter RateLimitChecker
	logger  *zap.Logger
}

// NewRateLimitMiddleware creates a new RateLimitMiddleware
func NewRateLimitMiddleware(limiter RateLimitChecker, logger *zap.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		limiter: limiter,
		logger:  logger,
	}
}

// Limit returns a middleware enforcing the preset for class. Authenticated
// requests are keyed by tenant and actor, anonymous ones by client IP.
// A limiter storage failure rejects the request.
func (m *RateLimitMiddleware) Limit(class string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := GetRequestIDFromContext(ctx)

			result, err := m.limiter.CheckPreset(ctx, class, rateLimitActor(r))
			if err != nil {
				m.logger.Error("failed to check rate limit",
					zap.String("request_id", requestID),
					zap.String("class", class),
					zap.Error(err))
				status := http.StatusServiceUnavailable
				if !services.IsPersistenceError(err) {
					status = http.StatusInternalServerError
				}
				_ = utils.WriteError(w, status, services.PublicMessage(err), nil)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.MaxAttempts))
			if !result.Allowed {
				m.logger.Warn("request blocked by rate limit",
					zap.String("request_id", requestID),
					zap.String("class", class),
					zap.Duration("retry_after", result.RetryAfter))

				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(result)))
				_ = utils.WriteTooManyRequests(w, services.PublicMessage(services.ErrRateLimitExceeded), nil)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func rateLimitActor(r *http.Request) string {
	if claims := GetClaimsFromContext(r.Context()); claims != nil {
		return claims.TenantScope + "/" + claims.Subject
	}
	return "ip/" + clientIP(r)
}

// retryAfterSeconds rounds up so a client never retries early
func retryAfterSeconds(result *ratelimit.Result) int {
	secs := int(math.Ceil(result.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
