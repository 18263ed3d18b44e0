package middleware

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/upb/legal-audit/config"
	"github.com/upb/legal-audit/services/security"
	"github.com/upb/legal-audit/utils"
	"go.uber.org/zap"
)

// TokenValidator defines the interface for validating JWT tokens
type TokenValidator interface {
	// ValidateToken validates a JWT token and returns claims
	ValidateToken(ctx context.Context, token string) (*Claims, error)
}

// SecurityReporter receives authentication and authorization failures
type SecurityReporter interface {
	RecordFailedLogin(ctx context.Context, reason string)
	RecordUnauthorized(ctx context.Context, resource, requiredRole string)
}

var (
	errAuthNotConfigured = errors.New("authentication not configured")
	errMissingSubject    = errors.New("token has no subject")
	errMissingTenant     = errors.New("token has no tenant")
)

// HMACTokenValidator validates HS256/384/512 bearer tokens issued by the
// platform's identity service
type HMACTokenValidator struct {
	secret []byte
	parser *jwt.Parser
}

// NewHMACTokenValidator creates a validator from the auth configuration.
// Issuer and audience are enforced only when configured.
func NewHMACTokenValidator(cfg config.AuthConfig) *HMACTokenValidator {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &HMACTokenValidator{
		secret: []byte(cfg.JWTSecret),
		parser: jwt.NewParser(opts...),
	}
}

// ValidateToken implements TokenValidator
func (v *HMACTokenValidator) ValidateToken(_ context.Context, token string) (*Claims, error) {
	if len(v.secret) == 0 {
		return nil, errAuthNotConfigured
	}

	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if claims.Subject == "" {
		return nil, errMissingSubject
	}
	if claims.TenantScope == "" {
		return nil, errMissingTenant
	}
	return claims, nil
}

// AuthMiddleware provides authentication middleware functionality
type AuthMiddleware struct {
	validator TokenValidator
	reporter  SecurityReporter
	logger    *zap.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware. reporter may be nil.
func NewAuthMiddleware(validator TokenValidator, reporter SecurityReporter, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		validator: validator,
		reporter:  reporter,
		logger:    logger,
	}
}

// authTokenCookieName is the cookie name for JWT tokens (Authorization header takes precedence)
const authTokenCookieName = "auth_token"

// RequireAuth is a middleware that requires a valid JWT token. On success
// the claims and the security subject are attached to the request context.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := GetRequestIDFromContext(ctx)
		subject := security.Subject{
			IPAddress: clientIP(r),
			UserAgent: r.UserAgent(),
		}

		token := extractToken(r)
		if token == "" {
			m.logger.Warn("missing token",
				zap.String("request_id", requestID))
			m.reportFailedLogin(security.WithSubject(ctx, subject), "missing_token")
			_ = utils.WriteUnauthorized(w, "")
			return
		}

		claims, err := m.validator.ValidateToken(ctx, token)
		if err != nil {
			m.logger.Warn("token validation failed",
				zap.String("request_id", requestID),
				zap.Error(err))
			m.reportFailedLogin(security.WithSubject(ctx, subject), "invalid_token")
			_ = utils.WriteUnauthorized(w, "")
			return
		}

		subject.UserID = claims.Subject
		subject.TenantScope = claims.TenantScope
		ctx = WithClaims(ctx, claims)
		ctx = security.WithSubject(ctx, subject)

		m.logger.Debug("authentication successful",
			zap.String("request_id", requestID),
			zap.String("sub", claims.Subject),
			zap.String("tenant", claims.TenantScope))

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole is a middleware that requires a specific role.
// This should be called after RequireAuth.
func (m *AuthMiddleware) RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := GetRequestIDFromContext(ctx)

			claims := GetClaimsFromContext(ctx)
			if claims == nil {
				m.logger.Error("claims not found in context",
					zap.String("request_id", requestID))
				_ = utils.WriteUnauthorized(w, "")
				return
			}

			if !claims.HasRole(role) {
				m.logger.Warn("insufficient permissions",
					zap.String("request_id", requestID),
					zap.String("required_role", role),
					zap.Strings("roles", claims.Roles))
				if m.reporter != nil {
					m.reporter.RecordUnauthorized(ctx, r.URL.Path, role)
				}
				_ = utils.WriteForbidden(w, "")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (m *AuthMiddleware) reportFailedLogin(ctx context.Context, reason string) {
	if m.reporter != nil {
		m.reporter.RecordFailedLogin(ctx, reason)
	}
}

// extractToken extracts JWT from the Authorization header ("Bearer TOKEN")
// or the auth_token cookie. The header takes precedence.
func extractToken(r *http.Request) string {
	if token := extractBearerToken(r); token != "" {
		return token
	}
	if cookie, err := r.Cookie(authTokenCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return ""
}

// extractBearerToken extracts the Bearer token from the Authorization header
func extractBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}

	return strings.TrimSpace(parts[1])
}

// clientIP strips the port from RemoteAddr; chi's RealIP has already
// applied X-Forwarded-For when it is mounted
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
