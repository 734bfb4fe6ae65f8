package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"layerforge/internal/domain"
)

// AuthMiddleware validates bearer JWT tokens and adds the subject to
// the request context.
func AuthMiddleware(jwtService *JWTService, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				respondError(w, http.StatusUnauthorized, domain.ErrCodeUnauthorized, "Authorization header required")
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				respondError(w, http.StatusUnauthorized, domain.ErrCodeUnauthorized, "Invalid authorization header format")
				return
			}

			claims, err := jwtService.ValidateToken(parts[1])
			if err != nil {
				logger.Warn("Token validation failed", zap.Error(err))
				respondError(w, http.StatusUnauthorized, domain.ErrCodeUnauthorized, "Invalid or expired token")
				return
			}

			ctx := domain.WithSubject(r.Context(), claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
