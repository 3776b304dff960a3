package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/relaymesh/plansolve/pkg/models"
)

// HTTPMiddleware enforces JWT/API key auth on an HTTP handler, attaching
// the resolved user to the request context. An unconfigured Service
// passes every request through untouched.
func HTTPMiddleware(service *Service, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if service == nil || !service.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			user, err := AuthenticateRequest(service, r)
			if err != nil {
				if logger != nil {
					logger.Warn("request authentication failed", "error", err, "path", r.URL.Path)
				}
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			r = r.WithContext(WithUser(r.Context(), user))
			next.ServeHTTP(w, r)
		})
	}
}

// AuthenticateRequest resolves a *models.User from an incoming HTTP
// request's Authorization bearer token or X-API-Key header. Used both
// by HTTPMiddleware and directly during the gateway's WebSocket upgrade.
func AuthenticateRequest(service *Service, r *http.Request) (*models.User, error) {
	if token := extractBearerHeader(r); token != "" {
		return service.ValidateJWT(token)
	}
	if apiKey := extractAPIKeyHeader(r); apiKey != "" {
		return service.ValidateAPIKey(apiKey)
	}
	return nil, ErrInvalidToken
}

func extractBearerHeader(r *http.Request) string {
	value := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(value), "bearer ") {
		return strings.TrimSpace(value[len("bearer "):])
	}
	return ""
}

func extractAPIKeyHeader(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-API-Key")); v != "" {
		return v
	}
	return strings.TrimSpace(r.Header.Get("Api-Key"))
}
