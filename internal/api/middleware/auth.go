// Package middleware provides HTTP middleware components for the telemetry API.
package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// publicEndpoints defines endpoints that bypass authentication even when a
// bearer token is configured (e.g. health probes, the metadata endpoint).
//
// Security note: only non-business endpoints should be in this map.
var publicEndpoints = map[string]bool{} //nolint: gochecknoglobals

// RegisterPublicEndpoint registers an endpoint that bypasses authentication.
// This should only be called during route setup.
//
// Example:
//
//	middleware.RegisterPublicEndpoint("/health")
//	middleware.RegisterPublicEndpoint("/api/v1/metadata")
func RegisterPublicEndpoint(endpoint string) {
	publicEndpoints[endpoint] = true
}

// extractBearerToken extracts the token from the Authorization header.
//
// Returns (token, true) if an Authorization: Bearer header is present and
// well-formed, ("", false) otherwise. Rejects tokens containing newlines
// (header injection prevention).
func extractBearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}

	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" || strings.ContainsAny(token, "\r\n") {
		return "", false
	}

	return token, true
}

// RequireBearerToken creates an authentication middleware that checks every
// request's Authorization header against a single configured token using a
// constant-time comparison. Paths registered via RegisterPublicEndpoint
// bypass the check.
//
// Example usage:
//
//	authMiddleware := middleware.RequireBearerToken(cfg.AuthToken, logger)
//	handler = authMiddleware(handler)
func RequireBearerToken(token string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicEndpoints[r.URL.Path] {
				next.ServeHTTP(w, r)

				return
			}

			presented, found := extractBearerToken(r)
			if !found || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				writeAuthError(w, r, logger, "missing or invalid bearer token")

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeAuthError writes an RFC 7807 compliant 401 response and logs the
// failure without revealing the presented token.
func writeAuthError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, detail string) {
	correlationID := GetCorrelationID(r.Context())

	logger.Warn("authentication failed",
		slog.String("reason", detail),
		slog.String("correlation_id", correlationID),
		slog.String("endpoint", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
	)

	if err := writeRFC7807Error(w, r, http.StatusUnauthorized, detail, correlationID); err != nil {
		logger.Error("failed to encode authentication error response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
}

// writeRFC7807Error writes an RFC 7807 compliant error response without
// importing the api package, shared by the auth and rate-limit middleware.
func writeRFC7807Error(
	w http.ResponseWriter,
	r *http.Request,
	statusCode int,
	detail,
	correlationID string,
) error {
	var title string

	switch statusCode {
	case http.StatusUnauthorized:
		title = "Unauthorized"
	case http.StatusTooManyRequests:
		title = "Too Many Requests"
	default:
		title = "Request Failed"
	}

	problem := map[string]interface{}{
		"type":          fmt.Sprintf("https://telemetry.run/problems/%d", statusCode),
		"title":         title,
		"status":        statusCode,
		"detail":        detail,
		"instance":      r.URL.Path,
		"correlationId": correlationID,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(statusCode)

	return json.NewEncoder(w).Encode(problem)
}
