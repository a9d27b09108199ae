// ABOUTME: HTTP middleware for JWT authentication on API endpoints
// ABOUTME: Extracts the bearer token and adds the subject to the request context

package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return "", "invalid authorization header format"
	}
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// Middleware rejects requests without a valid bearer token. WebSocket
// clients that cannot set headers may pass the token as ?access_token=.
func Middleware(verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				if q := r.URL.Query().Get("access_token"); q != "" {
					header = "Bearer " + q
				}
			}

			token, errMsg := extractBearerToken(header)
			if errMsg != "" {
				writeError(w, http.StatusUnauthorized, errMsg)
				return
			}

			subject, err := verifier.Verify(token)
			if err != nil {
				logger.Debug("rejected token", "path", r.URL.Path, "error", err)
				msg := "invalid token"
				if errors.Is(err, ErrExpiredToken) {
					msg = "token expired"
				}
				writeError(w, http.StatusUnauthorized, msg)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), subject)))
		})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
