// Package auth provides bearer-token authentication for the chat API.
//
// # Tokens
//
// Callers authenticate with HS256 JWTs signed with the configured
// auth.jwt_secret (at least MinSecretLength bytes). The "sub" claim names the
// caller and is logged with each request.
//
//	verifier, err := auth.NewJWTVerifier([]byte(secret))
//	token, err := verifier.Generate("alice", 24*time.Hour)
//
// The coven-chat token subcommand mints tokens from the command line.
//
// # HTTP Middleware
//
// Middleware guards the /api routes when a secret is configured:
//
//	r.Use(auth.Middleware(verifier, logger))
//
// The token is read from the Authorization header, or from the access_token
// query parameter for WebSocket clients. Handlers read the caller with
// SubjectFromContext.
package auth
