// Package gateway serves the coven-chat HTTP API.
//
// # Overview
//
// The Gateway owns the store, the workspace manager, the agent launcher and
// the chat registry, and exposes them over HTTP with a chi router:
//
//   - POST /api/chat - Send a message to a session (SSE streaming response)
//   - GET /api/sessions/{id}/watch - Follow a session over WebSocket
//   - GET, POST /api/sessions - List or create sessions
//   - GET, DELETE /api/sessions/{id} - Fetch or delete a session
//   - GET /api/sessions/{id}/messages - History (?limit=N, ?format=html)
//   - GET, POST /api/workspaces - List or create workspaces
//   - DELETE /api/workspaces/{id} - Delete a workspace and its sessions
//   - GET /api/workspaces/{id}/sessions - Sessions in a workspace
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check with the live chat count
//
// When auth.jwt_secret is configured every /api route requires a bearer JWT.
//
// # SSE Streaming
//
// POST /api/chat subscribes to the chat before forwarding the message, then
// streams each broadcast event:
//
//	event: started
//	data: {"session_id": "..."}
//
//	event: user_message
//	data: {"type": "user_message", "text": "Hi", ...}
//
//	event: assistant_text
//	data: {"type": "assistant_text", "text": "Hello!", ...}
//
//	event: result
//	data: {"type": "result", "cost_usd": 0.01, ...}
//
// The stream ends after the first result or error event. Events from turns
// started by other clients of the same session are delivered too.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return gw.Run(ctx) // blocks until ctx is cancelled
//
// Shutdown closes every chat first, which ends open streams and tears down
// agent connections, then stops the HTTP server and closes the store.
package gateway
