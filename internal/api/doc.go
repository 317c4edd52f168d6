// Package api implements the HTTP REST API and WebSocket server for the
// controller.
//
// This package provides:
//   - REST endpoints for rule CRUD, manual evaluation, execution history,
//     runner status, and OpenRouter quota
//   - WebSocket hub for real-time rule event broadcasts
//   - JWT authentication with ticket-based WebSocket auth
//   - Middleware stack (request ID, logging, recovery, CORS)
//   - TLS support for production deployments
//
// # Architecture
//
// The API server sits between operator tooling (dashboards, scripts) and
// the evaluation loop. Rule changes flow through the rule registry, which
// notifies the runner; rule lifecycle events flow back out through the
// WebSocket hub, which the runner uses as its event sink.
//
// # Security
//
// POST /auth/login exchanges the configured admin token for a short-lived
// HS256 JWT. All other endpoints except /health require a Bearer token.
// WebSocket connections use single-use tickets to prevent token leakage
// in URLs.
package api
