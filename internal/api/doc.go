// Package api implements the HTTP REST API and WebSocket server for Runlet.
//
// This package provides:
//   - REST endpoints for launching, inspecting, and destroying processes
//   - WebSocket hub for real-time lifecycle and output broadcasts
//   - JWT authentication with ticket-based WebSocket auth
//   - Middleware stack (request ID, logging, recovery, CORS)
//   - TLS support for production deployments
//
// # Architecture
//
// The API server sits between clients (CLIs, dashboards, other services) and
// the supervisor. Launch and destroy requests flow to the supervisor, which
// owns the child processes; lifecycle and output events flow back through the
// hub to subscribed WebSocket clients. Finished runs are served from the
// SQLite journal when the supervisor no longer tracks them.
//
// # Security
//
// Authentication uses HS256 bearer tokens with an operator/viewer role claim.
// Mutating endpoints require the operator role. WebSocket connections use
// single-use tickets to prevent token leakage in URLs. Auth is optional and
// controlled by security.auth.enabled in the configuration.
package api
