// Package api implements the HTTP REST API and WebSocket gateway for homecore.
//
// This package provides:
//   - REST endpoints for states, devices, entities, services, integrations,
//     automations and the recent event log
//   - A WebSocket gateway broadcasting every bus event to live clients
//   - Optional JWT bearer authentication
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Architecture
//
// The API server sits between user interfaces and the engine core. Service
// calls flow from the API into the dispatcher; state changes and every other
// event flow from the bus to WebSocket clients through the Gateway.
//
// # Security
//
// Authentication is disabled unless api.auth.jwt_secret is set. When
// enabled, every route except /api/health needs an HS256 bearer token.
// Browsers that cannot set headers on a WebSocket upgrade may pass the
// token as the "token" query parameter.
//
// # Errors
//
// Every error response has the same shape:
//
//	{"error": {"code": "not_found", "message": "state not found"}}
package api
