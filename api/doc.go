// Package api holds the OpenAPI/Swagger documentation for the AgentRelay API.
//
// # API Overview
//
// AgentRelay exposes a small RESTful API:
//   - POST /v1/contact: ask, delegate or notify another agent
//   - /v1/agents: roster listing plus sleep, resume-if-due and wake controls
//   - /v1/approvals: pending human approvals and their decisions
//   - /health, /ready, /version and /metrics
//
// Handlers live in api/handlers; every response uses the handlers.Response
// envelope.
//
// # Authentication
//
// When server.api_keys is configured, /v1 endpoints require one of:
//
//	X-API-Key: your-api-key
//	Authorization: Bearer your-api-key
//
// # Generating Documentation
//
//	swag init -g cmd/agentrelay/main.go -o api --parseDependency --parseInternal
package api
