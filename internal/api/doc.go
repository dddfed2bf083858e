// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - /v1/drafts for creating, inspecting, publishing and retrying drafts.
//   - /v1/drafts/{id}/moderation for the moderation task and its transition log.
//   - /v1/providers for runtime edits of the AI provider list.
package api
