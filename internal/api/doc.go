// Package api hosts the HTTP server, middleware, and REST handlers for the
// adaptive crawl service. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/adaptive-crawl (or GET /v1/adaptive-crawl/<target url>) to submit a crawl.
//   - GET /v1/adaptive-crawl/tasks/{task_id} and POST /v1/adaptive-crawl/status for polling.
package api
