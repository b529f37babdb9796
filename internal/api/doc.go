// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - /v1/queue for queue summaries, discovery of ids, inspection and re-enqueue.
//   - POST /v1/listings/{id}/replay to rebuild silver state from the raw archive.
//   - POST /v1/gold/build, /v1/views/enrich and /v1/discovery/run to trigger batch passes.
//   - GET /v1/quality for data-quality checks.
package api
