// Package api hosts the HTTP server, middleware, and REST handlers for the
// frontier. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/schedule for producers adding discovered URIs.
//   - POST /v1/lease, /v1/finished and /v1/abandon for remote workers.
//   - GET /v1/report, GET /v1/scan and the /v1/queues/{class_key} routes for
//     operators.
package api
