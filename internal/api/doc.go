// Package api hosts the operator HTTP server that runs beside the worker.
// Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/jobs/{type} to list queued jobs of a type.
//   - POST /v1/jobs/{type} to enqueue a job pointing at an asset.
//   - GET /v1/announcements for recent in-process job announcements.
package api
