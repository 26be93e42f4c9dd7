// Package api hosts the HTTP server, middleware, and REST handlers for job
// intake and operator access. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs to submit a post URL, GET /v1/jobs to list.
//   - GET /v1/jobs/{job_id}, POST /v1/jobs/{job_id}/retry and
//     POST /v1/jobs/{job_id}/status for inspection and operator actions.
package api
