// Package api hosts the HTTP server, middleware, and REST handlers that drive
// the harvester remotely. Notable routes:
//   - GET /healthz and /readyz for liveness and readiness probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/crawls and /v1/exports to start runs, GET to inspect them and
//     POST /v1/{crawls,exports}/{run_id}/cancel to stop them.
//   - GET /v1/snapshots to list snapshot files on disk.
package api
