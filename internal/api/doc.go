// Package api hosts the pipeline's HTTP surfaces. The orchestrator serves
// the control API:
//   - POST /api/v1/jobs for batch submission.
//   - GET /api/v1/queue/backlog for pending counts per topic.
//   - GET /api/v1/deadletters for permanently failed URLs.
//
// Worker binaries serve the ops surface: GET /healthz, /stats, and /metrics
// for Prometheus scraping.
package api
