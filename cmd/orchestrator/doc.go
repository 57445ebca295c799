// Package main hosts the orchestrator entrypoint.
//
// Architecture overview:
//   - Submission: URL batches are deduplicated against the store, stamped
//     with a job ID, validated, and published to the partitioned tasks topic.
//     Scraper workers own static partition sets, fetch pages with retry and
//     exponential backoff, persist raw HTML, and publish results; exhausted
//     URLs land in the dead-letter record store plus an advisory topic.
//     Processor workers drain results, extract and normalize stat rows, and
//     upsert them keyed by player and season type, optionally forwarding
//     batches to a search indexer.
//   - Monitoring: -watch polls the task and result backlogs together with the
//     record count; the job is called complete once the backlog is empty and
//     the count has advanced since the previous poll, and reported as timed
//     out otherwise.
//   - Control API: -serve exposes POST /api/v1/jobs, GET /api/v1/queue/backlog,
//     GET /api/v1/deadletters, plus /healthz and /metrics.
//   - Configuration & plumbing: Viper populates config from files and
//     STATPIPE_* env vars; zap provides structured logging; Prometheus
//     metrics are exported via the metrics middleware and /metrics handler.
//     Broker and store backends (memory, Redis Streams, Postgres) are chosen
//     in config.
//
// Run locally:
//   - Submit: go run ./cmd/orchestrator -urls https://stats.example.com/leaders -watch
//   - Serve: go run ./cmd/orchestrator -serve -config config.yaml
package main
