// Package main hosts the intelligence hub service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, collection, and archive query endpoints. Submissions
//     are fingerprinted, reserved in the ItemStore (losing duplicates get a 200 with no side effects), and enqueued
//     for analysis.
//   - Dispatcher & queue: items flow through a bounded in-memory queue sized by pipeline.queue_depth and are fanned
//     out to a fixed worker pool sized by pipeline.concurrency. At startup the dispatcher re-queues items left
//     non-terminal in durable state; a cron sweep re-queues retry-parked items once their backoff elapses.
//   - Analysis pipeline: workers lease an AI credential from the key pool (round-robin over healthy keys, exponential
//     cooldown on failures, disablement after repeated faults), call an OpenAI-compatible backend, repair the reply
//     leniently, validate it strictly, and give the model exactly one reformat nudge before discarding the item.
//   - Acceptance & archive: validated verdicts are scored by their highest non-excluded rating class; items meeting
//     pipeline.archive_threshold are committed to the append-only archive (idempotent per fingerprint), optionally
//     announced on Pub/Sub, and conversation audit blobs are written to the configured BlobStore (GCS/local).
//   - Configuration & plumbing: Viper populates config from env/files (INTELHUB_ prefix); zap provides structured
//     logging; Prometheus collectors are exported via /metrics. Postgres backs durable state when db.dsn is set,
//     with in-memory stores for local development.
//
// Operational notes:
//   - Concurrency model: bounded queue + fixed worker pool; a global rate limiter paces AI calls. Shutdown is
//     coordinated via context cancellation propagated from main through dispatcher to workers; items interrupted
//     mid-analysis are resumed on the next start.
//   - Retry policy: transport faults and capacity exhaustion retry with jittered exponential backoff up to
//     pipeline.max_retries; unrepairable model output discards the item without burning retries.
//   - Run locally: go run ./cmd/intelhub -config config.yaml (or rely solely on env overrides).
package main
