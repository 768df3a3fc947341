// Package main hosts the extraction engine entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, geonames lookups,
//     and campaign management. Campaign requests are validated, expanded into
//     per-city extraction tasks via the geonames catalog, and persisted through
//     the storage layer before a run is launched.
//   - Orchestrator & pool: each started campaign gets an orchestrator run that
//     leases tasks from a bounded in-memory queue to a fixed bot pool. Bots
//     drive a browser session through the configured driver (chromedp, static
//     HTTP, or fake), retry transient failures with exponential backoff, and
//     persist extracted places per task. Context cancellation winds runs down
//     within the configured grace period.
//   - Real-time streaming: internal/ws.Gateway upgrades /ws/extraction/stream
//     and fans bus events out to subscribed sessions; live-view screenshots
//     coalesce to the latest frame per bot when a client falls behind.
//   - Persistence & fanout: campaigns, tasks, and places live in Postgres
//     (pgx pool) or the in-memory store when DATABASE_URL is unset; snapshots
//     can be archived to local disk or GCS. Domain events are batched by the
//     exporter and delivered to the log, Prometheus, and optionally Pub/Sub or
//     RabbitMQ sinks.
//   - Configuration & plumbing: Viper populates config from file/env (with a
//     .env loaded first for local runs); zap provides structured logging;
//     Prometheus metrics are exported via middleware and /metrics.
//
// Operational notes:
//   - Concurrency model: one orchestrator goroutine per running campaign, a
//     bot pool sized by the campaign's max_bots, FIFO task leasing. Shutdown
//     is coordinated via context cancellation from main through the campaign
//     service to every active run.
//   - Observability: zap logs carry campaign and task IDs at key transitions;
//     Prometheus counters/histograms track API, WebSocket, and extraction
//     activity.
//   - The HTTP server listens on SERVER_HOST:SERVER_PORT and reacts to
//     SIGINT/SIGTERM with a graceful drain: stop accepting, cancel runs,
//     flush the event exporter, close storage.
//
// Quick checklist:
//   - Configure env vars: SERVER_PORT, DATABASE_URL (empty selects the
//     in-memory store), GEONAMES_BASE_URL, DRIVER_KIND=chromedp|static|fake,
//     SNAPSHOT_STORE=none|local|gcs, EVENT_EXPORT=none|pubsub|rabbitmq plus
//     the matching project/topic or AMQP_URL.
//   - Run locally: go run ./cmd/extractiond -config config.yaml (or rely
//     solely on env overrides).
package main
