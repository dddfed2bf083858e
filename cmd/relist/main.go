// Package main hosts the relist service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server creates drafts, runs prechecks, publishes
//     and retries drafts, shows moderation history and edits AI providers.
//   - Queues: collect and publish queues (in memory, or Redis when redis.addr
//     is set) share one key space, so a draft has at most one job in flight.
//     The publish queue also carries delayed moderation polls.
//   - Pipeline: the collector scrapes and sanitizes the source page; the
//     orchestrator resolves the category, price and images concurrently,
//     grades risk, then submits through the browser executor or holds the
//     draft for manual review.
//   - Persistence & fanout: drafts, moderation tasks and provider configs live
//     in Postgres when database.dsn is set. Cleaned images go to the blob
//     backend and outcome events to Pub/Sub when a project is configured.
//
// Quick checklist:
//   - Configure RELIST_REMOTE_BASE_URL and at least one provider under ai.providers.
//   - Run locally: go run ./cmd/relist serve --config config.yaml
//   - Batch upload: go run ./cmd/relist publish --status scraped
package main

import "github.com/JakeFAU/relist/cmd"

func main() {
	cmd.Execute()
}
