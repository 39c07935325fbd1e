// Package main hosts the crawlpipe entrypoint.
//
// A run crawls from the configured seeds with a colly collector, assigns a
// random User-Agent to every request and stores one item per page through the
// MongoDB pipeline. The pipeline either inserts items (optionally in batches)
// or upserts them on a unique key, and may stop the crawl once too many
// duplicate-key rejections have been seen.
//
// Configuration:
//   - Application keys come from the -config YAML file or CRAWLPIPE_* env vars,
//     e.g. CRAWLPIPE_CRAWLER_SEEDS, CRAWLPIPE_CRAWLER_MAX_DEPTH,
//     CRAWLPIPE_SERVER_ENABLED.
//   - Pipeline settings keep their bare names: MONGODB_URI, MONGODB_DATABASE,
//     MONGODB_COLLECTION, MONGODB_UNIQUE_KEY, MONGODB_BUFFER_DATA,
//     MONGODB_ADD_TIMESTAMP, MONGODB_STOP_ON_DUPLICATE, MONGODB_FSYNC,
//     MONGODB_REPLICA_SET_W and USER_AGENT_LIST.
//   - MONGODB_URI=memory:// keeps items in process for dry runs.
//
// With server.enabled the process also serves /healthz, /metrics and
// /v1/stats while the crawl runs. SIGINT/SIGTERM end the crawl early; buffered
// items are still flushed before exit.
package main
