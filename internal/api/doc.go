// Package api hosts the operator HTTP surface of a crawl run:
//   - GET /healthz for liveness checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/stats for crawl and storage pipeline counters.
package api
