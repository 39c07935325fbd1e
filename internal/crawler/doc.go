// Package crawler hosts item pipelines behind a colly collector. The engine
// owns the request lifecycle, turns every fetched HTML page into an item,
// delivers items to the pipeline chain one at a time and honours stop
// requests raised by the pipelines.
package crawler
