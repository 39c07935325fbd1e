package mongodb

import (
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlpipe/internal/metrics"
	"github.com/JakeFAU/crawlpipe/internal/pipeline"
)

// StopReason is sent to the crawl host when the duplicate threshold is reached.
const StopReason = "duplicate key insertion exceeded"

// duplicateBreaker counts duplicate-key rejections and asks the host to stop the
// crawl once threshold is reached. The count is never reset within a run, so every
// duplicate past the threshold asks again.
type duplicateBreaker struct {
	threshold int
	count     int
	stopper   pipeline.Stopper
	logger    *zap.Logger
}

func newDuplicateBreaker(threshold int, stopper pipeline.Stopper, logger *zap.Logger) *duplicateBreaker {
	return &duplicateBreaker{
		threshold: threshold,
		stopper:   stopper,
		logger:    logger,
	}
}

func (b *duplicateBreaker) active() bool {
	return b.threshold > 0
}

// observe records one duplicate-key failure and reports whether a stop was requested.
func (b *duplicateBreaker) observe() bool {
	if !b.active() {
		return false
	}
	b.count++
	if b.count < b.threshold {
		return false
	}
	b.logger.Warn("Duplicate key threshold reached, stopping crawl",
		zap.Int("duplicates", b.count),
		zap.Int("threshold", b.threshold),
	)
	metrics.ObserveCrawlStop(StopReason)
	if b.stopper != nil {
		b.stopper.StopCrawl(StopReason)
	}
	return true
}
