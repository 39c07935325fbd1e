// Package pipeline defines the lifecycle hooks a crawl host uses to drive item pipelines.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlpipe/internal/item"
)

// ErrDropItem tells the host to stop passing an item down the chain. It is not a failure.
var ErrDropItem = errors.New("item dropped")

// Settings exposes host configuration by key. *viper.Viper satisfies it.
type Settings interface {
	Get(key string) any
}

// Stopper is the crawl-control collaborator a pipeline asks to end the run.
// The request is advisory: in-flight writes are not aborted.
type Stopper interface {
	StopCrawl(reason string)
}

// StopFunc adapts a function to the Stopper interface.
type StopFunc func(reason string)

// StopCrawl calls f(reason).
func (f StopFunc) StopCrawl(reason string) {
	f(reason)
}

// Pipeline is an item pipeline driven by the host, one instance per crawl run.
// Hooks are invoked sequentially; implementations need no internal locking.
type Pipeline interface {
	// Open resolves configuration and acquires resources before the first item.
	Open(ctx context.Context, settings Settings, stopper Stopper) error
	// ProcessItem handles one item and returns it for the next stage.
	ProcessItem(ctx context.Context, it item.Item) (item.Item, error)
	// Close flushes any residual state and releases resources.
	Close(ctx context.Context) error
}

// Chain runs items through pipelines in order.
type Chain struct {
	pipelines []Pipeline
	opened    int
	logger    *zap.Logger
}

// NewChain builds a Chain over pipelines.
func NewChain(logger *zap.Logger, pipelines ...Pipeline) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{pipelines: pipelines, logger: logger}
}

// Open opens every pipeline. If one fails, the ones already opened are closed.
func (c *Chain) Open(ctx context.Context, settings Settings, stopper Stopper) error {
	for i, p := range c.pipelines {
		if err := p.Open(ctx, settings, stopper); err != nil {
			if cerr := c.Close(ctx); cerr != nil {
				c.logger.Warn("Failed to close pipelines after open error", zap.Error(cerr))
			}
			return fmt.Errorf("open pipeline %d: %w", i, err)
		}
		c.opened = i + 1
	}
	return nil
}

// ProcessItem feeds the item through each pipeline, handing every stage the
// item returned by the previous one. A stage returning ErrDropItem ends the chain early.
func (c *Chain) ProcessItem(ctx context.Context, it item.Item) (item.Item, error) {
	current := it
	for i, p := range c.pipelines[:c.opened] {
		next, err := p.ProcessItem(ctx, current)
		if err != nil {
			if errors.Is(err, ErrDropItem) {
				return current, err
			}
			return current, fmt.Errorf("pipeline %d: %w", i, err)
		}
		if next != nil {
			current = next
		}
	}
	return current, nil
}

// Close closes every opened pipeline and joins their errors.
func (c *Chain) Close(ctx context.Context) error {
	var errs []error
	for i, p := range c.pipelines[:c.opened] {
		if err := p.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close pipeline %d: %w", i, err))
		}
	}
	c.opened = 0
	return errors.Join(errs...)
}
