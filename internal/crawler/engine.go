package crawler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlpipe/internal/hash/sha256"
	"github.com/JakeFAU/crawlpipe/internal/metrics"
	"github.com/JakeFAU/crawlpipe/internal/pipeline"
)

const closeTimeout = 30 * time.Second

// RequestMiddleware adjusts an outgoing request before it is sent.
type RequestMiddleware interface {
	Apply(r *colly.Request)
}

// IDGenerator produces crawl run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher fingerprints a response body.
type Hasher interface {
	Sum(data []byte) string
}

// Stats summarises the current or last run.
type Stats struct {
	RunID      string `json:"run_id"`
	Pages      int64  `json:"pages"`
	Items      int64  `json:"items"`
	Dropped    int64  `json:"dropped"`
	Failures   int64  `json:"failures"`
	Stopped    bool   `json:"stopped"`
	StopReason string `json:"stop_reason,omitempty"`
}

// Engine drives a colly collector and feeds extracted pages to a pipeline.
type Engine struct {
	cfg         Config
	chain       pipeline.Pipeline
	settings    pipeline.Settings
	ids         IDGenerator
	hasher      Hasher
	middlewares []RequestMiddleware
	blocklist   *hostBlocklist
	logger      *zap.Logger

	// deliverMu serializes item delivery to the chain.
	deliverMu sync.Mutex

	stateMu    sync.Mutex
	runID      string
	stopReason string
	cancel     context.CancelFunc

	stopped  atomic.Bool
	pages    atomic.Int64
	items    atomic.Int64
	dropped  atomic.Int64
	failures atomic.Int64
}

var _ pipeline.Stopper = (*Engine)(nil)

// New builds an Engine. settings are handed to the chain at Open.
func New(
	cfg Config,
	chain pipeline.Pipeline,
	settings pipeline.Settings,
	ids IDGenerator,
	logger *zap.Logger,
	middlewares ...RequestMiddleware,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:         cfg,
		chain:       chain,
		settings:    settings,
		ids:         ids,
		hasher:      sha256.New(),
		middlewares: middlewares,
		blocklist:   newHostBlocklist(cfg.BlockedDomains),
		logger:      logger.Named("crawler"),
	}
}

// Run opens the chain, crawls from the seeds until the frontier is empty, the
// context ends or a pipeline asks to stop, then closes the chain.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.cfg.Validate(); err != nil {
		return err
	}
	runID, err := e.ids.NewID()
	if err != nil {
		return fmt.Errorf("generate run id: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.begin(runID, cancel)
	logger := e.logger.With(zap.String("run_id", runID))

	if err := e.chain.Open(runCtx, e.settings, e); err != nil {
		return fmt.Errorf("open pipelines: %w", err)
	}
	logger.Info("Crawl started", zap.Strings("seeds", e.cfg.Seeds))

	collector, err := e.newCollector(runCtx, runID, logger)
	if err != nil {
		return errors.Join(err, e.closeChain(ctx))
	}
	for _, seed := range e.cfg.Seeds {
		if err := collector.Visit(seed); err != nil && !e.stopped.Load() {
			logger.Warn("Failed to visit seed", zap.String("url", seed), zap.Error(err))
		}
	}
	collector.Wait()

	stats := e.Stats()
	logger.Info("Crawl finished",
		zap.Int64("pages", stats.Pages),
		zap.Int64("items", stats.Items),
		zap.Int64("dropped", stats.Dropped),
		zap.Int64("failures", stats.Failures),
		zap.Bool("stopped", stats.Stopped),
	)
	return e.closeChain(ctx)
}

// StopCrawl ends the run: queued requests are aborted and later items dropped.
// Repeated calls keep the first reason.
func (e *Engine) StopCrawl(reason string) {
	e.stateMu.Lock()
	if e.stopped.Load() {
		e.stateMu.Unlock()
		e.logger.Debug("Stop already requested", zap.String("reason", reason))
		return
	}
	e.stopped.Store(true)
	e.stopReason = reason
	cancel := e.cancel
	e.stateMu.Unlock()

	e.logger.Warn("Stopping crawl", zap.String("reason", reason))
	if cancel != nil {
		cancel()
	}
}

// Stats returns a snapshot of the run counters.
func (e *Engine) Stats() Stats {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return Stats{
		RunID:      e.runID,
		Pages:      e.pages.Load(),
		Items:      e.items.Load(),
		Dropped:    e.dropped.Load(),
		Failures:   e.failures.Load(),
		Stopped:    e.stopped.Load(),
		StopReason: e.stopReason,
	}
}

func (e *Engine) begin(runID string, cancel context.CancelFunc) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.runID = runID
	e.stopReason = ""
	e.cancel = cancel
	e.stopped.Store(false)
	e.pages.Store(0)
	e.items.Store(0)
	e.dropped.Store(0)
	e.failures.Store(0)
}

func (e *Engine) newCollector(ctx context.Context, runID string, logger *zap.Logger) (*colly.Collector, error) {
	opts := []colly.CollectorOption{
		colly.MaxDepth(e.cfg.MaxDepth),
		colly.StdlibContext(ctx),
	}
	if len(e.cfg.AllowedDomains) > 0 {
		opts = append(opts, colly.AllowedDomains(e.cfg.AllowedDomains...))
	}
	if e.cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(e.cfg.UserAgent))
	}
	collector := colly.NewCollector(opts...)
	collector.IgnoreRobotsTxt = !e.cfg.RespectRobots
	if e.cfg.RequestTimeout > 0 {
		collector.SetRequestTimeout(e.cfg.RequestTimeout)
	}
	if e.cfg.Delay > 0 {
		if err := collector.Limit(&colly.LimitRule{DomainGlob: "*", Delay: e.cfg.Delay}); err != nil {
			return nil, fmt.Errorf("set collector limits: %w", err)
		}
	}

	collector.OnRequest(func(r *colly.Request) {
		if e.stopped.Load() || ctx.Err() != nil {
			r.Abort()
			return
		}
		if e.blocklist.blocked(r.URL.Host) {
			logger.Debug("Skipping blocked host", zap.String("url", r.URL.String()))
			r.Abort()
			return
		}
		for _, m := range e.middlewares {
			m.Apply(r)
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		e.pages.Add(1)
		metrics.ObserveCrawl(r.Request.URL.String(), strconv.Itoa(r.StatusCode))
	})
	collector.OnError(func(r *colly.Response, err error) {
		metrics.ObserveCrawl(r.Request.URL.String(), "error")
		if e.stopped.Load() {
			return
		}
		logger.Warn("Request failed",
			zap.String("url", r.Request.URL.String()),
			zap.Int("status_code", r.StatusCode),
			zap.Error(err),
		)
	})
	// Registered first so a page is delivered before its links are followed.
	collector.OnHTML("html", func(h *colly.HTMLElement) {
		page := extractPage(h.DOM, h.Request.URL)
		page.Status = h.Response.StatusCode
		page.Depth = h.Request.Depth
		page.RunID = runID
		page.ContentHash = e.hasher.Sum(h.Response.Body)
		e.deliver(ctx, page, logger)
	})
	collector.OnHTML("a[href]", func(h *colly.HTMLElement) {
		if e.stopped.Load() {
			return
		}
		if err := h.Request.Visit(h.Attr("href")); err != nil {
			logger.Debug("Link not followed", zap.String("href", h.Attr("href")), zap.Error(err))
		}
	})
	return collector, nil
}

func (e *Engine) deliver(ctx context.Context, page Page, logger *zap.Logger) {
	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()

	if e.stopped.Load() {
		e.dropped.Add(1)
		logger.Debug("Dropping item after stop", zap.String("url", page.URL))
		return
	}
	it, err := page.Item()
	if err != nil {
		e.failures.Add(1)
		logger.Error("Failed to build item", zap.String("url", page.URL), zap.Error(err))
		return
	}
	if _, err := e.chain.ProcessItem(ctx, it); err != nil {
		if errors.Is(err, pipeline.ErrDropItem) {
			e.dropped.Add(1)
			return
		}
		e.failures.Add(1)
		logger.Error("Item pipeline failed", zap.String("url", page.URL), zap.Error(err))
		return
	}
	e.items.Add(1)
}

// closeChain runs Close even when ctx is already cancelled so residual
// buffers are still written.
func (e *Engine) closeChain(ctx context.Context) error {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if err := e.chain.Close(closeCtx); err != nil {
		return fmt.Errorf("close pipelines: %w", err)
	}
	return nil
}
