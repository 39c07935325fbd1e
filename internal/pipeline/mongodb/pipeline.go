// Package mongodb implements the item pipeline that writes crawled items into MongoDB.
//
// A run has one of two write semantics, fixed at Open:
//   - without a unique key, items are inserted, optionally buffered into batches,
//     and duplicate-key rejections feed a circuit breaker that can stop the crawl;
//   - with a unique key, every item is upserted on its key fields and buffering is
//     not allowed.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlpipe/internal/item"
	"github.com/JakeFAU/crawlpipe/internal/metrics"
	"github.com/JakeFAU/crawlpipe/internal/pipeline"
	"github.com/JakeFAU/crawlpipe/internal/storage"
)

// TimestampField holds the nested insertion time when timestamps are enabled.
const TimestampField = "crawl_pipeline"

// ErrNotOpen is returned when items arrive before Open or after Close.
var ErrNotOpen = errors.New("pipeline is not open")

// ErrAlreadyOpen is returned by Open until the previous run has been closed.
var ErrAlreadyOpen = errors.New("pipeline is already open")

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Stats is a point-in-time view of a run.
type Stats struct {
	Mode       string `json:"mode"`
	Buffered   int64  `json:"buffered"`
	Stored     int64  `json:"stored"`
	Batches    int64  `json:"batches"`
	Duplicates int64  `json:"duplicates"`
	Stops      int64  `json:"stops"`
}

// runStats is readable from other goroutines while the host drives the pipeline.
type runStats struct {
	mode       atomic.Value
	buffered   atomic.Int64
	stored     atomic.Int64
	batches    atomic.Int64
	duplicates atomic.Int64
	stops      atomic.Int64
}

func (s *runStats) reset(mode string) {
	s.mode.Store(mode)
	s.buffered.Store(0)
	s.stored.Store(0)
	s.batches.Store(0)
	s.duplicates.Store(0)
	s.stops.Store(0)
}

// Pipeline writes items to a MongoDB collection. All run state lives on the
// instance and is reset by Open.
type Pipeline struct {
	defaults  Options
	connector storage.Connector
	clock     Clock
	logger    *zap.Logger

	opts    Options
	coll    storage.Collection
	writer  persister
	breaker *duplicateBreaker
	buffer  []item.Item
	pending int
	stats   runStats
}

var _ pipeline.Pipeline = (*Pipeline)(nil)

// New constructs a Pipeline. defaults are overlaid by host settings at Open.
func New(defaults Options, connector storage.Connector, clock Clock, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Pipeline{
		defaults:  defaults,
		connector: connector,
		clock:     clock,
		logger:    logger.Named("mongodb"),
	}
}

// Open resolves options, connects and, in upsert mode, ensures the unique index.
// Configuration errors are reported before any connection attempt.
func (p *Pipeline) Open(ctx context.Context, settings pipeline.Settings, stopper pipeline.Stopper) error {
	if p.coll != nil {
		return ErrAlreadyOpen
	}
	opts, err := Resolve(p.defaults, settings)
	if err != nil {
		p.logger.Error("Invalid MongoDB pipeline configuration", zap.Error(err))
		return err
	}

	coll, err := p.connector.Connect(ctx, opts.Target())
	if err != nil {
		return fmt.Errorf("connect %s: %w", redactURI(opts.URI), err)
	}
	dest := opts.Database + "/" + opts.Collection
	p.logger.Info("Connected to MongoDB",
		zap.String("uri", redactURI(opts.URI)),
		zap.String("destination", dest),
	)

	if opts.Keyed() {
		if err := coll.EnsureUniqueIndex(ctx, opts.UniqueKey); err != nil {
			if cerr := coll.Close(ctx); cerr != nil {
				p.logger.Warn("Failed to close collection", zap.Error(cerr))
			}
			return fmt.Errorf("ensure unique index: %w", err)
		}
		p.logger.Info("Ensuring index for key", zap.Strings("unique_key", opts.UniqueKey))
	}

	p.opts = opts
	p.coll = coll
	p.buffer = nil
	p.pending = 0
	p.breaker = newDuplicateBreaker(opts.StopOnDuplicate, stopper, p.logger)
	if opts.Keyed() {
		p.writer = &upserter{coll: coll, keys: opts.UniqueKey, dest: dest, logger: p.logger, stats: &p.stats}
	} else {
		p.writer = &inserter{coll: coll, breaker: p.breaker, dest: dest, logger: p.logger, stats: &p.stats}
	}
	p.stats.reset(p.writer.mode())
	return nil
}

// Options returns the options resolved by the last Open.
func (p *Pipeline) Options() Options {
	return p.opts
}

// ProcessItem buffers or writes it and returns the possibly timestamped copy.
// In buffering mode the item is returned unpersisted until the batch fills.
func (p *Pipeline) ProcessItem(ctx context.Context, it item.Item) (item.Item, error) {
	if p.coll == nil {
		return it, ErrNotOpen
	}
	doc := item.Clone(it)

	if p.opts.Buffered() {
		doc = p.stamp(doc)
		p.buffer = append(p.buffer, doc)
		p.pending++
		p.stats.buffered.Store(int64(len(p.buffer)))
		if p.pending >= p.opts.Buffer {
			return doc, p.flush(ctx)
		}
		return doc, nil
	}

	doc = p.stamp(doc)
	if err := p.writer.one(ctx, doc); err != nil {
		return doc, err
	}
	return doc, nil
}

// Close writes any residual buffered items once and releases the connection.
func (p *Pipeline) Close(ctx context.Context) error {
	if p.coll == nil {
		return nil
	}
	var errs []error
	if len(p.buffer) > 0 {
		if err := p.flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := p.coll.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close collection: %w", err))
	}
	p.coll = nil
	return errors.Join(errs...)
}

// Stats returns counters for the current run. Safe for concurrent use.
func (p *Pipeline) Stats() Stats {
	mode, _ := p.stats.mode.Load().(string)
	return Stats{
		Mode:       mode,
		Buffered:   p.stats.buffered.Load(),
		Stored:     p.stats.stored.Load(),
		Batches:    p.stats.batches.Load(),
		Duplicates: p.stats.duplicates.Load(),
		Stops:      p.stats.stops.Load(),
	}
}

// flush hands the buffer to the writer as one batch. The buffer is reset first,
// so a failed batch is not retried.
func (p *Pipeline) flush(ctx context.Context) error {
	batch := p.buffer
	p.buffer = nil
	p.pending = 0
	p.stats.buffered.Store(0)
	if len(batch) == 0 {
		return nil
	}
	p.stats.batches.Add(1)
	metrics.ObserveBatch(len(batch))
	return p.writer.many(ctx, batch)
}

// stamp sets the nested insertion time. item.Set replaces an existing value,
// so an item never carries the field twice.
func (p *Pipeline) stamp(doc item.Item) item.Item {
	if !p.opts.AppendTimestamp {
		return doc
	}
	return item.Set(doc, TimestampField, bson.D{{Key: "ts", Value: p.now()}})
}

func (p *Pipeline) now() time.Time {
	if p.clock == nil {
		return time.Now().UTC()
	}
	return p.clock.Now().UTC()
}

// redactURI drops credentials before a URI is logged.
func redactURI(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparsable>"
	}
	if u.User != nil {
		u.User = url.User("xxxxx")
	}
	return u.String()
}
