package mongodb

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlpipe/internal/item"
	"github.com/JakeFAU/crawlpipe/internal/metrics"
	"github.com/JakeFAU/crawlpipe/internal/storage"
)

// ErrMissingKeyField is returned in upsert mode when an item lacks a unique-key field.
var ErrMissingKeyField = errors.New("item is missing unique key field")

// Write modes, used as metric labels.
const (
	modeInsert = "insert"
	modeUpsert = "upsert"
)

// persister writes items with one fixed semantics for the lifetime of a run.
type persister interface {
	one(ctx context.Context, doc item.Item) error
	many(ctx context.Context, docs []item.Item) error
	mode() string
}

// inserter writes plain documents. Duplicate keys are routed to the breaker
// and the affected items are dropped.
type inserter struct {
	coll    storage.Collection
	breaker *duplicateBreaker
	dest    string
	logger  *zap.Logger
	stats   *runStats
}

func (w *inserter) mode() string { return modeInsert }

func (w *inserter) one(ctx context.Context, doc item.Item) error {
	return w.handle(w.coll.InsertOne(ctx, doc), 1)
}

func (w *inserter) many(ctx context.Context, docs []item.Item) error {
	return w.handle(w.coll.InsertMany(ctx, docs), len(docs))
}

func (w *inserter) handle(err error, n int) error {
	switch {
	case err == nil:
		w.logger.Debug("Stored item(s) in MongoDB", zap.String("destination", w.dest), zap.Int("count", n))
		w.stats.stored.Add(int64(n))
		metrics.ObserveStored(modeInsert, n)
		return nil
	case errors.Is(err, storage.ErrDuplicateKey):
		w.logger.Debug("Duplicate key found", zap.String("destination", w.dest), zap.Error(err))
		w.stats.duplicates.Add(1)
		metrics.ObserveDuplicateKey()
		if w.breaker.observe() {
			w.stats.stops.Add(1)
		}
		return nil
	default:
		metrics.ObserveWriteError(modeInsert)
		return fmt.Errorf("store items in %s: %w", w.dest, err)
	}
}

// upserter replaces the document sharing the item's unique-key values, or inserts it.
type upserter struct {
	coll   storage.Collection
	keys   []string
	dest   string
	logger *zap.Logger
	stats  *runStats
}

func (w *upserter) mode() string { return modeUpsert }

func (w *upserter) one(ctx context.Context, doc item.Item) error {
	filter, err := keyFilter(doc, w.keys)
	if err != nil {
		return err
	}
	if err := w.coll.Upsert(ctx, filter, doc); err != nil {
		metrics.ObserveWriteError(modeUpsert)
		return fmt.Errorf("upsert item in %s: %w", w.dest, err)
	}
	w.logger.Debug("Stored item(s) in MongoDB", zap.String("destination", w.dest), zap.Int("count", 1))
	w.stats.stored.Add(1)
	metrics.ObserveStored(modeUpsert, 1)
	return nil
}

func (w *upserter) many(ctx context.Context, docs []item.Item) error {
	for _, doc := range docs {
		if err := w.one(ctx, doc); err != nil {
			return err
		}
	}
	return nil
}

// keyFilter builds the upsert filter from every field named in keys.
func keyFilter(doc item.Item, keys []string) (item.Item, error) {
	filter := make(item.Item, 0, len(keys))
	for _, k := range keys {
		v, ok := item.Get(doc, k)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingKeyField, k)
		}
		filter = item.Set(filter, k, v)
	}
	return filter, nil
}
