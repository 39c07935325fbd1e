// Package mongodb implements storage.Collection on top of the official MongoDB driver.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlpipe/internal/item"
	"github.com/JakeFAU/crawlpipe/internal/storage"
)

const defaultConnectTimeout = 10 * time.Second

// Connector dials MongoDB and selects the target collection.
type Connector struct {
	timeout time.Duration
	logger  *zap.Logger
}

// NewConnector creates a Connector. A zero timeout selects a 10s default.
func NewConnector(timeout time.Duration, logger *zap.Logger) *Connector {
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{timeout: timeout, logger: logger}
}

// Connect opens a client, verifies it with a ping and returns the target collection.
func (c *Connector) Connect(ctx context.Context, target storage.Target) (storage.Collection, error) {
	connectCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	opts := options.Client().
		ApplyURI(target.URI).
		SetReadPreference(readpref.Primary())
	if wc := writeConcern(target); wc != nil {
		opts.SetWriteConcern(wc)
	}

	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		if derr := client.Disconnect(context.Background()); derr != nil {
			c.logger.Warn("Failed to disconnect after ping failure", zap.Error(derr))
		}
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &Collection{
		client: client,
		coll:   client.Database(target.Database).Collection(target.Collection),
	}, nil
}

// Collection adapts *mongo.Collection to storage.Collection.
type Collection struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// EnsureUniqueIndex creates a unique ascending index over keys. MongoDB treats
// re-creating an identical index as a no-op.
func (c *Collection) EnsureUniqueIndex(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return errors.New("index requires at least one key")
	}
	fields := make(bson.D, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, bson.E{Key: k, Value: 1})
	}
	model := mongo.IndexModel{
		Keys:    fields,
		Options: options.Index().SetUnique(true),
	}
	if _, err := c.coll.Indexes().CreateOne(ctx, model); err != nil {
		return fmt.Errorf("create unique index %v: %w", keys, err)
	}
	return nil
}

// InsertOne writes a single document.
func (c *Collection) InsertOne(ctx context.Context, doc item.Item) error {
	_, err := c.coll.InsertOne(ctx, doc)
	return classify("insert one", err)
}

// InsertMany performs an unordered bulk insert so one rejected document does not
// stop the rest of the batch.
func (c *Collection) InsertMany(ctx context.Context, docs []item.Item) error {
	if len(docs) == 0 {
		return nil
	}
	batch := make([]any, len(docs))
	for i, d := range docs {
		batch[i] = d
	}
	_, err := c.coll.InsertMany(ctx, batch, options.InsertMany().SetOrdered(false))
	return classify("insert many", err)
}

// Upsert replaces the document matching filter or inserts doc.
func (c *Collection) Upsert(ctx context.Context, filter item.Item, doc item.Item) error {
	_, err := c.coll.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	return classify("upsert", err)
}

// Close disconnects the client.
func (c *Collection) Close(ctx context.Context) error {
	if err := c.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect from MongoDB: %w", err)
	}
	return nil
}

// writeConcern maps the durability flags onto a write concern. Nil keeps the
// server default.
func writeConcern(target storage.Target) *writeconcern.WriteConcern {
	if !target.Fsync && target.W <= 0 {
		return nil
	}
	wc := &writeconcern.WriteConcern{}
	if target.W > 0 {
		wc.W = target.W
	}
	if target.Fsync {
		journal := true
		wc.Journal = &journal
	}
	return wc
}

// classify wraps err with storage.ErrDuplicateKey when every write failure it
// carries is a duplicate key.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if onlyDuplicateKeys(err) {
		return fmt.Errorf("%s: %w: %w", op, storage.ErrDuplicateKey, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func onlyDuplicateKeys(err error) bool {
	var bulk mongo.BulkWriteException
	if errors.As(err, &bulk) {
		if bulk.WriteConcernError != nil || len(bulk.WriteErrors) == 0 {
			return false
		}
		for _, we := range bulk.WriteErrors {
			if !isDuplicateKeyCode(we.Code) {
				return false
			}
		}
		return true
	}
	var write mongo.WriteException
	if errors.As(err, &write) {
		if write.WriteConcernError != nil || len(write.WriteErrors) == 0 {
			return false
		}
		for _, we := range write.WriteErrors {
			if !isDuplicateKeyCode(we.Code) {
				return false
			}
		}
		return true
	}
	return mongo.IsDuplicateKeyError(err)
}

func isDuplicateKeyCode(code int) bool {
	return code == 11000 || code == 11001 || code == 12582
}
