// Package storage defines the interfaces for the document store that item pipelines write to.
// This abstraction lets the pipeline run against MongoDB in production and against an
// in-process collection in tests or dry runs.
package storage

import (
	"context"
	"errors"

	"github.com/JakeFAU/crawlpipe/internal/item"
)

// ErrDuplicateKey marks a write rejected because it would violate a uniqueness constraint.
// Implementations wrap it so callers can match with errors.Is.
var ErrDuplicateKey = errors.New("duplicate key")

// Target names the connection and destination of a pipeline.
type Target struct {
	URI        string
	Fsync      bool
	W          int // 0 keeps the server default
	Database   string
	Collection string
}

// Connector opens a Collection for a Target.
type Connector interface {
	Connect(ctx context.Context, target Target) (Collection, error)
}

// Collection is the set of writes the item pipeline needs from a document store.
type Collection interface {
	// EnsureUniqueIndex creates a unique index over keys, in order. It must be safe to call
	// when the index already exists.
	EnsureUniqueIndex(ctx context.Context, keys []string) error

	// InsertOne writes a single document.
	InsertOne(ctx context.Context, doc item.Item) error

	// InsertMany writes every document it can, continuing past individual failures.
	// When every failure was a duplicate key the returned error wraps ErrDuplicateKey.
	InsertMany(ctx context.Context, docs []item.Item) error

	// Upsert replaces the document matching filter, or inserts doc when none matches.
	Upsert(ctx context.Context, filter item.Item, doc item.Item) error

	// Close releases the underlying connection.
	Close(ctx context.Context) error
}
