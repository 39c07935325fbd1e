// Package memory keeps documents in-process for development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/JakeFAU/crawlpipe/internal/item"
	"github.com/JakeFAU/crawlpipe/internal/storage"
)

// Scheme is the URI scheme routed to this package.
const Scheme = "memory://"

var errClosed = errors.New("collection closed")

// Connector hands out collections keyed by database and collection name.
// Collections outlive Close so callers can inspect them after a run.
type Connector struct {
	mu          sync.Mutex
	collections map[string]*Collection
}

// NewConnector constructs a Connector.
func NewConnector() *Connector {
	return &Connector{collections: make(map[string]*Collection)}
}

// Connect returns the collection named by target, creating it on first use.
func (c *Connector) Connect(_ context.Context, target storage.Target) (storage.Collection, error) {
	return c.Collection(target.Database, target.Collection), nil
}

// Collection returns the named collection, creating it on first use.
func (c *Connector) Collection(database, name string) *Collection {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := database + "/" + name
	coll, ok := c.collections[key]
	if !ok {
		coll = NewCollection()
		c.collections[key] = coll
	}
	coll.reopen()
	return coll
}

// Collection is an in-memory storage.Collection. The _id field and every
// ensured index are enforced as unique.
type Collection struct {
	mu      sync.RWMutex
	docs    []item.Item
	indexes [][]string
	closed  bool
}

// NewCollection constructs an empty Collection.
func NewCollection() *Collection {
	return &Collection{indexes: [][]string{{"_id"}}}
}

// EnsureUniqueIndex registers keys as a unique index. Registering the same keys twice is a no-op.
func (c *Collection) EnsureUniqueIndex(_ context.Context, keys []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(keys) == 0 {
		return errors.New("index requires at least one key")
	}
	for _, existing := range c.indexes {
		if sameKeys(existing, keys) {
			return nil
		}
	}
	for i, doc := range c.docs {
		if c.conflicts(doc, i, [][]string{keys}) {
			return fmt.Errorf("build index %v: %w", keys, storage.ErrDuplicateKey)
		}
	}
	c.indexes = append(c.indexes, append([]string(nil), keys...))
	return nil
}

// InsertOne stores a copy of doc.
func (c *Collection) InsertOne(_ context.Context, doc item.Item) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	return c.insert(doc)
}

// InsertMany stores every document that does not violate a unique index.
func (c *Collection) InsertMany(_ context.Context, docs []item.Item) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	var failed int
	for _, doc := range docs {
		if err := c.insert(doc); err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d documents rejected: %w", failed, len(docs), storage.ErrDuplicateKey)
	}
	return nil
}

// Upsert replaces the first document matching filter, or inserts doc.
func (c *Collection) Upsert(_ context.Context, filter item.Item, doc item.Item) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	for i, existing := range c.docs {
		if !matches(existing, filter) {
			continue
		}
		replacement := item.Clone(doc)
		if id, ok := item.Get(existing, "_id"); ok {
			if _, has := item.Get(replacement, "_id"); !has {
				replacement = append(item.Item{{Key: "_id", Value: id}}, replacement...)
			}
		}
		if c.conflicts(replacement, i, c.indexes) {
			return fmt.Errorf("replace document: %w", storage.ErrDuplicateKey)
		}
		c.docs[i] = replacement
		return nil
	}
	return c.insert(doc)
}

// Close marks the collection closed for writes. Stored documents remain readable.
func (c *Collection) Close(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Count returns the number of stored documents.
func (c *Collection) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.docs)
}

// Find returns copies of every document whose fields equal those in filter.
func (c *Collection) Find(filter item.Item) []item.Item {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []item.Item
	for _, doc := range c.docs {
		if matches(doc, filter) {
			out = append(out, item.Clone(doc))
		}
	}
	return out
}

func (c *Collection) reopen() {
	c.mu.Lock()
	c.closed = false
	c.mu.Unlock()
}

func (c *Collection) insert(doc item.Item) error {
	if c.conflicts(doc, -1, c.indexes) {
		return fmt.Errorf("insert document: %w", storage.ErrDuplicateKey)
	}
	c.docs = append(c.docs, item.Clone(doc))
	return nil
}

// conflicts reports whether doc collides with any stored document other than skip.
// Documents without an _id never collide on it; other missing fields compare as null.
func (c *Collection) conflicts(doc item.Item, skip int, indexes [][]string) bool {
	for _, keys := range indexes {
		if len(keys) == 1 && keys[0] == "_id" {
			if _, ok := item.Get(doc, "_id"); !ok {
				continue
			}
		}
		for i, existing := range c.docs {
			if i != skip && sameIndexKey(existing, doc, keys) {
				return true
			}
		}
	}
	return false
}

func sameIndexKey(a, b item.Item, keys []string) bool {
	for _, k := range keys {
		va, _ := item.Get(a, k)
		vb, _ := item.Get(b, k)
		if !equalValues(va, vb) {
			return false
		}
	}
	return true
}

func matches(doc item.Item, filter item.Item) bool {
	for _, e := range filter {
		v, ok := item.Get(doc, e.Key)
		if !ok || !equalValues(v, e.Value) {
			return false
		}
	}
	return true
}

// equalValues compares field values by type and value. Numbers of different
// Go types compare by value, as the server does; everything else must match
// exactly, so 1 and "1" are distinct keys.
func equalValues(a, b any) bool {
	if ai, ok := asInt(a); ok {
		if bi, ok := asInt(b); ok {
			return ai == bi
		}
	}
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	if i, ok := asInt(v); ok {
		return float64(i), true
	}
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func sameKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
