// Package item defines the ordered field mapping that flows through item pipelines.
package item

import (
	"errors"
	"fmt"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
)

// Item is an ordered mapping of field name to value, one per crawled entity.
type Item = bson.D

// ErrNilItem is returned when a nil value is offered for serialization.
var ErrNilItem = errors.New("item is nil")

// From serializes v into an ordered field mapping.
// Maps are emitted with their keys sorted; structs follow their bson tags.
// The returned Item never aliases the slice backing v.
func From(v any) (Item, error) {
	switch src := v.(type) {
	case nil:
		return nil, ErrNilItem
	case Item:
		return Clone(src), nil
	case bson.M:
		return fromMap(src), nil
	case map[string]any:
		return fromMap(src), nil
	}

	raw, err := bson.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal item: %w", err)
	}
	var out Item
	if err := bson.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return out, nil
}

// Clone returns a shallow copy of it.
func Clone(it Item) Item {
	if it == nil {
		return nil
	}
	out := make(Item, len(it))
	copy(out, it)
	return out
}

// Get returns the value stored under key.
func Get(it Item, key string) (any, bool) {
	for _, e := range it {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// Set stores value under key, replacing the first existing entry in place
// or appending a new one. The field therefore never appears twice.
func Set(it Item, key string, value any) Item {
	for i := range it {
		if it[i].Key == key {
			it[i].Value = value
			return it
		}
	}
	return append(it, bson.E{Key: key, Value: value})
}

func fromMap(m map[string]any) Item {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(Item, 0, len(keys))
	for _, k := range keys {
		out = append(out, bson.E{Key: k, Value: m[k]})
	}
	return out
}
