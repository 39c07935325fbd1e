package storage

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/JakeFAU/crawlpipe/internal/item"
)

// MockConnector is a mock implementation of the Connector interface for testing.
type MockConnector struct {
	mock.Mock
}

// Connect is the mock implementation of the Connect method.
func (m *MockConnector) Connect(ctx context.Context, target Target) (Collection, error) {
	args := m.Called(ctx, target)
	coll, _ := args.Get(0).(Collection)
	return coll, args.Error(1)
}

// MockCollection is a mock implementation of the Collection interface for testing.
type MockCollection struct {
	mock.Mock
}

// EnsureUniqueIndex is the mock implementation of the EnsureUniqueIndex method.
func (m *MockCollection) EnsureUniqueIndex(ctx context.Context, keys []string) error {
	args := m.Called(ctx, keys)
	return args.Error(0) //nolint:wrapcheck
}

// InsertOne is the mock implementation of the InsertOne method.
func (m *MockCollection) InsertOne(ctx context.Context, doc item.Item) error {
	args := m.Called(ctx, doc)
	return args.Error(0) //nolint:wrapcheck
}

// InsertMany is the mock implementation of the InsertMany method.
func (m *MockCollection) InsertMany(ctx context.Context, docs []item.Item) error {
	args := m.Called(ctx, docs)
	return args.Error(0) //nolint:wrapcheck
}

// Upsert is the mock implementation of the Upsert method.
func (m *MockCollection) Upsert(ctx context.Context, filter item.Item, doc item.Item) error {
	args := m.Called(ctx, filter, doc)
	return args.Error(0) //nolint:wrapcheck
}

// Close is the mock implementation of the Close method.
func (m *MockCollection) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0) //nolint:wrapcheck
}
