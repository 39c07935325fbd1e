package mongodb

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlpipe/internal/item"
	"github.com/JakeFAU/crawlpipe/internal/pipeline"
	"github.com/JakeFAU/crawlpipe/internal/storage"
	"github.com/JakeFAU/crawlpipe/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type recordingStopper struct{ reasons []string }

func (r *recordingStopper) StopCrawl(reason string) { r.reasons = append(r.reasons, reason) }

// recordingCollection wraps the in-memory collection and records every write call.
type recordingCollection struct {
	*memory.Collection
	ones    []item.Item
	batches [][]item.Item
}

func (r *recordingCollection) InsertOne(ctx context.Context, doc item.Item) error {
	r.ones = append(r.ones, doc)
	return r.Collection.InsertOne(ctx, doc)
}

func (r *recordingCollection) InsertMany(ctx context.Context, docs []item.Item) error {
	r.batches = append(r.batches, docs)
	return r.Collection.InsertMany(ctx, docs)
}

type staticConnector struct{ coll storage.Collection }

func (s staticConnector) Connect(context.Context, storage.Target) (storage.Collection, error) {
	return s.coll, nil
}

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func named(name string) item.Item {
	return item.Item{{Key: "name", Value: name}}
}

func newRecordingPipeline(t *testing.T, settings settingsMap, stopper *recordingStopper) (*Pipeline, *recordingCollection) {
	t.Helper()
	coll := &recordingCollection{Collection: memory.NewCollection()}
	p := New(DefaultOptions(), staticConnector{coll: coll}, fixedClock{now: testNow}, zap.NewNop())
	var stop pipeline.Stopper
	if stopper != nil {
		stop = stopper
	}
	require.NoError(t, p.Open(context.Background(), settings, stop))
	return p, coll
}

func TestOpen_InvalidConfigNeverConnects(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		settings settingsMap
		want     error
	}{
		{"buffer and unique key", settingsMap{SettingBuffer: 5, SettingUniqueKey: "id"}, ErrIllegalCombination},
		{"buffer and composite key", settingsMap{SettingBuffer: 1, SettingUniqueKey: []string{"a", "b"}}, ErrIllegalCombination},
		{"negative threshold", settingsMap{SettingStopOnDuplicate: -1}, ErrNegativeThreshold},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			connector := new(storage.MockConnector)
			p := New(DefaultOptions(), connector, nil, zap.NewNop())

			err := p.Open(context.Background(), tc.settings, nil)
			require.ErrorIs(t, err, tc.want)
			connector.AssertNotCalled(t, "Connect", mock.Anything, mock.Anything)
		})
	}
}

func TestOpen_ConnectError(t *testing.T) {
	t.Parallel()

	connector := new(storage.MockConnector)
	connector.On("Connect", mock.Anything, mock.AnythingOfType("storage.Target")).
		Return(nil, errors.New("no route to host"))
	p := New(DefaultOptions(), connector, nil, zap.NewNop())

	err := p.Open(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no route to host")

	_, err = p.ProcessItem(context.Background(), named("A"))
	require.ErrorIs(t, err, ErrNotOpen)
}

func TestOpen_PassesTargetToConnector(t *testing.T) {
	t.Parallel()

	coll := new(storage.MockCollection)
	connector := new(storage.MockConnector)
	want := storage.Target{URI: "mongodb://db:27017", Fsync: true, W: 2, Database: "crawl", Collection: "pages"}
	connector.On("Connect", mock.Anything, want).Return(coll, nil).Once()

	p := New(DefaultOptions(), connector, nil, zap.NewNop())
	err := p.Open(context.Background(), settingsMap{
		SettingURI:          "mongodb://db:27017",
		SettingFsync:        true,
		SettingWriteConcern: 2,
		SettingDatabase:     "crawl",
		SettingCollection:   "pages",
	}, nil)
	require.NoError(t, err)
	connector.AssertExpectations(t)
	coll.AssertNotCalled(t, "EnsureUniqueIndex", mock.Anything, mock.Anything)
}

func TestOpen_TwiceWithoutCloseIsRejected(t *testing.T) {
	t.Parallel()

	coll := new(storage.MockCollection)
	coll.On("Close", mock.Anything).Return(nil).Once()
	connector := new(storage.MockConnector)
	connector.On("Connect", mock.Anything, mock.AnythingOfType("storage.Target")).Return(coll, nil).Twice()

	p := New(DefaultOptions(), connector, nil, zap.NewNop())
	require.NoError(t, p.Open(context.Background(), nil, nil))

	err := p.Open(context.Background(), nil, nil)
	require.ErrorIs(t, err, ErrAlreadyOpen)
	connector.AssertNumberOfCalls(t, "Connect", 1)

	require.NoError(t, p.Close(context.Background()))
	require.NoError(t, p.Open(context.Background(), nil, nil))
	connector.AssertNumberOfCalls(t, "Connect", 2)
	coll.AssertNumberOfCalls(t, "Close", 1)
}

func TestOpen_EnsureIndexFailureClosesCollection(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	coll := new(storage.MockCollection)
	coll.On("EnsureUniqueIndex", mock.Anything, []string{"url"}).Return(errors.New("index conflict"))
	coll.On("Close", mock.Anything).Return(nil).Once()
	connector := new(storage.MockConnector)
	connector.On("Connect", mock.Anything, mock.Anything).Return(coll, nil)

	p := New(DefaultOptions(), connector, nil, zap.NewNop())
	err := p.Open(ctx, settingsMap{SettingUniqueKey: "url"}, nil)
	require.Error(t, err)
	coll.AssertExpectations(t)

	_, err = p.ProcessItem(ctx, named("A"))
	require.ErrorIs(t, err, ErrNotOpen)
}

func TestBuffering_FlushesFullBatchesThenResidue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	coll := new(storage.MockCollection)
	connector := new(storage.MockConnector)
	connector.On("Connect", mock.Anything, mock.Anything).Return(coll, nil)
	coll.On("InsertMany", mock.Anything, []item.Item{named("A"), named("B"), named("C")}).Return(nil).Once()
	coll.On("InsertMany", mock.Anything, []item.Item{named("D"), named("E")}).Return(nil).Once()
	coll.On("Close", mock.Anything).Return(nil).Once()

	p := New(DefaultOptions(), connector, nil, zap.NewNop())
	require.NoError(t, p.Open(ctx, settingsMap{SettingBuffer: 3}, nil))

	for i, name := range []string{"A", "B", "C", "D", "E"} {
		out, err := p.ProcessItem(ctx, named(name))
		require.NoError(t, err)
		assert.Equal(t, named(name), out)
		if i < 2 {
			coll.AssertNotCalled(t, "InsertMany", mock.Anything, mock.Anything)
		}
	}
	assert.EqualValues(t, 2, p.Stats().Buffered)

	require.NoError(t, p.Close(ctx))
	coll.AssertExpectations(t)
	coll.AssertNotCalled(t, "InsertOne", mock.Anything, mock.Anything)
}

func TestBuffering_BatchCounts(t *testing.T) {
	t.Parallel()

	testCases := []struct{ buffer, items int }{
		{1, 4},
		{2, 4},
		{3, 10},
		{4, 3},
		{5, 5},
		{7, 23},
	}

	for _, tc := range testCases {
		t.Run(fmt.Sprintf("buffer=%d items=%d", tc.buffer, tc.items), func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			p, coll := newRecordingPipeline(t, settingsMap{SettingBuffer: tc.buffer}, nil)

			for i := 0; i < tc.items; i++ {
				_, err := p.ProcessItem(ctx, named(fmt.Sprint(i)))
				require.NoError(t, err)
			}
			full := tc.items / tc.buffer
			require.Len(t, coll.batches, full, "batches flushed during the run")

			require.NoError(t, p.Close(ctx))
			residue := tc.items % tc.buffer
			wantBatches := full
			if residue > 0 {
				wantBatches++
			}
			require.Len(t, coll.batches, wantBatches)
			for i := 0; i < full; i++ {
				assert.Len(t, coll.batches[i], tc.buffer)
			}
			if residue > 0 {
				assert.Len(t, coll.batches[full], residue)
			}
			assert.Empty(t, coll.ones)
			assert.Equal(t, tc.items, coll.Count())
			assert.EqualValues(t, wantBatches, p.Stats().Batches)
		})
	}
}

func TestBuffering_EmptyResidueWritesNothing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	coll := new(storage.MockCollection)
	connector := new(storage.MockConnector)
	connector.On("Connect", mock.Anything, mock.Anything).Return(coll, nil)
	coll.On("InsertMany", mock.Anything, mock.Anything).Return(nil).Twice()
	coll.On("Close", mock.Anything).Return(nil).Once()

	p := New(DefaultOptions(), connector, nil, zap.NewNop())
	require.NoError(t, p.Open(ctx, settingsMap{SettingBuffer: 2}, nil))
	for _, name := range []string{"A", "B", "C", "D"} {
		_, err := p.ProcessItem(ctx, named(name))
		require.NoError(t, err)
	}
	require.NoError(t, p.Close(ctx))

	coll.AssertNumberOfCalls(t, "InsertMany", 2)
	coll.AssertExpectations(t)
}

func TestImmediate_OneWritePerItem(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p, coll := newRecordingPipeline(t, nil, nil)

	for i := 0; i < 4; i++ {
		_, err := p.ProcessItem(ctx, named(fmt.Sprint(i)))
		require.NoError(t, err)
		require.Len(t, coll.ones, i+1)
	}
	require.NoError(t, p.Close(ctx))

	assert.Empty(t, coll.batches)
	assert.Len(t, coll.ones, 4)
	for i, doc := range coll.ones {
		assert.Equal(t, named(fmt.Sprint(i)), doc)
	}
	assert.EqualValues(t, 4, p.Stats().Stored)
	assert.Equal(t, modeInsert, p.Stats().Mode)
}

func TestTimestamp_InjectedExactlyOnce(t *testing.T) {
	t.Parallel()

	countField := func(doc item.Item) int {
		n := 0
		for _, e := range doc {
			if e.Key == TimestampField {
				n++
			}
		}
		return n
	}
	stale := item.Item{{Key: "name", Value: "pre-stamped"}, {Key: TimestampField, Value: "old"}}

	t.Run("buffered", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		p, coll := newRecordingPipeline(t, settingsMap{SettingBuffer: 2, SettingAddTimestamp: true}, nil)
		for _, it := range []item.Item{named("A"), stale, named("C")} {
			out, err := p.ProcessItem(ctx, it)
			require.NoError(t, err)
			assert.Equal(t, 1, countField(out))
		}
		require.NoError(t, p.Close(ctx))

		var docs []item.Item
		for _, b := range coll.batches {
			docs = append(docs, b...)
		}
		require.Len(t, docs, 3)
		for _, doc := range docs {
			require.Equal(t, 1, countField(doc))
			ts, _ := item.Get(doc, TimestampField)
			assert.Equal(t, bson.D{{Key: "ts", Value: testNow}}, ts)
		}
	})

	t.Run("immediate", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		p, coll := newRecordingPipeline(t, settingsMap{SettingAddTimestamp: true}, nil)
		for _, it := range []item.Item{named("A"), stale} {
			_, err := p.ProcessItem(ctx, it)
			require.NoError(t, err)
		}
		require.Len(t, coll.ones, 2)
		for _, doc := range coll.ones {
			assert.Equal(t, 1, countField(doc))
		}
		// The caller's item is left untouched.
		v, _ := item.Get(stale, TimestampField)
		assert.Equal(t, "old", v)
	})

	t.Run("disabled", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		p, coll := newRecordingPipeline(t, settingsMap{SettingBuffer: 2}, nil)
		for _, name := range []string{"A", "B", "C"} {
			out, err := p.ProcessItem(ctx, named(name))
			require.NoError(t, err)
			assert.Zero(t, countField(out))
		}
		require.NoError(t, p.Close(ctx))
		for _, b := range coll.batches {
			for _, doc := range b {
				assert.Zero(t, countField(doc))
			}
		}
	})
}

func TestUpsert_SecondItemReplacesFirst(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	connector := memory.NewConnector()
	stopper := &recordingStopper{}
	p := New(DefaultOptions(), connector, nil, zap.NewNop())
	require.NoError(t, p.Open(ctx, settingsMap{SettingUniqueKey: "id", SettingStopOnDuplicate: 1}, stopper))

	_, err := p.ProcessItem(ctx, item.Item{{Key: "id", Value: 1}, {Key: "v", Value: "x"}})
	require.NoError(t, err)
	_, err = p.ProcessItem(ctx, item.Item{{Key: "id", Value: 1}, {Key: "v", Value: "y"}})
	require.NoError(t, err)
	require.NoError(t, p.Close(ctx))

	coll := connector.Collection("crawlpipe", "items")
	require.Equal(t, 1, coll.Count())
	docs := coll.Find(item.Item{{Key: "id", Value: 1}})
	require.Len(t, docs, 1)
	assert.Equal(t, item.Item{{Key: "id", Value: 1}, {Key: "v", Value: "y"}}, docs[0])

	assert.Empty(t, stopper.reasons)
	assert.Zero(t, p.Stats().Duplicates)
	assert.Equal(t, modeUpsert, p.Stats().Mode)
}

func TestUpsert_CompositeKeyFilter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	coll := new(storage.MockCollection)
	connector := new(storage.MockConnector)
	connector.On("Connect", mock.Anything, mock.Anything).Return(coll, nil)
	coll.On("EnsureUniqueIndex", mock.Anything, []string{"site", "path"}).Return(nil).Once()

	doc := item.Item{{Key: "path", Value: "/a"}, {Key: "title", Value: "A"}, {Key: "site", Value: "example.com"}}
	wantFilter := item.Item{{Key: "site", Value: "example.com"}, {Key: "path", Value: "/a"}}
	coll.On("Upsert", mock.Anything, wantFilter, doc).Return(nil).Once()

	p := New(DefaultOptions(), connector, nil, zap.NewNop())
	require.NoError(t, p.Open(ctx, settingsMap{SettingUniqueKey: "site,path"}, nil))

	_, err := p.ProcessItem(ctx, doc)
	require.NoError(t, err)
	coll.AssertExpectations(t)
}

func TestUpsert_DistinctKeysNeverCollideInMemory(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		key   string
		items []item.Item
	}{
		{
			name: "composite values sharing text",
			key:  "site,path",
			items: []item.Item{
				{{Key: "site", Value: "a b"}, {Key: "path", Value: "c"}},
				{{Key: "site", Value: "a"}, {Key: "path", Value: "b c"}},
			},
		},
		{
			name: "number and string",
			key:  "id",
			items: []item.Item{
				{{Key: "id", Value: 1}},
				{{Key: "id", Value: "1"}},
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			conn := memory.NewConnector()
			stopper := &recordingStopper{}
			p := New(DefaultOptions(), conn, nil, zap.NewNop())
			require.NoError(t, p.Open(ctx, settingsMap{SettingUniqueKey: tc.key}, stopper))

			for _, it := range tc.items {
				_, err := p.ProcessItem(ctx, it)
				require.NoError(t, err)
			}
			require.NoError(t, p.Close(ctx))

			opts := DefaultOptions()
			assert.Equal(t, len(tc.items), conn.Collection(opts.Database, opts.Collection).Count())
			assert.Empty(t, stopper.reasons)
		})
	}
}

func TestUpsert_MissingKeyFieldIsFatal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	connector := memory.NewConnector()
	p := New(DefaultOptions(), connector, nil, zap.NewNop())
	require.NoError(t, p.Open(ctx, settingsMap{SettingUniqueKey: []string{"site", "path"}}, nil))

	_, err := p.ProcessItem(ctx, item.Item{{Key: "site", Value: "example.com"}})
	require.ErrorIs(t, err, ErrMissingKeyField)
	assert.Contains(t, err.Error(), `"path"`)
	assert.Zero(t, connector.Collection("crawlpipe", "items").Count())
}

func TestBreaker_StopsAtThreshold(t *testing.T) {
	t.Parallel()

	duplicateOf := func(id int) item.Item { return item.Item{{Key: "_id", Value: id}} }

	for _, threshold := range []int{1, 2, 5} {
		t.Run(fmt.Sprintf("threshold=%d", threshold), func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			stopper := &recordingStopper{}
			p, _ := newRecordingPipeline(t, settingsMap{SettingStopOnDuplicate: threshold}, stopper)

			_, err := p.ProcessItem(ctx, duplicateOf(1))
			require.NoError(t, err)

			for i := 0; i < threshold-1; i++ {
				_, err := p.ProcessItem(ctx, duplicateOf(1))
				require.NoError(t, err, "duplicates below the threshold are swallowed")
			}
			assert.Empty(t, stopper.reasons)

			_, err = p.ProcessItem(ctx, duplicateOf(1))
			require.NoError(t, err)
			assert.Equal(t, []string{StopReason}, stopper.reasons)
			assert.EqualValues(t, threshold, p.Stats().Duplicates)
			assert.EqualValues(t, 1, p.Stats().Stops)
		})
	}
}

func TestBreaker_RepeatsPastThreshold(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	stopper := &recordingStopper{}
	p, coll := newRecordingPipeline(t, settingsMap{SettingStopOnDuplicate: 2}, stopper)

	for i := 0; i < 4; i++ {
		_, err := p.ProcessItem(ctx, item.Item{{Key: "_id", Value: "same"}})
		require.NoError(t, err)
	}
	assert.Len(t, stopper.reasons, 2)
	assert.Equal(t, 1, coll.Count())
}

func TestBreaker_DisabledSwallowsDuplicates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	stopper := &recordingStopper{}
	p, coll := newRecordingPipeline(t, settingsMap{SettingBuffer: 2}, stopper)

	for _, id := range []int{1, 1, 2, 2, 3} {
		_, err := p.ProcessItem(ctx, item.Item{{Key: "_id", Value: id}})
		require.NoError(t, err)
	}
	require.NoError(t, p.Close(ctx))

	assert.Empty(t, stopper.reasons)
	assert.Equal(t, 3, coll.Count())
	assert.EqualValues(t, 2, p.Stats().Duplicates)
}

func TestInsert_OtherErrorsPropagate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	boom := errors.New("not primary")
	coll := new(storage.MockCollection)
	connector := new(storage.MockConnector)
	connector.On("Connect", mock.Anything, mock.Anything).Return(coll, nil)
	coll.On("InsertOne", mock.Anything, mock.Anything).Return(boom).Once()

	stopper := &recordingStopper{}
	p := New(DefaultOptions(), connector, nil, zap.NewNop())
	require.NoError(t, p.Open(ctx, settingsMap{SettingStopOnDuplicate: 1}, stopper))

	_, err := p.ProcessItem(ctx, named("A"))
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, storage.ErrDuplicateKey)
	assert.Empty(t, stopper.reasons)
	coll.AssertNumberOfCalls(t, "InsertOne", 1)
}

func TestClose_ResidueFailureIsReported(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	boom := errors.New("write failed")
	coll := new(storage.MockCollection)
	connector := new(storage.MockConnector)
	connector.On("Connect", mock.Anything, mock.Anything).Return(coll, nil)
	coll.On("InsertMany", mock.Anything, mock.Anything).Return(boom).Once()
	coll.On("Close", mock.Anything).Return(nil).Once()

	p := New(DefaultOptions(), connector, nil, zap.NewNop())
	require.NoError(t, p.Open(ctx, settingsMap{SettingBuffer: 10}, nil))
	_, err := p.ProcessItem(ctx, named("A"))
	require.NoError(t, err)

	err = p.Close(ctx)
	require.ErrorIs(t, err, boom)
	coll.AssertExpectations(t)

	// A second Close is a no-op.
	require.NoError(t, p.Close(ctx))
}

func TestPipelines_DoNotShareBuffers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	first, _ := newRecordingPipeline(t, settingsMap{SettingBuffer: 5}, nil)
	second, _ := newRecordingPipeline(t, settingsMap{SettingBuffer: 5}, nil)

	for i := 0; i < 3; i++ {
		_, err := first.ProcessItem(ctx, named(fmt.Sprint(i)))
		require.NoError(t, err)
	}
	assert.EqualValues(t, 3, first.Stats().Buffered)
	assert.Zero(t, second.Stats().Buffered)
}
