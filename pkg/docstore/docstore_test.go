package docstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/contentcache/internal/keyValStore"
	"github.com/i5heu/contentcache/pkg/changefeed"
	"github.com/i5heu/contentcache/pkg/model"
	"github.com/i5heu/contentcache/pkg/selector"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *testclock.Clock) {
	t.Helper()
	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{InMemory: true})
	require.NoError(t, err)
	clk := testclock.NewClock(epoch)
	s, err := New(Config{KV: kv, Clock: clk})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
		_ = kv.Close()
	})
	return s, clk
}

func item(hid int, name string) model.Document {
	return model.Document{
		model.FieldID:        "h1-" + itoa(hid),
		model.FieldHistoryID: "h1",
		model.FieldHid:       hid,
		"name":               name,
		model.FieldIsDeleted: false,
		model.FieldVisible:   true,
	}
}

func itoa(i int) string {
	const digits = "0123456789"
	if i == 0 {
		return "0"
	}
	var b []byte
	for ; i > 0; i /= 10 {
		b = append([]byte{digits[i%10]}, b...)
	}
	return string(b)
}

func nextChange(t *testing.T, sub *changefeed.Subscription) changefeed.Change {
	t.Helper()
	select {
	case c, ok := <-sub.Events():
		require.True(t, ok, "feed closed: %v", sub.Err())
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no change delivered")
	}
	return changefeed.Change{}
}

func TestNewRequiresKV(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestCollectionIsSingleton(t *testing.T) {
	s, _ := newTestStore(t)
	assert.Same(t, s.Collection("contents"), s.Collection("contents"))
	assert.NotSame(t, s.Collection("contents"), s.Collection("collection_elements"))
	assert.Equal(t, "contents", s.Collection("contents").Name())
}

func TestUpsertMergesAndStamps(t *testing.T) { // A
	ctx := context.Background()
	s, clk := newTestStore(t)
	c := s.Collection("contents")

	res, err := c.UpsertProps(ctx, item(1, "a.txt"))
	require.NoError(t, err)
	assert.True(t, res.Updated)
	assert.Regexp(t, `^1-[0-9a-f]{16}$`, res.Rev)

	clk.Advance(time.Second)
	res, err = c.UpsertProps(ctx, model.Document{model.FieldID: "h1-1", "state": "ok"})
	require.NoError(t, err)
	assert.True(t, res.Updated)
	assert.Regexp(t, `^2-`, res.Rev)

	doc, err := c.Get(ctx, "h1-1")
	require.NoError(t, err)
	assert.Equal(t, "a.txt", doc["name"])
	assert.Equal(t, "ok", doc["state"])
	assert.Equal(t, res.Rev, doc.Rev())
	assert.EqualValues(t, epoch.Add(time.Second).UnixMilli(), doc[model.FieldCachedAt])
}

func TestUpsertUnchangedContentIsNoop(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t)
	c := s.Collection("contents")

	first, err := c.UpsertProps(ctx, item(3, "same"))
	require.NoError(t, err)
	before, err := c.Get(ctx, "h1-3")
	require.NoError(t, err)

	clk.Advance(time.Minute)
	again := item(3, "same")
	again[model.FieldCachedAt] = int64(42)
	again[model.FieldRev] = "9-ffffffffffffffff"
	second, err := c.UpsertProps(ctx, again)
	require.NoError(t, err)
	assert.False(t, second.Updated)
	assert.Equal(t, first.Rev, second.Rev)

	after, err := c.Get(ctx, "h1-3")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestUpsertMutatorAbort(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	c := s.Collection("contents")

	res, err := c.Upsert(ctx, "h1-9", func(existing model.Document) (model.Document, bool) {
		assert.Empty(t, existing)
		return nil, false
	})
	require.NoError(t, err)
	assert.False(t, res.Updated)

	doc, err := c.Get(ctx, "h1-9")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestUpsertRejectsInvalidIDs(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	c := s.Collection("contents")

	for _, id := range []string{"", DesignPrefix + "idx-name"} {
		_, err := c.UpsertProps(ctx, model.Document{model.FieldID: id})
		assert.ErrorIs(t, err, ErrInvalidID, id)
	}
}

func TestBulkUpsertKeepsOrder(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	c := s.Collection("contents")
	_, err := c.UpsertProps(ctx, item(2, "b"))
	require.NoError(t, err)

	results, err := c.BulkUpsert(ctx, []model.Document{
		item(1, "a"),
		item(2, "b"),
		{model.FieldID: ""},
		item(3, "c"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidID)
	require.Len(t, results, 4)

	assert.Equal(t, "h1-1", results[0].ID)
	assert.True(t, results[0].Updated)
	assert.False(t, results[1].Updated)
	assert.Error(t, results[2].Err)
	assert.True(t, results[3].Updated)

	n, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRemoveWritesTombstone(t *testing.T) { // A
	ctx := context.Background()
	s, _ := newTestStore(t)
	c := s.Collection("contents")
	_, err := c.UpsertProps(ctx, item(4, "gone"))
	require.NoError(t, err)

	sub, err := c.Changes(ctx, ChangesConfig{Live: true})
	require.NoError(t, err)
	defer sub.Stop()

	res, err := c.Remove(ctx, "h1-4")
	require.NoError(t, err)
	assert.True(t, res.Updated)
	assert.Regexp(t, `^2-`, res.Rev)

	change := nextChange(t, sub)
	assert.Equal(t, "h1-4", change.ID)
	assert.True(t, change.Deleted)
	require.NotNil(t, change.Doc)
	assert.Equal(t, "gone", change.Doc["name"])

	doc, err := c.Get(ctx, "h1-4")
	require.NoError(t, err)
	assert.Nil(t, doc)

	n, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	res, err = c.Remove(ctx, "h1-4")
	require.NoError(t, err)
	assert.False(t, res.Updated)
	res, err = c.Remove(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, res.Updated)

	// a later upsert resurrects the document with fresh content only
	_, err = c.UpsertProps(ctx, model.Document{model.FieldID: "h1-4", "name": "back"})
	require.NoError(t, err)
	doc, err = c.Get(ctx, "h1-4")
	require.NoError(t, err)
	assert.Equal(t, "back", doc["name"])
	assert.NotContains(t, doc, model.FieldHid)
}

func TestCreateIndex(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	c := s.Collection("contents")
	_, err := c.UpsertProps(ctx, item(1, "a"))
	require.NoError(t, err)

	spec := selector.NewIndexSpec(model.FieldHistoryID, model.FieldHid)
	res, err := c.CreateIndex(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, IndexCreated, res)

	res, err = c.CreateIndex(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, IndexExists, res)

	_, err = c.CreateIndex(ctx, selector.IndexSpec{})
	assert.Error(t, err)

	specs, err := c.Indexes()
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, spec, specs[0])

	// index definitions are not documents
	n, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries, err := c.IndexEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{spec.DDoc: 1}, entries)

	_, err = c.UpsertProps(ctx, item(2, "b"))
	require.NoError(t, err)
	_, err = c.Remove(ctx, "h1-1")
	require.NoError(t, err)
	entries, err = c.IndexEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, entries[spec.DDoc])
}

func TestIndexesSurviveReload(t *testing.T) {
	ctx := context.Background()
	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{InMemory: true})
	require.NoError(t, err)
	defer kv.Close()

	s1, err := New(Config{KV: kv})
	require.NoError(t, err)
	_, err = s1.Collection("contents").CreateIndex(ctx, selector.NewIndexSpec("name"))
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := New(Config{KV: kv})
	require.NoError(t, err)
	defer s2.Close()
	res, err := s2.Collection("contents").CreateIndex(ctx, selector.NewIndexSpec("name"))
	require.NoError(t, err)
	assert.Equal(t, IndexExists, res)
}

func TestFindByField(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	c := s.Collection("contents")
	for i := 1; i <= 5; i++ {
		_, err := c.UpsertProps(ctx, item(i, "file"+itoa(i)))
		require.NoError(t, err)
	}

	doc, err := c.FindByField(ctx, "name", "file3")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "h1-3", doc.ID())

	doc, err = c.FindByField(ctx, "name", "nope")
	require.NoError(t, err)
	assert.Nil(t, doc)

	// index entries follow updates and removals
	_, err = c.UpsertProps(ctx, model.Document{model.FieldID: "h1-3", "name": "renamed"})
	require.NoError(t, err)
	doc, err = c.FindByField(ctx, "name", "file3")
	require.NoError(t, err)
	assert.Nil(t, doc)
	doc, err = c.FindByField(ctx, "name", "renamed")
	require.NoError(t, err)
	require.NotNil(t, doc)

	_, err = c.Remove(ctx, "h1-3")
	require.NoError(t, err)
	doc, err = c.FindByField(ctx, "name", "renamed")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestFindSortLimitIndex(t *testing.T) { // PA
	ctx := context.Background()
	s, _ := newTestStore(t)
	c := s.Collection("contents")
	for i := 1; i <= 10; i++ {
		d := item(i, "f")
		if i%2 == 0 {
			d[model.FieldHistoryID] = "h2"
		}
		_, err := c.UpsertProps(ctx, d)
		require.NoError(t, err)
	}

	idx := selector.NewIndexSpec(model.FieldHistoryID, model.FieldHid)
	q := selector.Query{
		Selector: selector.Selector{
			model.FieldHistoryID: "h1",
			model.FieldHid:       selector.Selector{"$gte": 3},
		},
		Sort:  []selector.SortField{selector.Desc(model.FieldHid)},
		Limit: 2,
		Index: &idx,
	}
	docs, err := c.Find(ctx, q)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.EqualValues(t, 9, docs[0][model.FieldHid])
	assert.EqualValues(t, 7, docs[1][model.FieldHid])

	q.Limit = 0
	q.Sort = []selector.SortField{selector.Asc(model.FieldHid)}
	docs, err = c.Find(ctx, q)
	require.NoError(t, err)
	require.Len(t, docs, 4)
	assert.EqualValues(t, 3, docs[0][model.FieldHid])
}

func TestFindWithoutIndexScans(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	c := s.Collection("contents")
	for i := 1; i <= 3; i++ {
		_, err := c.UpsertProps(ctx, item(i, "f"))
		require.NoError(t, err)
	}
	docs, err := c.Find(ctx, selector.Query{Selector: selector.Selector{model.FieldHid: selector.Selector{"$lt": 3}}})
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestFindErrorsAreQueryErrors(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	c := s.Collection("contents")

	_, err := c.Find(ctx, selector.Query{Selector: selector.Selector{"name": selector.Selector{"$regex": "("}}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQuery)
	var qe *QueryError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, "contents", qe.Collection)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = c.Find(cancelled, selector.Query{Selector: selector.Selector{}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrQuery)
}

func TestChangesSinceBeginningFiltersDesignDocs(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	c := s.Collection("contents")
	_, err := c.UpsertProps(ctx, item(1, "a"))
	require.NoError(t, err)
	_, err = c.CreateIndex(ctx, selector.NewIndexSpec("name"))
	require.NoError(t, err)

	sub, err := c.Changes(ctx, ChangesConfig{Since: SinceBeginning, Live: true})
	require.NoError(t, err)
	defer sub.Stop()

	replayed := nextChange(t, sub)
	assert.Equal(t, "h1-1", replayed.ID)
	assert.False(t, replayed.Deleted)

	// the readiness marker is cleared once the feed is live
	assert.Eventually(t, func() bool {
		_, err := s.kv.Read(designKey("contents", feedSentinel))
		return errors.Is(err, keyValStore.ErrNotFound)
	}, 5*time.Second, 10*time.Millisecond)

	_, err = c.UpsertProps(ctx, item(2, "b"))
	require.NoError(t, err)
	live := nextChange(t, sub)
	assert.Equal(t, "h1-2", live.ID)
	assert.Equal(t, "b", live.Doc["name"])
}

func TestChangesStaticClosesAfterReplay(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	c := s.Collection("contents")
	for i := 1; i <= 3; i++ {
		_, err := c.UpsertProps(ctx, item(i, "f"))
		require.NoError(t, err)
	}

	sub, err := c.Changes(ctx, ChangesConfig{Since: SinceBeginning})
	require.NoError(t, err)
	var ids []string
	for ch := range sub.Events() {
		ids = append(ids, ch.ID)
	}
	assert.ElementsMatch(t, []string{"h1-1", "h1-2", "h1-3"}, ids)
	assert.NoError(t, sub.Wait())
}

func TestChangesAreSharedPerCollection(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	c := s.Collection("contents")

	a, err := c.Changes(ctx, ChangesConfig{Live: true})
	require.NoError(t, err)
	b, err := c.Changes(ctx, ChangesConfig{Live: true})
	require.NoError(t, err)
	assert.Equal(t, 2, s.Feeds().Refs("contents"))

	_, err = c.UpsertProps(ctx, item(1, "a"))
	require.NoError(t, err)
	assert.Equal(t, "h1-1", nextChange(t, a).ID)
	assert.Equal(t, "h1-1", nextChange(t, b).ID)

	require.NoError(t, a.Stop())
	require.NoError(t, b.Stop())
	assert.Eventually(t, func() bool { return s.Feeds().Refs("contents") == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestClosedStore(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	c := s.Collection("contents")
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := c.Get(ctx, "x")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.UpsertProps(ctx, item(1, "a"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestIndexValue(t *testing.T) {
	cases := []struct {
		in   any
		want string
		ok   bool
	}{
		{nil, "z", true},
		{true, "btrue", true},
		{"x", "sx", true},
		{"a\x00b", "", false},
		{3, "n3", true},
		{3.0, "n3", true},
		{1.5, "n1.5", true},
		{[]any{1}, "", false},
	}
	for _, tc := range cases {
		got, ok := indexValue(tc.in, true)
		assert.Equal(t, tc.ok, ok, "%v", tc.in)
		assert.Equal(t, tc.want, got, "%v", tc.in)
	}
	_, ok := indexValue("x", false)
	assert.False(t, ok)
}
