package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/tomb.v2"

	"github.com/i5heu/contentcache/internal/keyValStore"
	"github.com/i5heu/contentcache/pkg/docstore"
	"github.com/i5heu/contentcache/pkg/filters"
	"github.com/i5heu/contentcache/pkg/model"
	workerpool "github.com/i5heu/contentcache/pkg/workerPool"
)

const waitTimeout = 10 * time.Second

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newCollection(t *testing.T, name string) *docstore.Collection {
	t.Helper()
	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{InMemory: true})
	require.NoError(t, err)
	s, err := docstore.New(docstore.Config{KV: kv})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
		_ = kv.Close()
	})
	return s.Collection(name)
}

func wireItem(hid int) model.Document {
	return model.Document{
		model.FieldHistoryID:   "h1",
		model.FieldHid:         hid,
		model.FieldContentType: model.ContentTypeDataset,
		"name":                 fmt.Sprintf("dataset %d", hid),
		"deleted":              false,
	}
}

// scripted answers calls in order and repeats the last answer.
type scripted struct {
	mu    sync.Mutex
	pages []Page
	errs  []error
	specs []WindowSpec
}

func (s *scripted) LoadPage(_ context.Context, _ string, _ filters.Params, spec WindowSpec) (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := min(len(s.specs), len(s.pages)-1)
	s.specs = append(s.specs, spec)
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	return s.pages[i], err
}

func (s *scripted) calls() []WindowSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]WindowSpec(nil), s.specs...)
}

func TestCacherLoadCachesPage(t *testing.T) {
	col := newCollection(t, "contents")
	pool := workerpool.NewWorkerPool(workerpool.Config{WorkerCount: 4})
	defer pool.Close()

	stats := ServerStats{TotalMatches: 120, MatchesUp: 10, MatchesDown: 110, Changed: true}
	src := &scripted{pages: []Page{{Items: []model.Document{wireItem(1), wireItem(2), wireItem(3)}, Stats: stats}}}
	c, err := NewCacher(CacherConfig{Loader: src, Target: col, Prepare: PrepareContent, Pool: pool})
	require.NoError(t, err)

	p := filters.Params{Text: "name:foo"}
	res, err := c.Load(context.Background(), "h1", p, WindowSpec{TargetKey: 2, Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, LoadResult{Stats: stats, Items: 3, Updated: 3}, res)

	doc, err := col.Get(context.Background(), "h1-000000000002")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, false, doc[model.FieldIsDeleted])
	assert.Equal(t, "dataset 2", doc["name"])

	got, ok := c.Stats("h1", p)
	require.True(t, ok)
	assert.Equal(t, stats, got)
	_, ok = c.Stats("h1", filters.Params{})
	assert.False(t, ok)

	res, err = c.Load(context.Background(), "h1", p, WindowSpec{TargetKey: 2, Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Updated)
}

func TestCacherRejectsInvalidPage(t *testing.T) {
	col := newCollection(t, "contents")
	pool := workerpool.NewWorkerPool(workerpool.Config{WorkerCount: 2})
	defer pool.Close()

	bad := wireItem(2)
	delete(bad, model.FieldHid)
	src := &scripted{pages: []Page{{Items: []model.Document{wireItem(1), bad}}}}
	c, err := NewCacher(CacherConfig{Loader: src, Target: col, Prepare: PrepareContent, Pool: pool})
	require.NoError(t, err)

	_, err = c.Load(context.Background(), "h1", filters.Params{}, WindowSpec{})
	require.Error(t, err)
	var verr *model.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, model.FieldHid, verr.Field)

	n, err := col.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	_, ok := c.Stats("h1", filters.Params{})
	assert.False(t, ok)
}

func TestCacherCollectionElements(t *testing.T) {
	col := newCollection(t, "collection_elements")
	const parent = "/api/dataset_collections/c1/contents/e1"
	src := LoaderFunc(func(_ context.Context, scopeID string, _ filters.Params, _ WindowSpec) (Page, error) {
		assert.Equal(t, parent, scopeID)
		return Page{Items: []model.Document{
			{model.FieldElementIndex: 0, "element_identifier": "forward"},
			{model.FieldElementIndex: 1, "element_identifier": "reverse"},
		}}, nil
	})
	c, err := NewCacher(CacherConfig{Loader: src, Target: col, Prepare: PrepareCollectionElement})
	require.NoError(t, err)

	res, err := c.Load(context.Background(), parent, filters.Params{}, WindowSpec{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Items)

	doc, err := col.Get(context.Background(), parent+"-000000000001")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, parent, doc[model.FieldParentURL])
	assert.Equal(t, "reverse", doc["element_identifier"])
}

func TestCacherLoaderError(t *testing.T) {
	col := newCollection(t, "contents")
	boom := errors.New("boom")
	src := &scripted{pages: []Page{{}}, errs: []error{boom}}
	c, err := NewCacher(CacherConfig{Loader: src, Target: col, Prepare: PrepareContent})
	require.NoError(t, err)

	_, err = c.Load(context.Background(), "h1", filters.Params{}, WindowSpec{})
	assert.ErrorIs(t, err, boom)
}

func TestNewCacherRequiresParts(t *testing.T) {
	_, err := NewCacher(CacherConfig{})
	assert.Error(t, err)
}

func waitCalls(t *testing.T, src *scripted, n int) []WindowSpec {
	t.Helper()
	require.Eventually(t, func() bool { return len(src.calls()) >= n }, waitTimeout, time.Millisecond)
	return src.calls()
}

func TestPollerBacksOffWhileUnchanged(t *testing.T) {
	col := newCollection(t, "contents")
	src := &scripted{pages: []Page{
		{Items: []model.Document{wireItem(1)}, Stats: ServerStats{Changed: true}},
		{},
	}}
	c, err := NewCacher(CacherConfig{Loader: src, Target: col, Prepare: PrepareContent})
	require.NoError(t, err)

	clk := testclock.NewClock(epoch)
	p := NewPoller(PollerConfig{
		Cacher:      c,
		ScopeID:     "h1",
		Spec:        WindowSpec{TargetKey: 1, Limit: 10},
		Interval:    time.Second,
		MaxInterval: 4 * time.Second,
		Clock:       clk,
	})
	defer func() { assert.NoError(t, p.Stop()) }()

	calls := waitCalls(t, src, 1)
	assert.Zero(t, calls[0].Since)

	// changed: next poll after the base interval
	require.NoError(t, clk.WaitAdvance(time.Second, waitTimeout, 1))
	calls = waitCalls(t, src, 2)
	assert.Equal(t, epoch.UnixMilli(), calls[1].Since)

	// unchanged: the interval doubles
	require.NoError(t, clk.WaitAdvance(time.Second, waitTimeout, 1))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, src.calls(), 2)
	clk.Advance(time.Second)
	calls = waitCalls(t, src, 3)
	assert.Equal(t, epoch.Add(time.Second).UnixMilli(), calls[2].Since)

	// capped at MaxInterval
	require.NoError(t, clk.WaitAdvance(4*time.Second, waitTimeout, 1))
	waitCalls(t, src, 4)
	require.NoError(t, clk.WaitAdvance(4*time.Second, waitTimeout, 1))
	waitCalls(t, src, 5)
}

func TestPollerSurvivesLoadErrors(t *testing.T) {
	col := newCollection(t, "contents")
	src := &scripted{
		pages: []Page{{}, {}, {Stats: ServerStats{Changed: true}}},
		errs:  []error{errors.New("offline"), errors.New("offline")},
	}
	c, err := NewCacher(CacherConfig{Loader: src, Target: col, Prepare: PrepareContent})
	require.NoError(t, err)

	clk := testclock.NewClock(epoch)
	p := NewPoller(PollerConfig{Cacher: c, ScopeID: "h1", Interval: time.Second, MaxInterval: 8 * time.Second, Clock: clk})

	waitCalls(t, src, 1)
	require.NoError(t, clk.WaitAdvance(2*time.Second, waitTimeout, 1))
	waitCalls(t, src, 2)
	require.NoError(t, clk.WaitAdvance(4*time.Second, waitTimeout, 1))
	calls := waitCalls(t, src, 3)
	// failed loads do not move the since marker
	assert.Zero(t, calls[2].Since)

	assert.ErrorIs(t, p.Err(), tomb.ErrStillAlive)
	assert.NoError(t, p.Stop())
}

func TestPollerSetTargetReloadsAtOnce(t *testing.T) {
	col := newCollection(t, "contents")
	src := &scripted{pages: []Page{{}}}
	c, err := NewCacher(CacherConfig{Loader: src, Target: col, Prepare: PrepareContent})
	require.NoError(t, err)

	clk := testclock.NewClock(epoch)
	p := NewPoller(PollerConfig{Cacher: c, ScopeID: "h1", Spec: WindowSpec{TargetKey: 5}, Interval: time.Minute, Clock: clk})
	defer func() { assert.NoError(t, p.Stop()) }()

	waitCalls(t, src, 1)
	p.SetTarget(40)
	calls := waitCalls(t, src, 2)
	assert.Equal(t, int64(40), calls[1].TargetKey)
	assert.Zero(t, calls[1].Since)
}
