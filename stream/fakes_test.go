package stream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/robertmeta/reader-sync/model"
	"github.com/robertmeta/reader-sync/store"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

// fakeRemote serves a fixed newest-first list of items.
type fakeRemote struct {
	mu      sync.Mutex
	items   []*model.StreamItem
	err     error
	leaky   bool // ignore olderThan
	gate    chan struct{}
	started chan struct{}
	calls   []*time.Time
}

func newFakeRemote(n int, base time.Time) *fakeRemote {
	return &fakeRemote{
		items:   remoteItems(n, base, "site-a"),
		started: make(chan struct{}, 64),
	}
}

func (r *fakeRemote) FetchItems(ctx context.Context, topic model.Topic, olderThan *time.Time, limit int) ([]*model.StreamItem, bool, error) {
	r.mu.Lock()
	r.calls = append(r.calls, olderThan)
	gate := r.gate
	r.mu.Unlock()

	r.started <- struct{}{}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, false, r.err
	}

	var out []*model.StreamItem
	for _, item := range r.items {
		if olderThan != nil && !r.leaky && !item.SortDate.Before(*olderThan) {
			continue
		}
		if len(out) == limit {
			return out, true, nil
		}
		c := *item
		out = append(out, &c)
	}
	return out, false, nil
}

func (r *fakeRemote) Calls() []*time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*time.Time(nil), r.calls...)
}

func (r *fakeRemote) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-r.started:
	case <-time.After(waitTimeout):
		t.Fatal("remote fetch did not start")
	}
}

func remoteItems(n int, base time.Time, site string) []*model.StreamItem {
	items := make([]*model.StreamItem, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, &model.StreamItem{
			GUID:     fmt.Sprintf("%s-%d", site, i),
			SiteID:   site,
			SiteName: site,
			Title:    fmt.Sprintf("Post %d", i),
			SortDate: base.Add(-time.Duration(i) * time.Minute),
		})
	}
	return items
}

// fakeBlocker records block requests.
type fakeBlocker struct {
	mu    sync.Mutex
	err   error
	gate  chan struct{}
	calls []string
}

func (b *fakeBlocker) SetSiteBlocked(ctx context.Context, siteID string, blocked bool) error {
	b.mu.Lock()
	b.calls = append(b.calls, fmt.Sprintf("%s:%t", siteID, blocked))
	gate := b.gate
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *fakeBlocker) setErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

type blockEvent struct {
	item    model.StreamItem
	blocked bool
	err     error
}

// recorder implements Renderer, SyncListener and BlockListener.
type recorder struct {
	mu      sync.Mutex
	renders [][]Row
	loading int
	empty   int
	errs    []error
	started []Phase

	ended     chan endedCall
	confirmed chan blockEvent
	failed    chan blockEvent
}

func newRecorder() *recorder {
	return &recorder{
		ended:     make(chan endedCall, 32),
		confirmed: make(chan blockEvent, 32),
		failed:    make(chan blockEvent, 32),
	}
}

func (r *recorder) Render(rows []Row) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renders = append(r.renders, rows)
}

func (r *recorder) ShowLoading() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loading++
}

func (r *recorder) ShowEmpty() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.empty++
}

func (r *recorder) ShowError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) SyncStarted(phase Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, phase)
}

func (r *recorder) SyncEnded(phase Phase, result Result) {
	r.ended <- endedCall{phase: phase, result: result}
}

func (r *recorder) BlockConfirmed(item model.StreamItem, blocked bool) {
	r.confirmed <- blockEvent{item: item, blocked: blocked}
}

func (r *recorder) BlockFailed(item model.StreamItem, blocked bool, err error) {
	r.failed <- blockEvent{item: item, blocked: blocked, err: err}
}

func (r *recorder) waitEnded(t *testing.T) endedCall {
	t.Helper()
	select {
	case call := <-r.ended:
		return call
	case <-time.After(waitTimeout):
		t.Fatal("sync did not end")
		return endedCall{}
	}
}

func (r *recorder) waitBlock(t *testing.T, ch chan blockEvent) blockEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(waitTimeout):
		t.Fatal("block action did not finish")
		return blockEvent{}
	}
}

func (r *recorder) counts() (loading, empty, errs int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loading, r.empty, len(r.errs)
}

func (r *recorder) allRenders() [][]Row {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]Row(nil), r.renders...)
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newStreamStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func saveTopic(t *testing.T, s *store.Store, slug string) *model.Topic {
	t.Helper()
	topic := &model.Topic{Kind: model.TopicTag, Slug: slug, Title: slug}
	require.NoError(t, s.SaveTopic(topic))
	return topic
}
