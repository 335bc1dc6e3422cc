// Package stream keeps a topic's content stream in sync with a remote source:
// phased refresh and pagination, optimistic site blocking and row height
// caching, all driven from a single sequential loop.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robertmeta/reader-sync/logger"
	"github.com/robertmeta/reader-sync/model"
	"github.com/robertmeta/reader-sync/store"
)

// Defaults applied by New when an option is left zero.
const (
	DefaultRefreshInterval    = 300 * time.Second
	DefaultLoadMoreThreshold  = 4
	DefaultPageSize           = 20
	DefaultBackfillPages      = 5
	DefaultEstimatedRowHeight = 100.0
	DefaultBlockedRowHeight   = 66.0
)

// Store is the persistent store the engine reads rows from and merges into.
type Store interface {
	ItemStore
	GetItem(id int64) (*model.StreamItem, error)
	GetItems(opts store.QueryOptions) ([]*model.StreamItem, error)
	SetSiteBlocked(siteID string, blocked bool) (int64, error)
	Subscribe(fn store.ChangeFunc) func()
}

// Options configures an Engine. Remote, Blocker and Store are required.
type Options struct {
	Remote  Remote
	Blocker BlockRemote
	Store   Store

	Renderer      Renderer
	SyncListener  SyncListener
	BlockListener BlockListener
	Measurer      Measurer
	Reachability  Reachability
	Logger        *logger.Logger
	Metrics       *Metrics

	RefreshInterval    time.Duration
	LoadMoreThreshold  int
	PageSize           int
	BackfillPages      int
	EstimatedRowHeight float64
	BlockedRowHeight   float64

	// SkipSyncOnBind stops BindTopic from starting a background sync.
	SkipSyncOnBind bool

	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.Renderer == nil {
		o.Renderer = nopRenderer{}
	}
	if o.SyncListener == nil {
		o.SyncListener = nopSyncListener{}
	}
	if o.BlockListener == nil {
		o.BlockListener = nopBlockListener{}
	}
	if o.Reachability == nil {
		o.Reachability = AlwaysReachable
	}
	if o.Logger == nil {
		o.Logger = logger.Nop()
	}
	if o.Metrics == nil {
		o.Metrics = NewMetrics(nil)
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = DefaultRefreshInterval
	}
	if o.LoadMoreThreshold <= 0 {
		o.LoadMoreThreshold = DefaultLoadMoreThreshold
	}
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.BackfillPages <= 0 {
		o.BackfillPages = DefaultBackfillPages
	}
	if o.EstimatedRowHeight <= 0 {
		o.EstimatedRowHeight = DefaultEstimatedRowHeight
	}
	if o.BlockedRowHeight <= 0 {
		o.BlockedRowHeight = DefaultBlockedRowHeight
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// State is a snapshot of the engine.
type State struct {
	Topic          *model.Topic
	Phase          Phase
	HasMore        bool
	Rows           int
	PendingBlocks  int
	Scrolling      bool
	RefreshPending bool
}

// Engine binds one topic at a time and keeps its rendered rows current.
// All state is owned by the engine's loop; the exported methods are safe for
// concurrent use and must not be called from collaborator callbacks.
type Engine struct {
	opts    Options
	log     *logger.Logger
	metrics *Metrics
	loop    *Loop
	coord   *FetchCoordinator

	ctx         context.Context
	cancel      context.CancelFunc
	workers     sync.WaitGroup
	unsubscribe func()
	closeOnce   sync.Once

	// Owned by loop.
	helper         *SyncHelper
	overlay        *BlockOverlay
	heights        *HeightCache
	topic          *model.Topic
	generation     uint64
	rows           []Row
	scrolling      bool
	refreshPending bool
	lastErr        error
	phaseStarted   time.Time
}

// New returns a running engine with no topic bound.
func New(opts Options) (*Engine, error) {
	if opts.Remote == nil {
		return nil, errors.New("stream: remote is required")
	}
	if opts.Blocker == nil {
		return nil, errors.New("stream: block remote is required")
	}
	if opts.Store == nil {
		return nil, errors.New("stream: store is required")
	}
	opts.setDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		opts:    opts,
		log:     opts.Logger.WithComponent("stream"),
		metrics: opts.Metrics,
		loop:    NewLoop(),
		ctx:     ctx,
		cancel:  cancel,
		overlay: NewBlockOverlay(),
		heights: NewHeightCache(opts.Measurer, opts.EstimatedRowHeight, opts.BlockedRowHeight),
	}
	e.coord = NewFetchCoordinator(opts.Remote, opts.Store, opts.PageSize, opts.BackfillPages, opts.Now, opts.Logger)
	e.helper = NewSyncHelper(delegate{e})
	e.unsubscribe = opts.Store.Subscribe(e.storeChanged)
	return e, nil
}

// Close stops the engine. In-flight fetches are cancelled and their
// completions dropped.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.unsubscribe()
		e.cancel()
		e.loop.Stop()
		e.workers.Wait()
	})
	return nil
}

// BindTopic makes topic the engine's topic. Pending overlay entries, cached
// heights and any in-flight phase of the previous topic are discarded.
func (e *Engine) BindTopic(topic model.Topic) error {
	if err := topic.Validate(); err != nil {
		return err
	}
	if topic.ID == 0 {
		return fmt.Errorf("topic %s has not been saved", topic.Key())
	}
	var err error
	if !e.loop.Do(func() { err = e.bind(topic) }) {
		return ErrClosed
	}
	return err
}

// Topic returns the bound topic, or nil.
func (e *Engine) Topic() *model.Topic {
	var topic *model.Topic
	e.loop.Do(func() {
		if e.topic != nil {
			t := *e.topic
			topic = &t
		}
	})
	return topic
}

// Refresh starts a user-initiated foreground sync. It returns once the sync
// has started; the outcome arrives through SyncListener.SyncEnded.
func (e *Engine) Refresh() error {
	var err error
	if !e.loop.Do(func() { err = e.refresh() }) {
		return ErrClosed
	}
	return err
}

// SyncIfAppropriate starts a background sync when the bound topic was last
// synced longer ago than the refresh interval. It reports whether a sync
// was started.
func (e *Engine) SyncIfAppropriate() bool {
	var started bool
	e.loop.Do(func() { started = e.syncIfAppropriate() })
	return started
}

// RowWillDisplay tells the engine a row is about to be shown. Showing a row
// within the load-more threshold of the end starts a load-more phase. It
// reports whether one was started.
func (e *Engine) RowWillDisplay(index int) bool {
	var started bool
	e.loop.Do(func() {
		if len(e.rows) > 0 && index >= len(e.rows)-e.opts.LoadMoreThreshold {
			started = e.loadMore()
		}
	})
	return started
}

// LoadMore starts a load-more phase regardless of scroll position. A topic
// with no loaded rows has nothing to page from. It reports whether a phase
// was started.
func (e *Engine) LoadMore() bool {
	var started bool
	e.loop.Do(func() { started = e.loadMore() })
	return started
}

// Block hides the item's site optimistically and asks the remote to block it.
// The outcome arrives through BlockListener.
func (e *Engine) Block(itemID int64) error {
	return e.setBlocked(itemID, true)
}

// Unblock reverses a block. Tapping a row shown as blocked maps to Unblock.
func (e *Engine) Unblock(itemID int64) error {
	return e.setBlocked(itemID, false)
}

// ScrollBegan marks the start of a user drag.
func (e *Engine) ScrollBegan() {
	e.loop.Do(func() { e.scrolling = true })
}

// ScrollEnded marks the end of a user drag. When the view keeps moving,
// DecelerationEnded finishes the scroll instead.
func (e *Engine) ScrollEnded(decelerating bool) {
	e.loop.Do(func() {
		if !decelerating {
			e.scrollFinished()
		}
	})
}

// DecelerationEnded marks the end of scrolling after a drag.
func (e *Engine) DecelerationEnded() {
	e.loop.Do(e.scrollFinished)
}

// Rows returns the rows as last rendered.
func (e *Engine) Rows() []Row {
	var rows []Row
	e.loop.Do(func() {
		rows = make([]Row, len(e.rows))
		copy(rows, e.rows)
	})
	return rows
}

// RowHeight returns the height of the row at index for the given width.
// Out of range indexes get the estimated height.
func (e *Engine) RowHeight(index int, width float64) float64 {
	height := e.opts.EstimatedRowHeight
	e.loop.Do(func() {
		if index >= 0 && index < len(e.rows) {
			height = e.heights.Height(e.rows[index], width)
		}
	})
	return height
}

// HasMore reports whether older content is believed to exist.
func (e *Engine) HasMore() bool {
	var more bool
	e.loop.Do(func() { more = e.helper.HasMore() })
	return more
}

// State returns a snapshot of the engine.
func (e *Engine) State() State {
	var s State
	e.loop.Do(func() {
		s = State{
			Phase:          e.helper.Phase(),
			HasMore:        e.helper.HasMore(),
			Rows:           len(e.rows),
			PendingBlocks:  e.overlay.Len(),
			Scrolling:      e.scrolling,
			RefreshPending: e.refreshPending,
		}
		if e.topic != nil {
			t := *e.topic
			s.Topic = &t
		}
	})
	return s
}

func (e *Engine) bind(topic model.Topic) error {
	e.generation++
	e.topic = &topic
	e.helper.Reset()
	e.overlay.Reset()
	e.metrics.OverlayEntries.Set(0)
	e.heights.Reset()
	e.refreshPending = false
	e.lastErr = nil

	if err := e.reload(); err != nil {
		return err
	}
	if len(e.rows) > 0 {
		e.opts.Renderer.Render(e.snapshot())
	}
	e.log.Info("Bound topic", "topic", topic.Key(), "rows", len(e.rows))

	if !e.opts.SkipSyncOnBind {
		e.syncIfAppropriate()
	}
	if !e.helper.IsSyncing() && len(e.rows) == 0 {
		e.opts.Renderer.ShowEmpty()
	}
	return nil
}

func (e *Engine) refresh() error {
	if e.topic == nil {
		e.refuseRefresh(ErrNoTopic)
		return ErrNoTopic
	}
	if !e.opts.Reachability.Reachable() {
		e.refuseRefresh(ErrNoConnection)
		return ErrNoConnection
	}
	if !e.helper.SyncContent(true) {
		return ErrSyncInProgress
	}
	return nil
}

// refuseRefresh ends a foreground refresh that never reached the remote.
func (e *Engine) refuseRefresh(err error) {
	result := Result{Err: err}
	e.metrics.RecordPhase(PhaseForeground, result, 0)
	e.log.Warn("Refresh refused", "error", err)
	if len(e.rows) == 0 {
		e.opts.Renderer.ShowError(err)
	}
	e.opts.SyncListener.SyncEnded(PhaseForeground, result)
}

func (e *Engine) syncIfAppropriate() bool {
	if e.topic == nil || e.helper.IsSyncing() {
		return false
	}
	if e.topic.SyncedSince(e.opts.Now()) <= e.opts.RefreshInterval {
		return false
	}
	if !e.opts.Reachability.Reachable() {
		e.log.Debug("Skipping background sync while offline", "topic", e.topic.Key())
		return false
	}
	return e.helper.SyncContent(false)
}

func (e *Engine) loadMore() bool {
	if e.topic == nil || len(e.rows) == 0 || !e.helper.HasMore() {
		return false
	}
	if !e.opts.Reachability.Reachable() {
		return false
	}
	return e.helper.SyncMore()
}

func (e *Engine) setBlocked(itemID int64, blocked bool) error {
	var err error
	if !e.loop.Do(func() { err = e.markBlocked(itemID, blocked) }) {
		return ErrClosed
	}
	return err
}

func (e *Engine) markBlocked(itemID int64, blocked bool) error {
	if e.topic == nil {
		return ErrNoTopic
	}
	item, err := e.opts.Store.GetItem(itemID)
	if err != nil {
		return err
	}
	if item.TopicID != e.topic.ID {
		return fmt.Errorf("item %d is not in topic %s: %w", itemID, e.topic.Key(), store.ErrNotFound)
	}

	polarity := PolarityVisible
	if blocked {
		polarity = PolarityHidden
	}
	entry := e.overlay.Mark(item, polarity)
	e.metrics.OverlayEntries.Set(float64(e.overlay.Len()))
	e.heights.Invalidate(item.ID)
	if err := e.reload(); err != nil {
		e.log.Error("Failed to reload rows", "error", err)
	}
	e.opts.Renderer.Render(e.snapshot())

	generation := e.generation
	snapshot := *item
	e.log.Debug("Block requested", "site", item.SiteID, "item", item.ID, "blocked", blocked)

	e.spawn(func(ctx context.Context) {
		err := e.opts.Blocker.SetSiteBlocked(ctx, snapshot.SiteID, blocked)
		if err != nil {
			err = &RemoteBlockActionError{SiteID: snapshot.SiteID, Blocked: blocked, Cause: err}
		} else if _, serr := e.opts.Store.SetSiteBlocked(snapshot.SiteID, blocked); serr != nil {
			err = fmt.Errorf("failed to persist block of %s: %w", snapshot.SiteID, serr)
		}
		e.loop.Post(func() { e.finishBlock(generation, entry, snapshot, blocked, err) })
	})
	return nil
}

func (e *Engine) finishBlock(generation uint64, entry OverlayEntry, item model.StreamItem, blocked bool, err error) {
	e.metrics.RecordBlockAction(blocked, err)

	if generation != e.generation {
		e.metrics.StaleCompletionsTotal.Inc()
		e.log.Debug("Dropping block completion for previous topic", "site", item.SiteID, "error", ErrStaleTopic)
		if err != nil {
			e.opts.BlockListener.BlockFailed(item, blocked, err)
		}
		return
	}

	if e.overlay.Clear(entry.ItemID, entry.Token) {
		e.metrics.OverlayEntries.Set(float64(e.overlay.Len()))
		e.heights.Invalidate(entry.ItemID)
		if rerr := e.reload(); rerr != nil {
			e.log.Error("Failed to reload rows", "error", rerr)
		}
		e.opts.Renderer.Render(e.snapshot())
	}

	if err != nil {
		e.log.Warn("Block action failed", "site", item.SiteID, "blocked", blocked, "error", err)
		e.opts.BlockListener.BlockFailed(item, blocked, err)
		return
	}
	e.log.Info("Block action confirmed", "site", item.SiteID, "blocked", blocked)
	e.opts.BlockListener.BlockConfirmed(item, blocked)
}

func (e *Engine) scrollFinished() {
	e.scrolling = false
	if e.refreshPending {
		e.cleanupAfterSync()
	}
}

func (e *Engine) cleanupAfterSync() {
	e.refreshPending = false
	e.heights.Reset()
	if err := e.reload(); err != nil {
		e.log.Error("Failed to reload rows", "error", err)
		return
	}
	switch {
	case len(e.rows) > 0:
		e.opts.Renderer.Render(e.snapshot())
	case e.lastErr != nil:
		e.opts.Renderer.ShowError(e.lastErr)
	default:
		e.opts.Renderer.ShowEmpty()
	}
}

// storeChanged runs on whichever goroutine wrote to the store.
func (e *Engine) storeChanged(topicID int64) {
	e.loop.Post(func() {
		if e.topic == nil || e.topic.ID != topicID {
			return
		}
		// A phase in flight renders when it ends.
		if e.helper.IsSyncing() {
			return
		}
		if e.scrolling {
			e.refreshPending = true
			return
		}
		if err := e.reload(); err != nil {
			e.log.Error("Failed to reload rows", "error", err)
			return
		}
		e.opts.Renderer.Render(e.snapshot())
	})
}

// reload queries the bound topic's rows: items whose site is not blocked,
// plus any item with a pending overlay entry.
func (e *Engine) reload() error {
	if e.topic == nil {
		e.rows = nil
		return nil
	}
	items, err := e.opts.Store.GetItems(store.QueryOptions{
		TopicID:    e.topic.ID,
		IncludeIDs: e.overlay.IDs(),
	})
	if err != nil {
		return fmt.Errorf("failed to load rows for %s: %w", e.topic.Key(), err)
	}

	rows := make([]Row, 0, len(items))
	for _, item := range items {
		_, pending := e.overlay.Lookup(item.ID)
		rows = append(rows, Row{Item: item, Hidden: e.overlay.Hidden(item), Pending: pending})
	}
	e.rows = rows
	return nil
}

func (e *Engine) snapshot() []Row {
	rows := make([]Row, len(e.rows))
	copy(rows, e.rows)
	return rows
}

// spawn runs fn on a worker goroutine. fn must hand results back with Post.
func (e *Engine) spawn(fn func(ctx context.Context)) {
	e.workers.Add(1)
	go func() {
		defer e.workers.Done()
		fn(e.ctx)
	}()
}

// runPhase fetches on a worker and completes the phase on the loop unless
// the topic changed in the meantime.
func (e *Engine) runPhase(phase Phase, done CompletionFunc, fetch func(ctx context.Context, topic model.Topic) (FetchResult, error)) {
	topic := *e.topic
	generation := e.generation
	id := uuid.NewString()
	log := e.log.WithFields("phase", phase.String(), "phase_id", id, "topic", topic.Key())

	e.phaseStarted = e.opts.Now()
	log.Debug("Phase started")
	e.opts.SyncListener.SyncStarted(phase)

	e.spawn(func(ctx context.Context) {
		res, err := fetch(ctx, topic)
		e.loop.Post(func() {
			if generation != e.generation {
				e.metrics.StaleCompletionsTotal.Inc()
				log.Debug("Dropping phase completion", "error", ErrStaleTopic)
				return
			}
			if res.LastSynced != nil {
				synced := *res.LastSynced
				e.topic.LastSynced = &synced
			}
			done(Result{Count: res.Count, HasMore: res.HasMore, Err: err})
		})
	})
}

func (e *Engine) syncEnded(phase Phase, result Result) {
	elapsed := e.opts.Now().Sub(e.phaseStarted)
	e.metrics.RecordPhase(phase, result, elapsed)

	if result.Err != nil {
		e.log.Warn("Sync failed", "phase", phase.String(), "topic", e.topic.Key(), "error", result.Err)
	} else {
		e.log.Info("Sync finished", "phase", phase.String(), "topic", e.topic.Key(), "new", result.Count, "has_more", result.HasMore, "elapsed", elapsed)
	}

	e.lastErr = result.Err
	if e.scrolling {
		e.refreshPending = true
	} else {
		e.cleanupAfterSync()
	}
	e.opts.SyncListener.SyncEnded(phase, result)
}

// delegate performs the engine's SyncHelper phases.
type delegate struct {
	e *Engine
}

func (d delegate) SyncContent(userInteraction bool, done CompletionFunc) {
	e := d.e
	if userInteraction {
		if len(e.rows) == 0 {
			e.opts.Renderer.ShowLoading()
		}
		e.runPhase(PhaseForeground, done, e.coord.FetchNewer)
		return
	}
	e.runPhase(PhaseBackground, done, e.coord.Backfill)
}

func (d delegate) SyncMore(done CompletionFunc) {
	e := d.e
	var (
		cursor model.Cursor
		err    error
	)
	// The last rendered row is the cursor. With nothing rendered, fall back
	// to the oldest stored item; an empty topic has nothing to load more of.
	if n := len(e.rows); n > 0 {
		cursor = model.Cursor{SortDate: e.rows[n-1].Item.SortDate}
	} else if cursor, err = e.coord.Cursor(e.topic.ID); err == nil && cursor.IsZero() {
		err = ErrNothingLoaded
	}
	e.runPhase(PhaseLoadingMore, done, func(ctx context.Context, topic model.Topic) (FetchResult, error) {
		if err != nil {
			return FetchResult{}, fmt.Errorf("failed to read cursor for %s: %w", topic.Key(), err)
		}
		return e.coord.FetchOlder(ctx, topic, cursor)
	})
}

func (d delegate) SyncEnded(phase Phase, result Result) {
	d.e.syncEnded(phase, result)
}
