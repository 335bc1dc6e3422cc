package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/robertmeta/reader-sync/logger"
	"github.com/robertmeta/reader-sync/model"
)

// Remote fetches pages of a topic's stream, newest first. A nil olderThan
// asks for the newest page. hasMore reports whether older items exist past
// the returned page.
type Remote interface {
	FetchItems(ctx context.Context, topic model.Topic, olderThan *time.Time, limit int) (items []*model.StreamItem, hasMore bool, err error)
}

// ItemStore is the part of the persistent store the coordinator writes to.
type ItemStore interface {
	MergeItems(topicID int64, items []*model.StreamItem) (int, error)
	UpdateTopicLastSynced(id int64, t time.Time) error
	OldestSortDate(topicID int64) (*time.Time, error)
	NewestSortDate(topicID int64) (*time.Time, error)
}

// FetchResult is the outcome of a coordinator fetch.
type FetchResult struct {
	Count      int                 // new items merged
	HasMore    bool                // older items exist remotely
	Items      []*model.StreamItem // items merged, as stored
	LastSynced *time.Time          // set when the fetch updated the topic's last sync time
}

// FetchCoordinator turns a topic plus cursor into remote fetches and merges
// the results into the store. It does not coalesce concurrent requests or
// retry; callers serialize phases.
type FetchCoordinator struct {
	remote        Remote
	store         ItemStore
	pageSize      int
	backfillPages int
	now           func() time.Time
	log           *logger.Logger
}

// NewFetchCoordinator returns a coordinator. now may be nil.
func NewFetchCoordinator(remote Remote, store ItemStore, pageSize, backfillPages int, now func() time.Time, log *logger.Logger) *FetchCoordinator {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = logger.Nop()
	}
	return &FetchCoordinator{
		remote:        remote,
		store:         store,
		pageSize:      pageSize,
		backfillPages: backfillPages,
		now:           now,
		log:           log.WithComponent("fetch-coordinator"),
	}
}

// FetchNewer fetches the newest page of topic, merges it and advances the
// topic's last sync time. The store is untouched when the remote fails.
func (c *FetchCoordinator) FetchNewer(ctx context.Context, topic model.Topic) (FetchResult, error) {
	items, hasMore, err := c.remote.FetchItems(ctx, topic, nil, c.pageSize)
	if err != nil {
		return FetchResult{}, &RemoteFetchError{Topic: topic.Key(), Cause: err}
	}

	count, err := c.store.MergeItems(topic.ID, items)
	if err != nil {
		return FetchResult{}, fmt.Errorf("failed to merge items for %s: %w", topic.Key(), err)
	}

	synced, err := c.touch(topic)
	if err != nil {
		return FetchResult{}, err
	}

	c.log.Debug("Fetched newer items", "topic", topic.Key(), "fetched", len(items), "new", count, "has_more", hasMore)
	return FetchResult{Count: count, HasMore: hasMore, Items: items, LastSynced: &synced}, nil
}

// Backfill pages down from the newest remote items until it reaches the
// newest locally known item, the remote runs out, or the page limit is hit.
// It advances the topic's last sync time.
func (c *FetchCoordinator) Backfill(ctx context.Context, topic model.Topic) (FetchResult, error) {
	newest, err := c.store.NewestSortDate(topic.ID)
	if err != nil {
		return FetchResult{}, fmt.Errorf("failed to read newest item for %s: %w", topic.Key(), err)
	}

	var (
		result    FetchResult
		olderThan *time.Time
	)
	for page := 0; page < c.backfillPages; page++ {
		items, hasMore, err := c.remote.FetchItems(ctx, topic, olderThan, c.pageSize)
		if err != nil {
			return FetchResult{}, &RemoteFetchError{Topic: topic.Key(), Cause: err}
		}

		count, err := c.store.MergeItems(topic.ID, items)
		if err != nil {
			return FetchResult{}, fmt.Errorf("failed to merge items for %s: %w", topic.Key(), err)
		}
		result.Count += count
		result.HasMore = hasMore
		result.Items = append(result.Items, items...)

		if newest == nil || !hasMore || len(items) == 0 {
			break
		}
		oldest := oldestSortDate(items)
		if !oldest.After(*newest) {
			break
		}
		olderThan = &oldest
	}

	synced, err := c.touch(topic)
	if err != nil {
		return FetchResult{}, err
	}
	result.LastSynced = &synced

	c.log.Debug("Backfilled items", "topic", topic.Key(), "new", result.Count, "has_more", result.HasMore)
	return result, nil
}

// FetchOlder fetches items strictly older than cursor and appends them. Items
// the remote returns at or after the cursor are dropped. The topic's last
// sync time is not changed.
func (c *FetchCoordinator) FetchOlder(ctx context.Context, topic model.Topic, cursor model.Cursor) (FetchResult, error) {
	var olderThan *time.Time
	if !cursor.IsZero() {
		before := cursor.SortDate
		olderThan = &before
	}

	items, hasMore, err := c.remote.FetchItems(ctx, topic, olderThan, c.pageSize)
	if err != nil {
		return FetchResult{}, &RemoteFetchError{Topic: topic.Key(), Cause: err}
	}

	kept := make([]*model.StreamItem, 0, len(items))
	for _, item := range items {
		if cursor.Allows(item) {
			kept = append(kept, item)
		}
	}
	if dropped := len(items) - len(kept); dropped > 0 {
		c.log.Warn("Remote returned items at or after the cursor", "topic", topic.Key(), "dropped", dropped)
	}

	count, err := c.store.MergeItems(topic.ID, kept)
	if err != nil {
		return FetchResult{}, fmt.Errorf("failed to merge items for %s: %w", topic.Key(), err)
	}

	c.log.Debug("Fetched older items", "topic", topic.Key(), "fetched", len(kept), "new", count, "has_more", hasMore)
	return FetchResult{Count: count, HasMore: hasMore, Items: kept}, nil
}

// Cursor returns the pagination cursor of a topic.
func (c *FetchCoordinator) Cursor(topicID int64) (model.Cursor, error) {
	oldest, err := c.store.OldestSortDate(topicID)
	if err != nil {
		return model.Cursor{}, err
	}
	if oldest == nil {
		return model.Cursor{}, nil
	}
	return model.Cursor{SortDate: *oldest}, nil
}

// touch stores a last sync time strictly after the previous one.
func (c *FetchCoordinator) touch(topic model.Topic) (time.Time, error) {
	next := c.now()
	if topic.LastSynced != nil && !next.After(*topic.LastSynced) {
		next = topic.LastSynced.Add(time.Nanosecond)
	}
	if err := c.store.UpdateTopicLastSynced(topic.ID, next); err != nil {
		return time.Time{}, fmt.Errorf("failed to update last synced for %s: %w", topic.Key(), err)
	}
	return next, nil
}

func oldestSortDate(items []*model.StreamItem) time.Time {
	oldest := items[0].SortDate
	for _, item := range items[1:] {
		if item.SortDate.Before(oldest) {
			oldest = item.SortDate
		}
	}
	return oldest
}
