package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/robertmeta/reader-sync/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestTopic(t *testing.T, s *Store, slug string) *model.Topic {
	t.Helper()
	topic := &model.Topic{Kind: model.TopicTag, Slug: slug, Title: slug}
	require.NoError(t, s.SaveTopic(topic))
	return topic
}

func makeItems(n int, base time.Time, site string) []*model.StreamItem {
	items := make([]*model.StreamItem, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, &model.StreamItem{
			GUID:     fmt.Sprintf("%s-%d", site, i),
			SiteID:   site,
			Title:    fmt.Sprintf("Post %d", i),
			Link:     fmt.Sprintf("https://%s/post-%d", site, i),
			SortDate: base.Add(-time.Duration(i) * time.Hour),
		})
	}
	return items
}

func TestNewStore(t *testing.T) {
	s, err := New(":memory:")
	require.NoError(t, err)
	require.NotNil(t, s)
	defer s.Close()
	assert.Equal(t, DriverSQLite, s.Driver())
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("mysql", "x")
	assert.Error(t, err)
}

func TestStore_SaveAndGetTopic(t *testing.T) {
	s := newTestStore(t)

	topic := &model.Topic{Kind: model.TopicTag, Slug: "travel", Title: "Travel"}
	require.NoError(t, s.SaveTopic(topic))
	assert.NotZero(t, topic.ID, "Topic ID should be set after save")

	got, err := s.GetTopic(topic.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TopicTag, got.Kind)
	assert.Equal(t, "travel", got.Slug)
	assert.Equal(t, "Travel", got.Title)
	assert.Nil(t, got.LastSynced)

	byKey, err := s.GetTopicByKey(model.TopicTag, "travel")
	require.NoError(t, err)
	assert.Equal(t, topic.ID, byKey.ID)

	topic.Title = "Travel & Places"
	require.NoError(t, s.SaveTopic(topic))
	got, err = s.GetTopic(topic.ID)
	require.NoError(t, err)
	assert.Equal(t, "Travel & Places", got.Title)
}

func TestStore_SaveTopic_Invalid(t *testing.T) {
	s := newTestStore(t)
	err := s.SaveTopic(&model.Topic{Kind: model.TopicTag})
	assert.Error(t, err)
}

func TestStore_GetAllTopicsAndDelete(t *testing.T) {
	s := newTestStore(t)

	a := newTestTopic(t, s, "travel")
	newTestTopic(t, s, "food")
	_, err := s.MergeItems(a.ID, makeItems(3, time.Now(), "site-a"))
	require.NoError(t, err)

	all, err := s.GetAllTopics()
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.DeleteTopic(a.ID))

	_, err = s.GetTopic(a.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := s.CountItems(a.ID)
	require.NoError(t, err)
	assert.Zero(t, n, "Deleting a topic removes its items")
}

func TestStore_UpdateTopicLastSynced(t *testing.T) {
	s := newTestStore(t)
	topic := newTestTopic(t, s, "travel")

	synced := time.Now()
	require.NoError(t, s.UpdateTopicLastSynced(topic.ID, synced))

	got, err := s.GetTopic(topic.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastSynced)
	assert.True(t, synced.Equal(*got.LastSynced), "Last synced keeps nanosecond precision")

	err = s.UpdateTopicLastSynced(9999, synced)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_MergeItems(t *testing.T) {
	s := newTestStore(t)
	topic := newTestTopic(t, s, "travel")
	base := time.Now()

	items := makeItems(5, base, "site-a")
	items[0].Attribution = &model.Attribution{SiteID: "99", PostID: "7", URL: "https://origin.example/7"}

	inserted, err := s.MergeItems(topic.ID, items)
	require.NoError(t, err)
	assert.Equal(t, 5, inserted)
	for _, item := range items {
		assert.NotZero(t, item.ID)
		assert.Equal(t, topic.ID, item.TopicID)
	}

	// Merging the same GUIDs again updates in place.
	again := makeItems(6, base, "site-a")
	again[0].Title = "Edited"
	inserted, err = s.MergeItems(topic.ID, again)
	require.NoError(t, err)
	assert.Equal(t, 1, inserted, "Only the sixth item is new")
	assert.Equal(t, items[0].ID, again[0].ID)

	got, err := s.GetItem(items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "Edited", got.Title)
	assert.Nil(t, got.Attribution, "Attribution follows the latest merge")

	n, err := s.CountItems(topic.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
}

func TestStore_MergeItems_Attribution(t *testing.T) {
	s := newTestStore(t)
	topic := newTestTopic(t, s, "travel")

	items := makeItems(1, time.Now(), "site-a")
	items[0].Attribution = &model.Attribution{SiteID: "99", PostID: "7", URL: "https://origin.example/7"}
	_, err := s.MergeItems(topic.ID, items)
	require.NoError(t, err)

	got, err := s.GetItem(items[0].ID)
	require.NoError(t, err)
	require.NotNil(t, got.Attribution)
	assert.Equal(t, "99", got.Attribution.SiteID)
	assert.Equal(t, "7", got.Attribution.PostID)
}

func TestStore_GetItems_SortedDescending(t *testing.T) {
	s := newTestStore(t)
	topic := newTestTopic(t, s, "travel")
	base := time.Now()

	items := makeItems(10, base, "site-a")
	// Merge in reverse to prove ordering comes from the query.
	reversed := make([]*model.StreamItem, len(items))
	for i := range items {
		reversed[len(items)-1-i] = items[i]
	}
	_, err := s.MergeItems(topic.ID, reversed)
	require.NoError(t, err)

	got, err := s.GetItems(QueryOptions{TopicID: topic.ID})
	require.NoError(t, err)
	require.Len(t, got, 10)
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i-1].SortDate.After(got[i].SortDate), "Items must be newest first")
	}
}

func TestStore_GetItems_Pagination(t *testing.T) {
	s := newTestStore(t)
	topic := newTestTopic(t, s, "travel")
	_, err := s.MergeItems(topic.ID, makeItems(50, time.Now(), "site-a"))
	require.NoError(t, err)

	first, err := s.GetItems(QueryOptions{TopicID: topic.ID, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, first, 10)

	second, err := s.GetItems(QueryOptions{TopicID: topic.ID, Limit: 10, Offset: 10})
	require.NoError(t, err)
	assert.Len(t, second, 10)
	assert.NotEqual(t, first[0].ID, second[0].ID, "Offset should return different items")

	last, err := s.GetItems(QueryOptions{TopicID: topic.ID, Limit: 10, Offset: 45})
	require.NoError(t, err)
	assert.Len(t, last, 5, "Should get remaining 5 items")
}

func TestStore_GetItems_Before(t *testing.T) {
	s := newTestStore(t)
	topic := newTestTopic(t, s, "travel")
	items := makeItems(10, time.Now(), "site-a")
	_, err := s.MergeItems(topic.ID, items)
	require.NoError(t, err)

	cursor := items[4].SortDate
	older, err := s.GetItems(QueryOptions{TopicID: topic.ID, Before: &cursor})
	require.NoError(t, err)
	assert.Len(t, older, 5)
	for _, item := range older {
		assert.True(t, item.SortDate.Before(cursor))
	}
}

func TestStore_SetSiteBlocked(t *testing.T) {
	s := newTestStore(t)
	topic := newTestTopic(t, s, "travel")
	base := time.Now()

	_, err := s.MergeItems(topic.ID, makeItems(3, base, "site-a"))
	require.NoError(t, err)
	bItems := makeItems(2, base.Add(-30*time.Minute), "site-b")
	_, err = s.MergeItems(topic.ID, bItems)
	require.NoError(t, err)

	n, err := s.SetSiteBlocked("site-b", true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	blocked, err := s.IsSiteBlocked("site-b")
	require.NoError(t, err)
	assert.True(t, blocked)

	visible, err := s.GetItems(QueryOptions{TopicID: topic.ID})
	require.NoError(t, err)
	assert.Len(t, visible, 3, "Blocked site items are filtered out")

	withOverlay, err := s.GetItems(QueryOptions{TopicID: topic.ID, IncludeIDs: []int64{bItems[0].ID}})
	require.NoError(t, err)
	assert.Len(t, withOverlay, 4, "Explicitly included items survive the blocked filter")

	all, err := s.GetItems(QueryOptions{TopicID: topic.ID, IncludeBlocked: true})
	require.NoError(t, err)
	assert.Len(t, all, 5)

	// New items from a blocked site arrive already blocked.
	late := makeItems(1, base.Add(time.Hour), "site-b")
	late[0].GUID = "site-b-late"
	_, err = s.MergeItems(topic.ID, late)
	require.NoError(t, err)
	assert.True(t, late[0].IsSiteBlocked)

	_, err = s.SetSiteBlocked("site-b", false)
	require.NoError(t, err)
	visible, err = s.GetItems(QueryOptions{TopicID: topic.ID})
	require.NoError(t, err)
	assert.Len(t, visible, 6)
}

func TestStore_SortDateBounds(t *testing.T) {
	s := newTestStore(t)
	topic := newTestTopic(t, s, "travel")

	oldest, err := s.OldestSortDate(topic.ID)
	require.NoError(t, err)
	assert.Nil(t, oldest)

	items := makeItems(4, time.Now(), "site-a")
	_, err = s.MergeItems(topic.ID, items)
	require.NoError(t, err)

	oldest, err = s.OldestSortDate(topic.ID)
	require.NoError(t, err)
	require.NotNil(t, oldest)
	assert.True(t, items[3].SortDate.Equal(*oldest))

	newest, err := s.NewestSortDate(topic.ID)
	require.NoError(t, err)
	require.NotNil(t, newest)
	assert.True(t, items[0].SortDate.Equal(*newest))
}

func TestStore_Subscribe(t *testing.T) {
	s := newTestStore(t)
	topic := newTestTopic(t, s, "travel")

	var changed []int64
	unsubscribe := s.Subscribe(func(topicID int64) { changed = append(changed, topicID) })

	_, err := s.MergeItems(topic.ID, makeItems(2, time.Now(), "site-a"))
	require.NoError(t, err)
	_, err = s.SetSiteBlocked("site-a", true)
	require.NoError(t, err)

	assert.Equal(t, []int64{topic.ID, topic.ID}, changed)

	unsubscribe()
	_, err = s.SetSiteBlocked("site-a", false)
	require.NoError(t, err)
	assert.Len(t, changed, 2, "No notifications after unsubscribe")
}

func TestStore_UniqueConstraints(t *testing.T) {
	s := newTestStore(t)
	newTestTopic(t, s, "travel")

	duplicate := &model.Topic{Kind: model.TopicTag, Slug: "travel"}
	err := s.SaveTopic(duplicate)
	assert.Error(t, err, "Should error on duplicate topic key")
}

func TestRebind(t *testing.T) {
	pg := &Store{driver: DriverPostgres}
	assert.Equal(t, "SELECT * FROM items WHERE a = $1 AND b = $2", pg.rebind("SELECT * FROM items WHERE a = ? AND b = ?"))

	lite := &Store{driver: DriverSQLite}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}
