package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopic_Validation(t *testing.T) {
	tests := []struct {
		name    string
		topic   Topic
		wantErr bool
	}{
		{
			name:    "valid tag topic",
			topic:   Topic{Kind: TopicTag, Slug: "travel", Title: "Travel"},
			wantErr: false,
		},
		{
			name:    "valid feed topic",
			topic:   Topic{Kind: TopicFeed, Slug: "example", URL: "https://example.com/feed"},
			wantErr: false,
		},
		{
			name:    "missing slug",
			topic:   Topic{Kind: TopicTag},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			topic:   Topic{Kind: "magazine", Slug: "x"},
			wantErr: true,
		},
		{
			name:    "feed topic without URL",
			topic:   Topic{Kind: TopicFeed, Slug: "example"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.topic.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseTopicKey(t *testing.T) {
	kind, slug, err := ParseTopicKey("Tag:travel")
	require.NoError(t, err)
	assert.Equal(t, TopicTag, kind)
	assert.Equal(t, "travel", slug)

	kind, slug, err = ParseTopicKey("site:example.wordpress.com")
	require.NoError(t, err)
	assert.Equal(t, TopicSite, kind)
	assert.Equal(t, "example.wordpress.com", slug)

	_, _, err = ParseTopicKey("travel")
	assert.Error(t, err, "Should error without a kind")

	_, _, err = ParseTopicKey("tag:")
	assert.Error(t, err, "Should error without a slug")

	_, _, err = ParseTopicKey("podcast:x")
	assert.Error(t, err, "Should error on unknown kind")
}

func TestTopic_Key(t *testing.T) {
	topic := Topic{Kind: TopicList, Slug: "editors-picks"}
	assert.Equal(t, "list:editors-picks", topic.Key())
}

func TestTopic_SyncedSince(t *testing.T) {
	now := time.Now()

	never := Topic{Kind: TopicTag, Slug: "travel"}
	assert.Greater(t, never.SyncedSince(now), 24*365*time.Hour)

	synced := now.Add(-10 * time.Minute)
	recent := Topic{Kind: TopicTag, Slug: "travel", LastSynced: &synced}
	assert.Equal(t, 10*time.Minute, recent.SyncedSince(now))
}

func TestCursor_Allows(t *testing.T) {
	now := time.Now()
	cursor := Cursor{SortDate: now}

	older := &StreamItem{SortDate: now.Add(-time.Second)}
	same := &StreamItem{SortDate: now}
	newer := &StreamItem{SortDate: now.Add(time.Second)}

	assert.True(t, cursor.Allows(older))
	assert.False(t, cursor.Allows(same), "Cursor is an exclusive boundary")
	assert.False(t, cursor.Allows(newer))

	assert.True(t, Cursor{}.IsZero())
	assert.True(t, Cursor{}.Allows(newer), "Zero cursor allows everything")
}
