// Package model defines the core data structures for reader-sync.
package model

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// TopicKind identifies what a topic streams.
type TopicKind string

const (
	TopicTag  TopicKind = "tag"
	TopicSite TopicKind = "site"
	TopicList TopicKind = "list"
	TopicFeed TopicKind = "feed"
)

// Valid reports whether k is a known topic kind.
func (k TopicKind) Valid() bool {
	switch k {
	case TopicTag, TopicSite, TopicList, TopicFeed:
		return true
	}
	return false
}

// Topic identifies a logical content stream: a tag, a site, a curated list
// or a plain feed URL.
type Topic struct {
	ID         int64      `json:"id"`
	Kind       TopicKind  `json:"kind"`
	Slug       string     `json:"slug"`
	Title      string     `json:"title"`
	URL        string     `json:"url,omitempty"`
	LastSynced *time.Time `json:"last_synced,omitempty"`
}

// Validate checks if the topic has required fields.
func (t *Topic) Validate() error {
	if !t.Kind.Valid() {
		return fmt.Errorf("unknown topic kind %q", t.Kind)
	}
	if t.Slug == "" {
		return errors.New("topic slug is required")
	}
	if t.Kind == TopicFeed && t.URL == "" {
		return errors.New("feed topic URL is required")
	}
	return nil
}

// Key returns the "kind:slug" form used on the command line.
func (t *Topic) Key() string {
	return string(t.Kind) + ":" + t.Slug
}

// SyncedSince returns how long ago the topic was last synced.
// A topic that was never synced reports the maximum duration.
func (t *Topic) SyncedSince(now time.Time) time.Duration {
	if t.LastSynced == nil {
		return time.Duration(math.MaxInt64)
	}
	return now.Sub(*t.LastSynced)
}

// ParseTopicKey splits a "kind:slug" key. Kinds are case-insensitive.
func ParseTopicKey(key string) (TopicKind, string, error) {
	kind, slug, ok := strings.Cut(key, ":")
	if !ok || slug == "" {
		return "", "", fmt.Errorf("invalid topic key %q (expected kind:slug, e.g. tag:travel)", key)
	}
	k := TopicKind(strings.ToLower(kind))
	if !k.Valid() {
		return "", "", fmt.Errorf("unknown topic kind %q", kind)
	}
	return k, slug, nil
}

// Attribution points at the original source of a reposted item.
type Attribution struct {
	SiteID string `json:"site_id,omitempty"`
	PostID string `json:"post_id,omitempty"`
	URL    string `json:"url,omitempty"`
}

// StreamItem is a single content entry belonging to a topic.
type StreamItem struct {
	ID            int64        `json:"id"`
	TopicID       int64        `json:"topic_id"`
	GUID          string       `json:"guid"`
	SiteID        string       `json:"site_id"`
	SiteName      string       `json:"site_name,omitempty"`
	Title         string       `json:"title"`
	Link          string       `json:"link"`
	Content       string       `json:"content,omitempty"`
	SortDate      time.Time    `json:"sort_date"`
	IsSiteBlocked bool         `json:"is_site_blocked"`
	Attribution   *Attribution `json:"attribution,omitempty"`
}

// Cursor is the pagination boundary of a topic: the sort date of the oldest
// loaded item. The zero Cursor means nothing is loaded yet.
type Cursor struct {
	SortDate time.Time
}

// IsZero reports whether the cursor has no boundary.
func (c Cursor) IsZero() bool {
	return c.SortDate.IsZero()
}

// Allows reports whether an item lies strictly before the cursor.
func (c Cursor) Allows(item *StreamItem) bool {
	if c.IsZero() {
		return true
	}
	return item.SortDate.Before(c.SortDate)
}
