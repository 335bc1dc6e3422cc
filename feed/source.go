// Package feed provides an RSS/Atom backed stream remote for reader-sync.
package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/robertmeta/reader-sync/logger"
	"github.com/robertmeta/reader-sync/model"
)

// ErrNoFeed is returned for topics that have no public feed.
var ErrNoFeed = errors.New("topic has no public feed")

// Channel is the feed-level metadata of a parsed document.
type Channel struct {
	Title string
	Link  string
}

// Source fetches topic streams from RSS/Atom feeds. Feeds cannot be paged
// server side, so every fetch downloads the whole document and pages it
// locally.
type Source struct {
	parser *gofeed.Parser
	now    func() time.Time
	log    *logger.Logger

	mu      sync.Mutex
	blocked map[string]bool
}

// NewSource creates a Source. A zero timeout leaves the HTTP client without one.
func NewSource(timeout time.Duration, log *logger.Logger) *Source {
	if log == nil {
		log = logger.Nop()
	}
	parser := gofeed.NewParser()
	parser.Client = &http.Client{Timeout: timeout}
	parser.UserAgent = "reader-sync/1.0"
	return &Source{
		parser:  parser,
		now:     time.Now,
		log:     log.WithComponent("feed"),
		blocked: make(map[string]bool),
	}
}

// TopicURL returns the feed URL of a topic. Feed topics use their URL, tags
// and sites map to their WordPress.com feeds.
func TopicURL(topic model.Topic) (string, error) {
	if topic.URL != "" {
		return topic.URL, nil
	}
	switch topic.Kind {
	case model.TopicTag:
		return "https://wordpress.com/tag/" + url.PathEscape(topic.Slug) + "/feed/", nil
	case model.TopicSite:
		return "https://" + topic.Slug + "/feed/", nil
	default:
		return "", fmt.Errorf("%s: %w", topic.Key(), ErrNoFeed)
	}
}

// FetchItems returns up to limit items of topic older than olderThan, newest
// first. hasMore reports whether the feed holds further older items.
func (s *Source) FetchItems(ctx context.Context, topic model.Topic, olderThan *time.Time, limit int) ([]*model.StreamItem, bool, error) {
	feedURL, err := TopicURL(topic)
	if err != nil {
		return nil, false, err
	}

	_, items, err := s.Fetch(ctx, feedURL)
	if err != nil {
		return nil, false, err
	}

	page, hasMore := Page(items, olderThan, limit)
	s.mu.Lock()
	for _, item := range page {
		item.IsSiteBlocked = s.blocked[item.SiteID]
	}
	s.mu.Unlock()

	s.log.Debug("Fetched feed", "url", feedURL, "items", len(items), "page", len(page), "has_more", hasMore)
	return page, hasMore, nil
}

// SetSiteBlocked records a block locally and flags the site's items in later
// fetches. Feeds have no server side block list, so this always succeeds
// unless ctx is done.
func (s *Source) SetSiteBlocked(ctx context.Context, siteID string, blocked bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if blocked {
		s.blocked[siteID] = true
	} else {
		delete(s.blocked, siteID)
	}
	s.log.Debug("Recorded site block", "site", siteID, "blocked", blocked)
	return nil
}

// Fetch retrieves and parses a feed from a URL.
func (s *Source) Fetch(ctx context.Context, feedURL string) (*Channel, []*model.StreamItem, error) {
	parsed, err := s.parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch feed from %s: %w", feedURL, err)
	}

	channel, items := s.convert(parsed, feedURL)
	return channel, items, nil
}

// Parse parses feed content from a string.
func (s *Source) Parse(content string) (*Channel, []*model.StreamItem, error) {
	if content == "" {
		return nil, nil, fmt.Errorf("feed content is empty")
	}

	parsed, err := s.parser.ParseString(content)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse feed: %w", err)
	}

	channel, items := s.convert(parsed, "")
	return channel, items, nil
}

// Page sorts items newest first and returns those strictly older than
// olderThan, at most limit of them. A limit <= 0 means no limit.
func Page(items []*model.StreamItem, olderThan *time.Time, limit int) ([]*model.StreamItem, bool) {
	sorted := make([]*model.StreamItem, 0, len(items))
	for _, item := range items {
		if olderThan == nil || item.SortDate.Before(*olderThan) {
			sorted = append(sorted, item)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SortDate.After(sorted[j].SortDate)
	})

	if limit <= 0 || len(sorted) <= limit {
		return sorted, false
	}
	return sorted[:limit], true
}

func (s *Source) convert(gf *gofeed.Feed, feedURL string) (*Channel, []*model.StreamItem) {
	channel := &Channel{Title: gf.Title, Link: gf.Link}
	if channel.Link == "" {
		channel.Link = feedURL
	}
	feedHost := hostOf(channel.Link)

	items := make([]*model.StreamItem, 0, len(gf.Items))
	for _, item := range gf.Items {
		items = append(items, s.convertItem(item, channel.Title, feedHost))
	}
	return channel, items
}

func (s *Source) convertItem(item *gofeed.Item, feedTitle, feedHost string) *model.StreamItem {
	si := &model.StreamItem{
		GUID:  item.GUID,
		Title: item.Title,
		Link:  item.Link,
	}

	// Use link as GUID if GUID is missing
	if si.GUID == "" {
		si.GUID = item.Link
	}

	// Prefer full content over description
	if item.Content != "" {
		si.Content = item.Content
	} else {
		si.Content = item.Description
	}

	switch {
	case item.PublishedParsed != nil:
		si.SortDate = *item.PublishedParsed
	case item.UpdatedParsed != nil:
		si.SortDate = *item.UpdatedParsed
	default:
		si.SortDate = s.now()
	}

	// Aggregated feeds (tags) carry posts from many sites; the item link
	// names the site.
	si.SiteID = hostOf(item.Link)
	if si.SiteID == "" {
		si.SiteID = feedHost
	}
	si.SiteName = feedTitle
	if si.SiteID != feedHost {
		si.SiteName = si.SiteID
	}

	si.Attribution = attribution(si)
	return si
}

// attribution extracts the origin post of a WordPress item from a GUID of
// the form https://site/?p=123.
func attribution(item *model.StreamItem) *model.Attribution {
	u, err := url.Parse(item.GUID)
	if err != nil || u.Host == "" {
		return nil
	}
	postID := u.Query().Get("p")
	if postID == "" {
		return nil
	}
	return &model.Attribution{
		SiteID: strings.ToLower(u.Host),
		PostID: postID,
		URL:    item.Link,
	}
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}
