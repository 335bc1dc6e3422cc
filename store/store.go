// Package store provides SQL persistence for reader-sync topics and stream items.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/robertmeta/reader-sync/model"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a topic or item does not exist.
var ErrNotFound = errors.New("not found")

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ChangeFunc is called after a committed write that affects a topic's items.
type ChangeFunc func(topicID int64)

// Store manages the database.
type Store struct {
	db     *sql.DB
	driver string

	mu          sync.RWMutex
	subscribers map[int]ChangeFunc
	nextSubID   int
}

// QueryOptions specifies how to query items.
type QueryOptions struct {
	TopicID        int64
	Limit          int
	Offset         int
	IncludeBlocked bool
	IncludeIDs     []int64    // returned even when their site is blocked
	Before         *time.Time // strictly older than
	SinceTime      *int64     // Unix timestamp
}

// New creates a new SQLite-backed Store with the given database path.
// Use ":memory:" for an in-memory database (useful for testing).
func New(dbPath string) (*Store, error) {
	return Open(DriverSQLite, dbPath)
}

// NewPostgres creates a new PostgreSQL-backed Store.
func NewPostgres(dsn string) (*Store, error) {
	return Open(DriverPostgres, dsn)
}

// Open opens a Store for the given driver and data source.
func Open(driver, dsn string) (*Store, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == DriverSQLite {
		// SQLite serializes writers, and every ":memory:" connection is its
		// own database.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	}

	store := &Store{db: db, driver: driver, subscribers: make(map[int]ChangeFunc)}

	if err := store.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Driver returns the driver the store was opened with.
func (s *Store) Driver() string {
	return s.driver
}

// Subscribe registers fn to be called after writes to a topic's items
// commit. fn runs on the writing goroutine. The returned func unsubscribes.
func (s *Store) Subscribe(fn ChangeFunc) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
	}
}

func (s *Store) notify(topicIDs ...int64) {
	s.mu.RLock()
	subs := make([]ChangeFunc, 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.mu.RUnlock()

	for _, id := range topicIDs {
		for _, fn := range subs {
			fn(id)
		}
	}
}

// createSchema creates the database tables and indexes.
func (s *Store) createSchema() error {
	idColumn := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == DriverPostgres {
		idColumn = "BIGSERIAL PRIMARY KEY"
	}

	schema := `
	CREATE TABLE IF NOT EXISTS topics (
		id ` + idColumn + `,
		kind TEXT NOT NULL,
		slug TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		last_synced BIGINT,
		UNIQUE(kind, slug)
	);

	CREATE TABLE IF NOT EXISTS items (
		id ` + idColumn + `,
		topic_id BIGINT NOT NULL,
		guid TEXT NOT NULL,
		site_id TEXT NOT NULL DEFAULT '',
		site_name TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		link TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		sort_date BIGINT NOT NULL,
		is_site_blocked INTEGER NOT NULL DEFAULT 0,
		attribution_site_id TEXT,
		attribution_post_id TEXT,
		attribution_url TEXT,
		FOREIGN KEY (topic_id) REFERENCES topics(id) ON DELETE CASCADE,
		UNIQUE(topic_id, guid)
	);

	CREATE TABLE IF NOT EXISTS blocked_sites (
		site_id TEXT PRIMARY KEY,
		blocked_at BIGINT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_items_topic_sort ON items(topic_id, sort_date DESC);
	CREATE INDEX IF NOT EXISTS idx_items_site_id ON items(site_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveTopic saves a topic to the database.
// If the topic has an ID of 0, it will be inserted. Otherwise, it will be updated.
func (s *Store) SaveTopic(t *model.Topic) error {
	if err := t.Validate(); err != nil {
		return err
	}

	if t.ID == 0 {
		err := s.db.QueryRow(
			s.rebind("INSERT INTO topics (kind, slug, title, url, last_synced) VALUES (?, ?, ?, ?, ?) RETURNING id"),
			string(t.Kind), t.Slug, t.Title, t.URL, timeToNullable(t.LastSynced),
		).Scan(&t.ID)
		if err != nil {
			return fmt.Errorf("failed to insert topic: %w", err)
		}
		return nil
	}

	_, err := s.db.Exec(
		s.rebind("UPDATE topics SET kind = ?, slug = ?, title = ?, url = ?, last_synced = ? WHERE id = ?"),
		string(t.Kind), t.Slug, t.Title, t.URL, timeToNullable(t.LastSynced), t.ID,
	)
	return err
}

const topicColumns = "id, kind, slug, title, url, last_synced"

func scanTopic(row interface{ Scan(...any) error }) (*model.Topic, error) {
	topic := &model.Topic{}
	var kind string
	var lastSynced sql.NullInt64
	if err := row.Scan(&topic.ID, &kind, &topic.Slug, &topic.Title, &topic.URL, &lastSynced); err != nil {
		return nil, err
	}
	topic.Kind = model.TopicKind(kind)
	if lastSynced.Valid {
		t := nanosToTime(lastSynced.Int64)
		topic.LastSynced = &t
	}
	return topic, nil
}

// GetTopic retrieves a topic by ID.
func (s *Store) GetTopic(id int64) (*model.Topic, error) {
	topic, err := scanTopic(s.db.QueryRow(s.rebind("SELECT "+topicColumns+" FROM topics WHERE id = ?"), id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("topic %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get topic: %w", err)
	}
	return topic, nil
}

// GetTopicByKey retrieves a topic by kind and slug.
func (s *Store) GetTopicByKey(kind model.TopicKind, slug string) (*model.Topic, error) {
	topic, err := scanTopic(s.db.QueryRow(
		s.rebind("SELECT "+topicColumns+" FROM topics WHERE kind = ? AND slug = ?"),
		string(kind), slug,
	))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("topic %s:%s: %w", kind, slug, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get topic: %w", err)
	}
	return topic, nil
}

// GetAllTopics retrieves all topics.
func (s *Store) GetAllTopics() ([]*model.Topic, error) {
	rows, err := s.db.Query("SELECT " + topicColumns + " FROM topics ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query topics: %w", err)
	}
	defer rows.Close()

	var topics []*model.Topic
	for rows.Next() {
		topic, err := scanTopic(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan topic: %w", err)
		}
		topics = append(topics, topic)
	}

	return topics, rows.Err()
}

// DeleteTopic deletes a topic and its items.
func (s *Store) DeleteTopic(id int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(s.rebind("DELETE FROM items WHERE topic_id = ?"), id); err != nil {
		return fmt.Errorf("failed to delete items: %w", err)
	}
	if _, err := tx.Exec(s.rebind("DELETE FROM topics WHERE id = ?"), id); err != nil {
		return fmt.Errorf("failed to delete topic: %w", err)
	}
	return tx.Commit()
}

// UpdateTopicLastSynced records when a topic was last synced.
func (s *Store) UpdateTopicLastSynced(id int64, t time.Time) error {
	res, err := s.db.Exec(s.rebind("UPDATE topics SET last_synced = ? WHERE id = ?"), t.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to update last synced: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("topic %d: %w", id, ErrNotFound)
	}
	return nil
}

// MergeItems inserts or updates items for a topic in a single transaction and
// returns how many were new. Every item gets its ID and TopicID set. Items
// from blocked sites are stored flagged as blocked.
func (s *Store) MergeItems(topicID int64, items []*model.StreamItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	inserted := 0
	for _, item := range items {
		item.TopicID = topicID

		var siteBlocked int
		err := tx.QueryRow(s.rebind("SELECT COUNT(*) FROM blocked_sites WHERE site_id = ?"), item.SiteID).Scan(&siteBlocked)
		if err != nil {
			return 0, fmt.Errorf("failed to check blocked site: %w", err)
		}
		if siteBlocked > 0 {
			item.IsSiteBlocked = true
		}

		attrSite, attrPost, attrURL := attributionColumns(item.Attribution)

		var existingID int64
		err = tx.QueryRow(s.rebind("SELECT id FROM items WHERE topic_id = ? AND guid = ?"), topicID, item.GUID).Scan(&existingID)
		switch {
		case err == sql.ErrNoRows:
			err = tx.QueryRow(
				s.rebind(`INSERT INTO items (topic_id, guid, site_id, site_name, title, link, content, sort_date, is_site_blocked,
					attribution_site_id, attribution_post_id, attribution_url)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
				topicID, item.GUID, item.SiteID, item.SiteName, item.Title, item.Link, item.Content,
				item.SortDate.UnixNano(), boolToInt(item.IsSiteBlocked), attrSite, attrPost, attrURL,
			).Scan(&item.ID)
			if err != nil {
				return 0, fmt.Errorf("failed to insert item %s: %w", item.GUID, err)
			}
			inserted++
		case err != nil:
			return 0, fmt.Errorf("failed to look up item %s: %w", item.GUID, err)
		default:
			_, err = tx.Exec(
				s.rebind(`UPDATE items SET site_id = ?, site_name = ?, title = ?, link = ?, content = ?, sort_date = ?,
					is_site_blocked = ?, attribution_site_id = ?, attribution_post_id = ?, attribution_url = ? WHERE id = ?`),
				item.SiteID, item.SiteName, item.Title, item.Link, item.Content, item.SortDate.UnixNano(),
				boolToInt(item.IsSiteBlocked), attrSite, attrPost, attrURL, existingID,
			)
			if err != nil {
				return 0, fmt.Errorf("failed to update item %s: %w", item.GUID, err)
			}
			item.ID = existingID
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit merge: %w", err)
	}

	s.notify(topicID)
	return inserted, nil
}

const itemColumns = `id, topic_id, guid, site_id, site_name, title, link, content, sort_date, is_site_blocked,
	attribution_site_id, attribution_post_id, attribution_url`

func scanItem(row interface{ Scan(...any) error }) (*model.StreamItem, error) {
	item := &model.StreamItem{}
	var sortDate int64
	var blocked int
	var attrSite, attrPost, attrURL sql.NullString

	err := row.Scan(&item.ID, &item.TopicID, &item.GUID, &item.SiteID, &item.SiteName, &item.Title, &item.Link,
		&item.Content, &sortDate, &blocked, &attrSite, &attrPost, &attrURL)
	if err != nil {
		return nil, err
	}

	item.SortDate = nanosToTime(sortDate)
	item.IsSiteBlocked = intToBool(blocked)
	if attrSite.Valid || attrPost.Valid || attrURL.Valid {
		item.Attribution = &model.Attribution{
			SiteID: attrSite.String,
			PostID: attrPost.String,
			URL:    attrURL.String,
		}
	}
	return item, nil
}

// GetItem retrieves an item by ID.
func (s *Store) GetItem(id int64) (*model.StreamItem, error) {
	item, err := scanItem(s.db.QueryRow(s.rebind("SELECT "+itemColumns+" FROM items WHERE id = ?"), id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("item %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return item, nil
}

// GetItems retrieves items with optional filtering and pagination, newest first.
func (s *Store) GetItems(opts QueryOptions) ([]*model.StreamItem, error) {
	query := "SELECT " + itemColumns + " FROM items WHERE 1=1"
	args := []interface{}{}

	if opts.TopicID != 0 {
		query += " AND topic_id = ?"
		args = append(args, opts.TopicID)
	}

	if !opts.IncludeBlocked {
		if len(opts.IncludeIDs) > 0 {
			placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(opts.IncludeIDs)), ", ")
			query += " AND (is_site_blocked = 0 OR id IN (" + placeholders + "))"
			for _, id := range opts.IncludeIDs {
				args = append(args, id)
			}
		} else {
			query += " AND is_site_blocked = 0"
		}
	}

	if opts.Before != nil {
		query += " AND sort_date < ?"
		args = append(args, opts.Before.UnixNano())
	}

	if opts.SinceTime != nil {
		query += " AND sort_date >= ?"
		args = append(args, time.Unix(*opts.SinceTime, 0).UnixNano())
	}

	// Newest first; id breaks ties so pages are stable.
	query += " ORDER BY sort_date DESC, id DESC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.Query(s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var items []*model.StreamItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, item)
	}

	return items, rows.Err()
}

// CountItems returns the number of items stored for a topic.
func (s *Store) CountItems(topicID int64) (int, error) {
	var n int
	err := s.db.QueryRow(s.rebind("SELECT COUNT(*) FROM items WHERE topic_id = ?"), topicID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count items: %w", err)
	}
	return n, nil
}

// OldestSortDate returns the sort date of the oldest item of a topic, or nil
// if the topic has no items.
func (s *Store) OldestSortDate(topicID int64) (*time.Time, error) {
	return s.sortDateBound(topicID, "MIN")
}

// NewestSortDate returns the sort date of the newest item of a topic, or nil
// if the topic has no items.
func (s *Store) NewestSortDate(topicID int64) (*time.Time, error) {
	return s.sortDateBound(topicID, "MAX")
}

func (s *Store) sortDateBound(topicID int64, fn string) (*time.Time, error) {
	var bound sql.NullInt64
	err := s.db.QueryRow(s.rebind("SELECT "+fn+"(sort_date) FROM items WHERE topic_id = ?"), topicID).Scan(&bound)
	if err != nil {
		return nil, fmt.Errorf("failed to query sort date: %w", err)
	}
	if !bound.Valid {
		return nil, nil
	}
	t := nanosToTime(bound.Int64)
	return &t, nil
}

// SetSiteBlocked flips the blocked flag of every stored item from a site and
// remembers the decision for items merged later. It returns the number of
// items changed.
func (s *Store) SetSiteBlocked(siteID string, blocked bool) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if blocked {
		_, err = tx.Exec(
			s.rebind("INSERT INTO blocked_sites (site_id, blocked_at) VALUES (?, ?) ON CONFLICT (site_id) DO NOTHING"),
			siteID, time.Now().UnixNano(),
		)
	} else {
		_, err = tx.Exec(s.rebind("DELETE FROM blocked_sites WHERE site_id = ?"), siteID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to record blocked site: %w", err)
	}

	rows, err := tx.Query(s.rebind("SELECT DISTINCT topic_id FROM items WHERE site_id = ?"), siteID)
	if err != nil {
		return 0, fmt.Errorf("failed to query affected topics: %w", err)
	}
	var topicIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan topic id: %w", err)
		}
		topicIDs = append(topicIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	res, err := tx.Exec(s.rebind("UPDATE items SET is_site_blocked = ? WHERE site_id = ?"), boolToInt(blocked), siteID)
	if err != nil {
		return 0, fmt.Errorf("failed to update items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit block: %w", err)
	}

	s.notify(topicIDs...)
	return n, nil
}

// IsSiteBlocked reports whether a site is on the blocked list.
func (s *Store) IsSiteBlocked(siteID string) (bool, error) {
	var n int
	err := s.db.QueryRow(s.rebind("SELECT COUNT(*) FROM blocked_sites WHERE site_id = ?"), siteID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check blocked site: %w", err)
	}
	return n > 0, nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func attributionColumns(a *model.Attribution) (site, post, url sql.NullString) {
	if a == nil {
		return
	}
	return sql.NullString{String: a.SiteID, Valid: true},
		sql.NullString{String: a.PostID, Valid: true},
		sql.NullString{String: a.URL, Valid: true}
}

func timeToNullable(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

// Helper functions for boolean<->int conversion (SQLite doesn't have BOOLEAN type)
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func intToBool(i int) bool {
	return i != 0
}

func nanosToTime(n int64) time.Time {
	return time.Unix(0, n)
}
