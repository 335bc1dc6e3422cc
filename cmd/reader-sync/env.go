package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robertmeta/reader-sync/config"
	"github.com/robertmeta/reader-sync/feed"
	"github.com/robertmeta/reader-sync/logger"
	"github.com/robertmeta/reader-sync/model"
	"github.com/robertmeta/reader-sync/store"
	"github.com/robertmeta/reader-sync/stream"
	"github.com/robertmeta/reader-sync/wpcom"
	"github.com/urfave/cli/v2"
)

// env holds what a command needs: configuration, logger and an open store.
type env struct {
	cfg   *config.Config
	log   *logger.Logger
	store *store.Store
}

func openEnv(c *cli.Context) (*env, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if c.IsSet("db") {
		cfg.Store.DSN = c.String("db")
	}
	if c.IsSet("log-level") {
		cfg.Logging.Level = c.String("log-level")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}

	if cfg.Store.Driver == store.DriverSQLite && cfg.Store.DSN != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.DSN), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	s, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &env{cfg: cfg, log: log, store: s}, nil
}

func (e *env) Close() {
	e.store.Close()
	_ = e.log.Sync()
}

// remote returns the stream remote and block remote serving topic. Feed
// topics always use the feed source, whose site IDs are hostnames the API
// cannot block.
func (e *env) remote(topic model.Topic) (stream.Remote, stream.BlockRemote, error) {
	if e.cfg.Remote.Kind != "wpcom" || topic.Kind == model.TopicFeed {
		source := feed.NewSource(e.cfg.Remote.Timeout, e.log)
		return source, source, nil
	}

	client, err := wpcom.New(wpcom.Config{
		BaseURL:   e.cfg.Remote.BaseURL,
		Token:     e.cfg.Remote.Token,
		Timeout:   e.cfg.Remote.Timeout,
		RateLimit: e.cfg.Remote.RateLimit,
		Burst:     e.cfg.Remote.Burst,
	}, e.log)
	if err != nil {
		return nil, nil, err
	}
	return client, client, nil
}

// newEngine starts an engine for topic reporting to a session.
func (e *env) newEngine(c *cli.Context, topic model.Topic, sess *session, configure func(o *stream.Options)) (*stream.Engine, error) {
	remote, blocker, err := e.remote(topic)
	if err != nil {
		return nil, err
	}

	offline := c.Bool("offline")
	opts := stream.Options{
		Remote:             remote,
		Blocker:            blocker,
		Store:              e.store,
		Renderer:           sess,
		SyncListener:       sess,
		BlockListener:      sess,
		Reachability:       stream.ReachabilityFunc(func() bool { return !offline }),
		Logger:             e.log,
		Metrics:            stream.NewMetrics(prometheus.NewRegistry()),
		RefreshInterval:    e.cfg.Sync.RefreshInterval,
		LoadMoreThreshold:  e.cfg.Sync.LoadMoreThreshold,
		PageSize:           e.cfg.Sync.PageSize,
		BackfillPages:      e.cfg.Sync.BackfillPages,
		EstimatedRowHeight: e.cfg.Layout.EstimatedRowHeight,
		BlockedRowHeight:   e.cfg.Layout.BlockedRowHeight,
		SkipSyncOnBind:     true,
	}
	if configure != nil {
		configure(&opts)
	}
	return stream.New(opts)
}

// lookupTopic resolves a "kind:slug" key or a numeric topic ID.
func (e *env) lookupTopic(ref string) (*model.Topic, error) {
	var id int64
	if _, err := fmt.Sscanf(ref, "%d", &id); err == nil && fmt.Sprint(id) == ref {
		return e.store.GetTopic(id)
	}
	kind, slug, err := model.ParseTopicKey(ref)
	if err != nil {
		return nil, err
	}
	return e.store.GetTopicByKey(kind, slug)
}

type syncEvent struct {
	phase  stream.Phase
	result stream.Result
}

type blockEvent struct {
	item    model.StreamItem
	blocked bool
	err     error
}

// session collects engine callbacks for a single command.
type session struct {
	mu     sync.Mutex
	rows   []stream.Row
	status string

	ended   chan syncEvent
	blocked chan blockEvent
}

func newSession() *session {
	return &session{
		ended:   make(chan syncEvent, 8),
		blocked: make(chan blockEvent, 8),
	}
}

func (s *session) Render(rows []stream.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = rows
	s.status = "rows"
}

func (s *session) ShowLoading() { s.setStatus("loading") }
func (s *session) ShowEmpty()   { s.setStatus("empty") }

func (s *session) ShowError(err error) { s.setStatus("error") }

func (s *session) setStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

func (s *session) SyncStarted(stream.Phase) {}

func (s *session) SyncEnded(phase stream.Phase, result stream.Result) {
	s.ended <- syncEvent{phase: phase, result: result}
}

func (s *session) BlockConfirmed(item model.StreamItem, blocked bool) {
	s.blocked <- blockEvent{item: item, blocked: blocked}
}

func (s *session) BlockFailed(item model.StreamItem, blocked bool, err error) {
	s.blocked <- blockEvent{item: item, blocked: blocked, err: err}
}

func (s *session) waitSync(ctx context.Context) (syncEvent, error) {
	select {
	case ev := <-s.ended:
		return ev, nil
	case <-ctx.Done():
		return syncEvent{}, ctx.Err()
	}
}

func (s *session) waitBlock(ctx context.Context) (blockEvent, error) {
	select {
	case ev := <-s.blocked:
		return ev, nil
	case <-ctx.Done():
		return blockEvent{}, ctx.Err()
	}
}

func (s *session) snapshot() (string, []stream.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.rows
}
