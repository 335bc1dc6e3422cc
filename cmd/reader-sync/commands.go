package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/robertmeta/reader-sync/model"
	"github.com/robertmeta/reader-sync/opml"
	"github.com/robertmeta/reader-sync/store"
	"github.com/robertmeta/reader-sync/stream"
	"github.com/urfave/cli/v2"
)

func outputJSON(c *cli.Context, v interface{}) error {
	encoder := json.NewEncoder(c.App.Writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// exitCode maps engine and remote failures to process exit codes.
func exitCode(err error) int {
	var fetchErr *stream.RemoteFetchError
	var blockErr *stream.RemoteBlockActionError
	switch {
	case errors.Is(err, stream.ErrNoConnection), errors.As(err, &fetchErr), errors.As(err, &blockErr):
		return ExitRemoteError
	default:
		return ExitDataError
	}
}

func addTopic(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("Usage: reader-sync topics add <kind:slug>", ExitUsageError)
	}

	kind, slug, err := model.ParseTopicKey(c.Args().Get(0))
	if err != nil {
		return cli.Exit(err.Error(), ExitUsageError)
	}

	topic := &model.Topic{
		Kind:  kind,
		Slug:  slug,
		Title: c.String("title"),
		URL:   c.String("url"),
	}
	if topic.Title == "" {
		topic.Title = slug
	}
	if err := topic.Validate(); err != nil {
		return cli.Exit(err.Error(), ExitUsageError)
	}

	e, err := openEnv(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer e.Close()

	if err := e.store.SaveTopic(topic); err != nil {
		return cli.Exit(fmt.Sprintf("Failed to save topic: %v", err), ExitDataError)
	}

	return outputJSON(c, map[string]interface{}{
		"success": true,
		"topic":   topic,
	})
}

func listTopics(c *cli.Context) error {
	e, err := openEnv(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer e.Close()

	topics, err := e.store.GetAllTopics()
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to get topics: %v", err), ExitDataError)
	}
	if topics == nil {
		topics = []*model.Topic{}
	}

	return outputJSON(c, topics)
}

func removeTopic(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("Usage: reader-sync topics remove <topic>", ExitUsageError)
	}

	e, err := openEnv(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer e.Close()

	topic, err := e.lookupTopic(c.Args().Get(0))
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to get topic: %v", err), ExitDataError)
	}
	if err := e.store.DeleteTopic(topic.ID); err != nil {
		return cli.Exit(fmt.Sprintf("Failed to delete topic: %v", err), ExitDataError)
	}

	return outputJSON(c, map[string]interface{}{
		"success": true,
		"topic":   topic.Key(),
	})
}

// withEngine opens the environment, binds the referenced topic and runs fn.
func withEngine(c *cli.Context, usage string, configure func(o *stream.Options), fn func(e *env, engine *stream.Engine, sess *session, topic *model.Topic) error) error {
	if c.NArg() < 1 {
		return cli.Exit("Usage: reader-sync "+usage, ExitUsageError)
	}

	e, err := openEnv(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer e.Close()

	topic, err := e.lookupTopic(c.Args().Get(0))
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to get topic: %v", err), ExitDataError)
	}

	sess := newSession()
	engine, err := e.newEngine(c, *topic, sess, configure)
	if err != nil {
		return cli.Exit(err.Error(), ExitGeneralError)
	}
	defer engine.Close()

	if err := engine.BindTopic(*topic); err != nil {
		return cli.Exit(fmt.Sprintf("Failed to bind topic: %v", err), ExitDataError)
	}
	return fn(e, engine, sess, topic)
}

// finishSync waits for the running phase and reports it.
func finishSync(c *cli.Context, engine *stream.Engine, sess *session, topic *model.Topic) error {
	ev, err := sess.waitSync(c.Context)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Interrupted: %v", err), ExitGeneralError)
	}
	if ev.result.Err != nil {
		return cli.Exit(fmt.Sprintf("%s sync of %s failed: %v", ev.phase, topic.Key(), ev.result.Err), exitCode(ev.result.Err))
	}

	state := engine.State()
	status, _ := sess.snapshot()
	out := map[string]interface{}{
		"success":   true,
		"topic":     topic.Key(),
		"phase":     ev.phase.String(),
		"new_items": ev.result.Count,
		"has_more":  ev.result.HasMore,
		"rows":      state.Rows,
		"status":    status,
	}
	if state.Topic != nil && state.Topic.LastSynced != nil {
		out["last_synced"] = state.Topic.LastSynced.Format(time.RFC3339Nano)
	}
	return outputJSON(c, out)
}

func refreshTopic(c *cli.Context) error {
	return withEngine(c, "refresh <topic>", nil, func(e *env, engine *stream.Engine, sess *session, topic *model.Topic) error {
		if err := engine.Refresh(); err != nil {
			return cli.Exit(fmt.Sprintf("Refresh failed: %v", err), exitCode(err))
		}
		return finishSync(c, engine, sess, topic)
	})
}

func syncTopic(c *cli.Context) error {
	configure := func(o *stream.Options) {
		if c.Bool("force") {
			o.RefreshInterval = time.Nanosecond
		}
	}
	return withEngine(c, "sync <topic>", configure, func(e *env, engine *stream.Engine, sess *session, topic *model.Topic) error {
		if !engine.SyncIfAppropriate() {
			reason := "fresh"
			if c.Bool("offline") {
				reason = "offline"
			}
			return outputJSON(c, map[string]interface{}{
				"success": true,
				"topic":   topic.Key(),
				"started": false,
				"reason":  reason,
			})
		}
		return finishSync(c, engine, sess, topic)
	})
}

func loadMore(c *cli.Context) error {
	return withEngine(c, "more <topic>", nil, func(e *env, engine *stream.Engine, sess *session, topic *model.Topic) error {
		if !engine.LoadMore() {
			// A fresh bind always has more; only an empty topic or the
			// network can refuse.
			reason := "offline"
			if engine.State().Rows == 0 {
				reason = "nothing loaded"
			}
			return outputJSON(c, map[string]interface{}{
				"success": true,
				"topic":   topic.Key(),
				"started": false,
				"reason":  reason,
			})
		}
		return finishSync(c, engine, sess, topic)
	})
}

func listItems(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("Usage: reader-sync list <topic>", ExitUsageError)
	}

	e, err := openEnv(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer e.Close()

	topic, err := e.lookupTopic(c.Args().Get(0))
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to get topic: %v", err), ExitDataError)
	}

	opts, err := store.BuildQueryOptions(
		topic.ID,
		c.Int("limit"),
		c.Int("offset"),
		c.Bool("blocked"),
		c.String("since"),
	)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Invalid query options: %v", err), ExitUsageError)
	}

	items, err := e.store.GetItems(opts)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to get items: %v", err), ExitDataError)
	}
	if items == nil {
		items = []*model.StreamItem{}
	}

	return outputJSON(c, map[string]interface{}{
		"topic":  topic.Key(),
		"count":  len(items),
		"limit":  opts.Limit,
		"offset": opts.Offset,
		"items":  items,
	})
}

func blockSite(c *cli.Context) error {
	return setSiteBlocked(c, true)
}

func unblockSite(c *cli.Context) error {
	return setSiteBlocked(c, false)
}

func setSiteBlocked(c *cli.Context, blocked bool) error {
	if c.NArg() < 1 {
		return cli.Exit(fmt.Sprintf("Usage: reader-sync %s <item-id>", c.Command.Name), ExitUsageError)
	}
	itemID, err := strconv.ParseInt(c.Args().Get(0), 10, 64)
	if err != nil {
		return cli.Exit("Invalid item ID", ExitUsageError)
	}

	e, err := openEnv(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer e.Close()

	item, err := e.store.GetItem(itemID)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to get item: %v", err), ExitDataError)
	}
	topic, err := e.store.GetTopic(item.TopicID)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to get topic: %v", err), ExitDataError)
	}

	sess := newSession()
	engine, err := e.newEngine(c, *topic, sess, nil)
	if err != nil {
		return cli.Exit(err.Error(), ExitGeneralError)
	}
	defer engine.Close()

	if err := engine.BindTopic(*topic); err != nil {
		return cli.Exit(fmt.Sprintf("Failed to bind topic: %v", err), ExitDataError)
	}

	action := engine.Unblock
	if blocked {
		action = engine.Block
	}
	if err := action(itemID); err != nil {
		return cli.Exit(fmt.Sprintf("Failed to %s site: %v", c.Command.Name, err), ExitDataError)
	}

	ev, err := sess.waitBlock(c.Context)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Interrupted: %v", err), ExitGeneralError)
	}
	if ev.err != nil {
		return cli.Exit(fmt.Sprintf("Failed to %s site %s: %v", c.Command.Name, ev.item.SiteID, ev.err), exitCode(ev.err))
	}

	return outputJSON(c, map[string]interface{}{
		"success": true,
		"item_id": itemID,
		"site_id": ev.item.SiteID,
		"blocked": ev.blocked,
	})
}

func importOPML(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("Usage: reader-sync import <opml-file>", ExitUsageError)
	}

	opmlPath := c.Args().Get(0)

	file, err := os.Open(opmlPath)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to open OPML file: %v", err), ExitDataError)
	}
	defer file.Close()

	topics, err := opml.Parse(file)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to parse OPML: %v", err), ExitDataError)
	}

	e, err := openEnv(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer e.Close()

	imported := 0
	skipped := 0
	errs := []string{}

	for _, topic := range topics {
		if err := e.store.SaveTopic(topic); err != nil {
			// Topic might already exist (duplicate key)
			skipped++
			errs = append(errs, fmt.Sprintf("%s: %v", topic.Key(), err))
			continue
		}
		imported++
	}

	return outputJSON(c, map[string]interface{}{
		"success":  true,
		"imported": imported,
		"skipped":  skipped,
		"total":    len(topics),
		"errors":   errs,
	})
}

func exportOPML(c *cli.Context) error {
	e, err := openEnv(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer e.Close()

	topics, err := e.store.GetAllTopics()
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to get topics: %v", err), ExitDataError)
	}

	outputPath := c.String("output")
	var writer io.Writer = c.App.Writer

	if outputPath != "" {
		file, err := os.Create(outputPath)
		if err != nil {
			return cli.Exit(fmt.Sprintf("Failed to create output file: %v", err), ExitDataError)
		}
		defer file.Close()
		writer = file
	}

	if err := opml.Generate(writer, topics); err != nil {
		return cli.Exit(fmt.Sprintf("Failed to generate OPML: %v", err), ExitDataError)
	}

	// If outputting to file, also return JSON status
	if outputPath != "" {
		return outputJSON(c, map[string]interface{}{
			"success": true,
			"file":    outputPath,
			"count":   len(topics),
		})
	}

	return nil
}
