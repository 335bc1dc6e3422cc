package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/robertmeta/reader-sync/config"
	"github.com/urfave/cli/v2"
)

const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitUsageError   = 2
	ExitDataError    = 3
	ExitRemoteError  = 4
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitGeneralError)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "reader-sync",
		Usage:   "Keep reader topic streams in sync with WordPress.com and RSS/Atom feeds",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Config file path (default: ./config.yaml or " + config.DefaultDir() + "/config.yaml)",
				EnvVars: []string{"READER_SYNC_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "db",
				Aliases: []string{"d"},
				Usage:   "Database path or DSN (overrides store.dsn)",
			},
			&cli.BoolFlag{
				Name:  "offline",
				Usage: "Treat the network as unreachable",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn or error",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "topics",
				Usage: "Manage topics",
				Subcommands: []*cli.Command{
					{
						Name:      "add",
						Usage:     "Add a topic",
						ArgsUsage: "<kind:slug>",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:    "title",
								Aliases: []string{"t"},
								Usage:   "Display title",
							},
							&cli.StringFlag{
								Name:    "url",
								Aliases: []string{"u"},
								Usage:   "Feed URL (required for feed topics)",
							},
						},
						Action: addTopic,
					},
					{
						Name:   "list",
						Usage:  "List all topics",
						Action: listTopics,
					},
					{
						Name:      "remove",
						Usage:     "Remove a topic and its items",
						ArgsUsage: "<topic>",
						Action:    removeTopic,
					},
				},
			},
			{
				Name:      "refresh",
				Usage:     "Fetch the newest items of a topic",
				ArgsUsage: "<topic>",
				Action:    refreshTopic,
			},
			{
				Name:      "sync",
				Usage:     "Backfill a topic when it is due for a refresh",
				ArgsUsage: "<topic>",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "force",
						Aliases: []string{"f"},
						Usage:   "Sync even if the topic was synced recently",
					},
				},
				Action: syncTopic,
			},
			{
				Name:      "more",
				Usage:     "Load the next page of older items",
				ArgsUsage: "<topic>",
				Action:    loadMore,
			},
			{
				Name:      "list",
				Usage:     "List stored items of a topic",
				ArgsUsage: "<topic>",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "limit",
						Aliases: []string{"l"},
						Value:   50,
						Usage:   "Maximum number of items to return",
					},
					&cli.IntFlag{
						Name:    "offset",
						Aliases: []string{"o"},
						Value:   0,
						Usage:   "Offset for pagination",
					},
					&cli.StringFlag{
						Name:    "since",
						Aliases: []string{"s"},
						Usage:   "Show items since duration (e.g., 7d, 2w, 3m, 1y)",
					},
					&cli.BoolFlag{
						Name:    "blocked",
						Aliases: []string{"b"},
						Usage:   "Include items from blocked sites",
					},
				},
				Action: listItems,
			},
			{
				Name:      "block",
				Usage:     "Block the site of an item",
				ArgsUsage: "<item-id>",
				Action:    blockSite,
			},
			{
				Name:      "unblock",
				Usage:     "Unblock the site of an item",
				ArgsUsage: "<item-id>",
				Action:    unblockSite,
			},
			{
				Name:      "import",
				Usage:     "Import topics from OPML file",
				ArgsUsage: "<opml-file>",
				Action:    importOPML,
			},
			{
				Name:  "export",
				Usage: "Export topics to OPML file",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Output file (default: stdout)",
					},
				},
				Action: exportOPML,
			},
		},
	}
}
