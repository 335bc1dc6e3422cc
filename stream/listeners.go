package stream

import (
	"context"

	"github.com/robertmeta/reader-sync/model"
)

// Renderer receives what the stream should currently show.
type Renderer interface {
	Render(rows []Row)
	ShowLoading()
	ShowEmpty()
	ShowError(err error)
}

// SyncListener observes phase lifecycles. SyncEnded is the single terminal
// callback of every phase that was started or refused for lack of a topic or
// connection.
type SyncListener interface {
	SyncStarted(phase Phase)
	SyncEnded(phase Phase, result Result)
}

// BlockListener is told how block and unblock actions resolved.
type BlockListener interface {
	BlockConfirmed(item model.StreamItem, blocked bool)
	BlockFailed(item model.StreamItem, blocked bool, err error)
}

// BlockRemote asks the remote to block or unblock a site for the user.
type BlockRemote interface {
	SetSiteBlocked(ctx context.Context, siteID string, blocked bool) error
}

// Reachability reports whether the network can be used.
type Reachability interface {
	Reachable() bool
}

// ReachabilityFunc adapts a function to Reachability.
type ReachabilityFunc func() bool

// Reachable calls f.
func (f ReachabilityFunc) Reachable() bool { return f() }

// AlwaysReachable treats the network as always available.
var AlwaysReachable Reachability = ReachabilityFunc(func() bool { return true })

type nopRenderer struct{}

func (nopRenderer) Render([]Row)    {}
func (nopRenderer) ShowLoading()    {}
func (nopRenderer) ShowEmpty()      {}
func (nopRenderer) ShowError(error) {}

type nopSyncListener struct{}

func (nopSyncListener) SyncStarted(Phase)       {}
func (nopSyncListener) SyncEnded(Phase, Result) {}

type nopBlockListener struct{}

func (nopBlockListener) BlockConfirmed(model.StreamItem, bool)     {}
func (nopBlockListener) BlockFailed(model.StreamItem, bool, error) {}
