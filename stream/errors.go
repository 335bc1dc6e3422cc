package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrNoConnection is reported when a sync is requested while the network is unreachable.
	ErrNoConnection = errors.New("no network connection")
	// ErrNoTopic is reported when a sync or block is requested with no topic bound.
	ErrNoTopic = errors.New("no topic bound")
	// ErrNothingLoaded is reported when older items are requested for a topic
	// with no items.
	ErrNothingLoaded = errors.New("no items loaded")
	// ErrSyncInProgress is returned when a phase is requested while another is active.
	ErrSyncInProgress = errors.New("sync already in progress")
	// ErrStaleTopic marks a completion that arrived after the topic changed.
	// It is logged, never surfaced to listeners.
	ErrStaleTopic = errors.New("completion for a stale topic ignored")
	// ErrClosed is returned by engine operations after Close.
	ErrClosed = errors.New("engine closed")
)

// RemoteFetchError wraps a failure of the remote API while fetching a topic.
type RemoteFetchError struct {
	Topic string
	Cause error
}

func (e *RemoteFetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Topic, e.Cause)
}

func (e *RemoteFetchError) Unwrap() error {
	return e.Cause
}

// RemoteBlockActionError wraps a failed block or unblock request.
type RemoteBlockActionError struct {
	SiteID  string
	Blocked bool
	Cause   error
}

func (e *RemoteBlockActionError) Error() string {
	action := "unblock"
	if e.Blocked {
		action = "block"
	}
	return fmt.Sprintf("%s site %s: %v", action, e.SiteID, e.Cause)
}

func (e *RemoteBlockActionError) Unwrap() error {
	return e.Cause
}
