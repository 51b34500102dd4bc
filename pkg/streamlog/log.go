// Package streamlog persists the ordered delta log of each stream so that a
// subscriber without a live connection can replay it.
package streamlog

import (
	"context"
	"errors"
	"time"

	"artifactchat/pkg/delta"
)

// ErrSequence is returned when an appended delta does not follow the last stored Seq.
var ErrSequence = errors.New("delta sequence out of order")

// Log is an append-only, per-stream delta log. Entries are unique on
// (streamID, Seq) and Range returns them in Seq order.
type Log interface {
	Append(ctx context.Context, streamID string, d delta.Delta) error
	Range(ctx context.Context, streamID string, after int64) ([]delta.Delta, error)
	Delete(ctx context.Context, streamIDs ...string) error
}

// Follower is an optional capability of logs that can block until entries
// after a cursor are appended. It returns an empty slice when wait elapses.
type Follower interface {
	Follow(ctx context.Context, streamID string, after int64, wait time.Duration) ([]delta.Delta, error)
}

// StopBus is an optional capability of logs shared between instances: a stop
// request published anywhere reaches every watcher, so the instance running
// the stream can cancel it. WatchStops returns once the watch is established
// and delivers requests until ctx is done.
type StopBus interface {
	PublishStop(ctx context.Context, streamID string) error
	WatchStops(ctx context.Context, fn func(streamID string)) error
}

// Terminated reports whether entries end with a terminal delta.
func Terminated(entries []delta.Delta) bool {
	return len(entries) > 0 && entries[len(entries)-1].Terminal()
}
