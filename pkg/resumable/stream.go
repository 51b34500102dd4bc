// Package resumable runs detached production runs of deltas, persists every
// delta before fanning it out, and lets subscribers resume from a cursor.
package resumable

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"artifactchat/pkg/delta"
	"artifactchat/pkg/streamlog"
)

var (
	// ErrProducer marks a production run that failed; its message is carried
	// to subscribers in an error delta.
	ErrProducer = errors.New("producer failed")
	// ErrResumeNotFound means the stream is neither running locally nor has a persisted log.
	ErrResumeNotFound = errors.New("no stream to resume")
	ErrStreamExists   = errors.New("stream already running")
	ErrStreamClosed   = errors.New("stream closed")
	ErrStopped        = errors.New("stream stopped")
	ErrInactive       = errors.New("stream inactive")
	ErrHubClosed      = errors.New("stream hub closed")
	// ErrConversationBusy means the conversation already has a running or reserved stream.
	ErrConversationBusy = errors.New("conversation has an active stream")
	// ErrStopUnsupported means the stream runs elsewhere and the log cannot carry stop requests.
	ErrStopUnsupported = errors.New("remote stop not supported by delta log")
)

type State string

const (
	StatePending   State = "pending"
	StateStreaming State = "streaming"
	StateFinished  State = "finished"
	StateErrored   State = "errored"
)

// Terminal reports whether no more transitions can happen from s.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateErrored
}

// Stream is one production run. Writes are persisted to the log and then
// appended to an in-memory buffer that live subscribers walk with their own
// cursor, so replay and live delivery are the same walk.
type Stream struct {
	id             string
	conversationID string
	log            streamlog.Log

	writeMu sync.Mutex

	mu           sync.Mutex
	deltas       []delta.Delta
	state        State
	failed       bool
	abortErr     error
	notify       chan struct{}
	lastActivity time.Time

	cancel context.CancelCauseFunc
	done   chan struct{}
}

func newStream(id, conversationID string, log streamlog.Log) *Stream {
	return &Stream{
		id:             id,
		conversationID: conversationID,
		log:            log,
		state:          StatePending,
		notify:         make(chan struct{}),
		lastActivity:   time.Now(),
		done:           make(chan struct{}),
	}
}

func (s *Stream) ID() string {
	return s.id
}

func (s *Stream) ConversationID() string {
	return s.conversationID
}

func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Len returns the number of deltas accepted so far.
func (s *Stream) Len() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.deltas))
}

// Done is closed once the production run has ended and its terminal delta was written.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Write implements delta.Sink. It assigns the next Seq, persists the delta,
// and only then makes it visible to subscribers.
func (s *Stream) Write(ctx context.Context, d delta.Delta) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.state.Terminal() || s.abortErr != nil {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	d.Seq = int64(len(s.deltas)) + 1
	s.mu.Unlock()

	if err := s.log.Append(ctx, s.id, d); err != nil {
		return fmt.Errorf("persist delta %d: %w", d.Seq, err)
	}

	s.mu.Lock()
	s.deltas = append(s.deltas, d)
	s.lastActivity = time.Now()
	switch {
	case d.Terminal() && s.failed:
		s.state = StateErrored
	case d.Terminal():
		s.state = StateFinished
	case s.state == StatePending:
		s.state = StateStreaming
	}
	s.broadcastLocked()
	s.mu.Unlock()
	return nil
}

// Subscribe returns a live subscription that first yields deltas after cursor.
func (s *Stream) Subscribe(cursor int64) *LocalSubscription {
	if cursor < 0 {
		cursor = 0
	}
	return &LocalSubscription{stream: s, cursor: cursor}
}

func (s *Stream) markFailed() {
	s.mu.Lock()
	s.failed = true
	s.mu.Unlock()
}

// abort ends the stream without a persisted terminal delta. Subscribers
// receive err once they drain the buffer.
func (s *Stream) abort(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.state = StateErrored
	s.abortErr = err
	s.broadcastLocked()
}

func (s *Stream) idleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity)
}

func (s *Stream) broadcastLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}
