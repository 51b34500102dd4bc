package resumable

import (
	"context"
	"io"
	"time"

	"artifactchat/pkg/delta"
	"artifactchat/pkg/streamlog"
)

// Subscription yields the deltas of one stream in Seq order. Next returns
// io.EOF after the terminal delta has been delivered.
type Subscription interface {
	Next(ctx context.Context) (delta.Delta, error)
}

// LocalSubscription reads a stream running in this process.
type LocalSubscription struct {
	stream *Stream
	cursor int64
}

func (l *LocalSubscription) Next(ctx context.Context) (delta.Delta, error) {
	s := l.stream
	for {
		s.mu.Lock()
		if l.cursor < int64(len(s.deltas)) {
			d := s.deltas[l.cursor]
			l.cursor++
			s.mu.Unlock()
			return d, nil
		}
		if s.state.Terminal() {
			err := s.abortErr
			s.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return delta.Delta{}, err
		}
		ch := s.notify
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return delta.Delta{}, ctx.Err()
		case <-ch:
		}
	}
}

// logSubscription replays a persisted log and then follows it until a
// terminal delta arrives or nothing is appended for the inactivity window.
type logSubscription struct {
	log        streamlog.Log
	streamID   string
	cursor     int64
	buf        []delta.Delta
	done       bool
	inactivity time.Duration
	poll       time.Duration
	lastSeen   time.Time
}

func (l *logSubscription) Next(ctx context.Context) (delta.Delta, error) {
	for {
		if len(l.buf) > 0 {
			d := l.buf[0]
			l.buf = l.buf[1:]
			l.cursor = d.Seq
			if d.Terminal() {
				l.done = true
			}
			return d, nil
		}
		if l.done {
			return delta.Delta{}, io.EOF
		}
		if time.Since(l.lastSeen) > l.inactivity {
			return delta.Delta{}, ErrInactive
		}
		entries, err := l.fetch(ctx)
		if err != nil {
			return delta.Delta{}, err
		}
		if len(entries) > 0 {
			l.buf = entries
			l.lastSeen = time.Now()
		}
	}
}

func (l *logSubscription) fetch(ctx context.Context) ([]delta.Delta, error) {
	if f, ok := l.log.(streamlog.Follower); ok {
		return f.Follow(ctx, l.streamID, l.cursor, l.poll)
	}
	entries, err := l.log.Range(ctx, l.streamID, l.cursor)
	if err != nil || len(entries) > 0 {
		return entries, err
	}
	timer := time.NewTimer(l.poll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	}
}
