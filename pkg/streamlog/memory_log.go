package streamlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"artifactchat/pkg/delta"
)

// MemoryLog keeps delta logs in-process. It is used by tests and by
// single-instance deployments without Redis.
type MemoryLog struct {
	mu      sync.Mutex
	entries map[string][]delta.Delta
	notify  map[string]chan struct{}

	watchMu  sync.Mutex
	watchers map[int]func(string)
	nextID   int
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		entries:  make(map[string][]delta.Delta),
		notify:   make(map[string]chan struct{}),
		watchers: make(map[int]func(string)),
	}
}

// Append implements Log. Seq must be exactly one past the last stored entry.
func (l *MemoryLog) Append(_ context.Context, streamID string, d delta.Delta) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	existing := l.entries[streamID]
	next := int64(len(existing)) + 1
	if d.Seq != next {
		return fmt.Errorf("append seq %d, want %d: %w", d.Seq, next, ErrSequence)
	}
	l.entries[streamID] = append(existing, d)
	if ch, ok := l.notify[streamID]; ok {
		close(ch)
		delete(l.notify, streamID)
	}
	return nil
}

// Range implements Log.
func (l *MemoryLog) Range(_ context.Context, streamID string, after int64) ([]delta.Delta, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rangeLocked(streamID, after), nil
}

// Follow implements Follower.
func (l *MemoryLog) Follow(ctx context.Context, streamID string, after int64, wait time.Duration) ([]delta.Delta, error) {
	l.mu.Lock()
	out := l.rangeLocked(streamID, after)
	if len(out) > 0 || wait <= 0 {
		l.mu.Unlock()
		return out, nil
	}
	ch, ok := l.notify[streamID]
	if !ok {
		ch = make(chan struct{})
		l.notify[streamID] = ch
	}
	l.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case <-ch:
	}
	return l.Range(ctx, streamID, after)
}

// Delete implements Log.
func (l *MemoryLog) Delete(_ context.Context, streamIDs ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range streamIDs {
		delete(l.entries, id)
	}
	return nil
}

// PublishStop implements StopBus.
func (l *MemoryLog) PublishStop(_ context.Context, streamID string) error {
	l.watchMu.Lock()
	fns := make([]func(string), 0, len(l.watchers))
	for _, fn := range l.watchers {
		fns = append(fns, fn)
	}
	l.watchMu.Unlock()
	for _, fn := range fns {
		fn(streamID)
	}
	return nil
}

// WatchStops implements StopBus.
func (l *MemoryLog) WatchStops(ctx context.Context, fn func(streamID string)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.watchMu.Lock()
	id := l.nextID
	l.nextID++
	l.watchers[id] = fn
	l.watchMu.Unlock()
	context.AfterFunc(ctx, func() {
		l.watchMu.Lock()
		delete(l.watchers, id)
		l.watchMu.Unlock()
	})
	return nil
}

func (l *MemoryLog) rangeLocked(streamID string, after int64) []delta.Delta {
	existing := l.entries[streamID]
	if after < 0 {
		after = 0
	}
	if after >= int64(len(existing)) {
		return nil
	}
	out := make([]delta.Delta, len(existing)-int(after))
	copy(out, existing[after:])
	return out
}
