package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"artifactchat/pkg/delta"
	"artifactchat/pkg/domain"
	"artifactchat/pkg/resumable"
	"artifactchat/pkg/streamlog"
)

// restoreWindow bounds how old the last assistant message may be for a
// resume without a delta log to re-send it.
const restoreWindow = 15 * time.Second

// ResumeStream returns the deltas after cursor of the conversation's most
// recent stream. It returns resumable.ErrResumeNotFound when there is nothing
// to resume.
func (a *App) ResumeStream(ctx context.Context, user domain.User, conversationID string, cursor int64) (resumable.Subscription, error) {
	conversation, err := a.readableConversation(user, conversationID)
	if err != nil {
		return nil, err
	}
	rec, ok, err := a.streams.LatestStream(ctx, conversation.ID)
	if err != nil {
		return nil, fmt.Errorf("lookup stream: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", conversation.ID, resumable.ErrResumeNotFound)
	}
	sub, err := a.hub.Resume(ctx, rec.ID, cursor)
	if !errors.Is(err, resumable.ErrResumeNotFound) {
		return sub, err
	}

	// The log is empty: the run either finished and its log is gone, or it
	// was registered by another instance and has not persisted a delta yet.
	last, hasReply := a.replyAfter(conversation.ID, rec)
	if hasReply {
		if restored, ok := a.restoreMessage(last); ok {
			return restored, nil
		}
		return nil, err
	}
	if a.now().Sub(rec.CreatedAt) <= a.hub.InactivityTimeout() {
		return a.hub.Follow(rec.ID, cursor), nil
	}
	return nil, err
}

// replyAfter returns the conversation's last message when it is an assistant
// reply saved after rec started, which means the run has ended.
func (a *App) replyAfter(conversationID string, rec domain.StreamRecord) (domain.Message, bool) {
	messages, err := a.store.ListMessages(conversationID)
	if err != nil || len(messages) == 0 {
		return domain.Message{}, false
	}
	last := messages[len(messages)-1]
	if last.Role != domain.RoleAssistant || last.CreatedAt.Before(rec.CreatedAt) {
		return domain.Message{}, false
	}
	return last, true
}

// restoreMessage sends a fresh assistant message back whole as an
// append-message delta.
func (a *App) restoreMessage(last domain.Message) (resumable.Subscription, bool) {
	if a.now().Sub(last.CreatedAt) > restoreWindow {
		return nil, false
	}
	d, err := delta.New(delta.TypeAppendMessage, last)
	if err != nil {
		return nil, false
	}
	return &staticSubscription{deltas: []delta.Delta{d}}, true
}

// StopStream cancels the conversation's running turn, here or on the instance
// running it. The turn is finalized as errored.
func (a *App) StopStream(ctx context.Context, user domain.User, conversationID string) error {
	conversation, err := a.ownedConversation(user, conversationID)
	if err != nil {
		return err
	}
	if s, ok := a.hub.ActiveStream(conversation.ID); ok {
		return a.hub.Stop(s.ID())
	}
	rec, ok, err := a.streams.LatestStream(ctx, conversation.ID)
	if err != nil {
		return fmt.Errorf("lookup stream: %w", err)
	}
	if !ok {
		return nil
	}
	if _, local := a.hub.Lookup(rec.ID); local {
		return a.hub.Stop(rec.ID)
	}
	if _, ended := a.replyAfter(conversation.ID, rec); ended {
		return nil
	}
	entries, err := a.log.Range(ctx, rec.ID, 0)
	if err != nil {
		return fmt.Errorf("read delta log: %w", err)
	}
	if streamlog.Terminated(entries) {
		return nil
	}
	if len(entries) == 0 && a.now().Sub(rec.CreatedAt) > a.hub.InactivityTimeout() {
		return nil
	}
	err = a.hub.StopRemote(ctx, rec.ID)
	if errors.Is(err, resumable.ErrStopUnsupported) {
		return ErrStopUnavailable
	}
	return err
}

// PruneStreams removes stream records and delta logs older than the retention window.
func (a *App) PruneStreams(ctx context.Context) (int, error) {
	ids, err := a.streams.Prune(ctx)
	if err != nil {
		return 0, err
	}
	if err := a.log.Delete(ctx, ids...); err != nil {
		return len(ids), fmt.Errorf("delete delta logs: %w", err)
	}
	return len(ids), nil
}

// RunPruner calls PruneStreams every interval until ctx is done.
func (a *App) RunPruner(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := a.PruneStreams(ctx)
			if err != nil {
				a.logger.Warn("prune streams failed", "err", err)
				continue
			}
			if n > 0 {
				a.logger.Info("pruned streams", "count", n)
			}
		}
	}
}

// staticSubscription yields a fixed list of deltas.
type staticSubscription struct {
	deltas []delta.Delta
}

func (s *staticSubscription) Next(ctx context.Context) (delta.Delta, error) {
	if err := ctx.Err(); err != nil {
		return delta.Delta{}, err
	}
	if len(s.deltas) == 0 {
		return delta.Delta{}, io.EOF
	}
	d := s.deltas[0]
	s.deltas = s.deltas[1:]
	return d, nil
}
