// Package registry records which streams belong to a conversation so a
// reconnecting client can find the stream to resume.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"artifactchat/pkg/domain"
)

// ErrRegistration is returned when a stream record cannot be persisted. The
// caller must abort the turn before starting inference.
var ErrRegistration = errors.New("stream registration failed")

const DefaultRetention = 24 * time.Hour

// RecordStore is the persistence the registry needs.
type RecordStore interface {
	CreateStreamRecord(domain.StreamRecord) error
	ListStreamRecords(conversationID string, since time.Time) ([]domain.StreamRecord, error)
	DeleteStreamRecordsBefore(cutoff time.Time) ([]string, error)
}

type Registry struct {
	store     RecordStore
	retention time.Duration
	now       func() time.Time
}

// New returns a registry. A non-positive retention falls back to DefaultRetention.
func New(store RecordStore, retention time.Duration) *Registry {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Registry{store: store, retention: retention, now: time.Now}
}

// Retention returns the recency window for resumption lookups.
func (r *Registry) Retention() time.Duration {
	return r.retention
}

// RecordStreamStart persists a new stream record for conversationID and returns its id.
func (r *Registry) RecordStreamStart(ctx context.Context, conversationID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRegistration, err)
	}
	record := domain.StreamRecord{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		CreatedAt:      r.now().UTC(),
	}
	if err := r.store.CreateStreamRecord(record); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRegistration, err)
	}
	return record.ID, nil
}

// ListStreamIDs returns the stream ids of a conversation inside the retention
// window, oldest first.
func (r *Registry) ListStreamIDs(ctx context.Context, conversationID string) ([]string, error) {
	records, err := r.listRecords(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.ID)
	}
	return ids, nil
}

// LatestStream returns the most recent stream record of a conversation.
func (r *Registry) LatestStream(ctx context.Context, conversationID string) (domain.StreamRecord, bool, error) {
	records, err := r.listRecords(ctx, conversationID)
	if err != nil || len(records) == 0 {
		return domain.StreamRecord{}, false, err
	}
	return records[len(records)-1], true, nil
}

// LatestStreamID returns the most recent stream id of a conversation.
func (r *Registry) LatestStreamID(ctx context.Context, conversationID string) (string, bool, error) {
	rec, ok, err := r.LatestStream(ctx, conversationID)
	return rec.ID, ok, err
}

func (r *Registry) listRecords(ctx context.Context, conversationID string) ([]domain.StreamRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	records, err := r.store.ListStreamRecords(conversationID, r.now().Add(-r.retention))
	if err != nil {
		return nil, fmt.Errorf("list stream records: %w", err)
	}
	return records, nil
}

// Prune deletes records older than the retention window and returns the
// removed stream ids so their logs can be dropped too.
func (r *Registry) Prune(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids, err := r.store.DeleteStreamRecordsBefore(r.now().Add(-r.retention))
	if err != nil {
		return nil, fmt.Errorf("prune stream records: %w", err)
	}
	return ids, nil
}
