package streamlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"artifactchat/pkg/delta"
)

// DeltaModel is one persisted log entry. Content is kept as text so the
// stored bytes are returned exactly as written.
type DeltaModel struct {
	StreamID  string    `gorm:"primaryKey;size:64"`
	Seq       int64     `gorm:"primaryKey;autoIncrement:false"`
	Type      string    `gorm:"size:32;not null"`
	Content   string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"not null;index"`
}

func (DeltaModel) TableName() string {
	return "stream_deltas"
}

// GormLog implements Log on a relational database.
type GormLog struct {
	db *gorm.DB
}

// NewGormLog migrates the delta table on db.
func NewGormLog(db *gorm.DB) (*GormLog, error) {
	if err := db.AutoMigrate(&DeltaModel{}); err != nil {
		return nil, fmt.Errorf("migrate stream deltas: %w", err)
	}
	return &GormLog{db: db}, nil
}

// Append implements Log.
func (l *GormLog) Append(ctx context.Context, streamID string, d delta.Delta) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last int64
		if err := tx.Model(&DeltaModel{}).
			Where("stream_id = ?", streamID).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&last).Error; err != nil {
			return fmt.Errorf("read last seq: %w", err)
		}
		if d.Seq != last+1 {
			return fmt.Errorf("append seq %d, want %d: %w", d.Seq, last+1, ErrSequence)
		}
		model := DeltaModel{
			StreamID:  streamID,
			Seq:       d.Seq,
			Type:      string(d.Type),
			Content:   string(d.Content),
			CreatedAt: time.Now().UTC(),
		}
		if err := tx.Create(&model).Error; err != nil {
			return fmt.Errorf("insert delta: %w", err)
		}
		return nil
	})
}

// Range implements Log.
func (l *GormLog) Range(ctx context.Context, streamID string, after int64) ([]delta.Delta, error) {
	var models []DeltaModel
	if err := l.db.WithContext(ctx).
		Where("stream_id = ? AND seq > ?", streamID, after).
		Order("seq ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("range deltas: %w", err)
	}
	out := make([]delta.Delta, 0, len(models))
	for _, m := range models {
		d := delta.Delta{Seq: m.Seq, Type: delta.Type(m.Type)}
		if m.Content != "" {
			d.Content = json.RawMessage(m.Content)
		}
		out = append(out, d)
	}
	return out, nil
}

// Delete implements Log.
func (l *GormLog) Delete(ctx context.Context, streamIDs ...string) error {
	if len(streamIDs) == 0 {
		return nil
	}
	if err := l.db.WithContext(ctx).Where("stream_id IN ?", streamIDs).Delete(&DeltaModel{}).Error; err != nil {
		return fmt.Errorf("delete delta logs: %w", err)
	}
	return nil
}
