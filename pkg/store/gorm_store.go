package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"artifactchat/pkg/domain"
)

const migrateLockID int64 = 73217321

// GormStore implements Store using GORM on Postgres or SQLite.
type GormStore struct {
	db       *gorm.DB
	postgres bool
}

// NewGormStore opens the DB and runs auto-migrations. DSNs starting with
// "postgres://", "postgresql://" or containing "host=" select Postgres; anything
// else is treated as a SQLite path.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	isPostgres := isPostgresDSN(dsn)
	var dialector gorm.Dialector
	if isPostgres {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if !isPostgres {
		// SQLite allows one writer; a single connection also keeps :memory: databases shared.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql db: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	s := &GormStore{db: db, postgres: isPostgres}
	migrate := func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&UserModel{},
			&ConversationModel{},
			&MessageModel{},
			&VoteModel{},
			&DocumentModel{},
			&SuggestionModel{},
			&StreamModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}
	if isPostgres {
		err = withMigrationLock(db, migrate)
	} else {
		err = migrate(db)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle so other tables (the delta log) can share it.
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

func isPostgresDSN(dsn string) bool {
	dsn = strings.TrimSpace(dsn)
	return strings.HasPrefix(dsn, "postgres://") ||
		strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=")
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveUser registers or updates a user.
func (s *GormStore) SaveUser(u domain.User) error {
	model := UserModel{ID: u.ID, Email: u.Email, Type: string(u.Type), CreatedAt: time.Now().UTC()}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "type"}),
	}).Create(&model).Error
}

// GetUser returns one user by ID.
func (s *GormStore) GetUser(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return domain.User{ID: model.ID, Email: model.Email, Type: domain.UserType(model.Type)}, true, nil
}

// CreateConversation persists a new conversation.
func (s *GormStore) CreateConversation(c domain.Conversation) error {
	model := conversationToModel(c)
	return s.db.Create(&model).Error
}

// GetConversation returns one conversation by ID.
func (s *GormStore) GetConversation(id string) (domain.Conversation, bool, error) {
	var model ConversationModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, err
	}
	return conversationFromModel(model), true, nil
}

// ListConversationsByUser returns latest conversations of a user.
func (s *GormStore) ListConversationsByUser(userID string, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []ConversationModel
	if err := s.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]domain.Conversation, 0, len(models))
	for _, model := range models {
		items = append(items, conversationFromModel(model))
	}
	return items, nil
}

// UpdateConversationTitle replaces the conversation title.
func (s *GormStore) UpdateConversationTitle(id string, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil
	}
	res := s.db.Model(&ConversationModel{}).Where("id = ?", id).Update("title", title)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversation removes a conversation and everything it owns.
func (s *GormStore) DeleteConversation(id string) ([]string, error) {
	var streamIDs []string
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&StreamModel{}).Where("conversation_id = ?", id).Pluck("id", &streamIDs).Error; err != nil {
			return err
		}
		if err := tx.Delete(&VoteModel{}, "conversation_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&MessageModel{}, "conversation_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&StreamModel{}, "conversation_id = ?", id).Error; err != nil {
			return err
		}
		res := tx.Delete(&ConversationModel{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return streamIDs, nil
}

// AppendMessage records a message.
func (s *GormStore) AppendMessage(msg domain.Message) error {
	model, err := messageToModel(msg)
	if err != nil {
		return err
	}
	return s.db.Create(&model).Error
}

// ListMessages returns the messages of a conversation in chronological order.
func (s *GormStore) ListMessages(conversationID string) ([]domain.Message, error) {
	var models []MessageModel
	if err := s.db.Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for _, model := range models {
		msg, err := messageFromModel(model)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// CountUserMessagesSince counts user-role messages sent by userID after since.
func (s *GormStore) CountUserMessagesSince(userID string, since time.Time) (int, error) {
	var count int64
	if err := s.db.Model(&MessageModel{}).
		Joins("JOIN conversation_models ON conversation_models.id = message_models.conversation_id").
		Where("conversation_models.user_id = ? AND message_models.role = ? AND message_models.created_at >= ?",
			userID, string(domain.RoleUser), since.UTC()).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// SaveVote records or overwrites the vote on a message.
func (s *GormStore) SaveVote(v domain.Vote) error {
	model := VoteModel{ConversationID: v.ConversationID, MessageID: v.MessageID, IsUpvoted: v.IsUpvoted}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "conversation_id"}, {Name: "message_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"is_upvoted"}),
	}).Create(&model).Error
}

// ListVotes returns the votes of a conversation.
func (s *GormStore) ListVotes(conversationID string) ([]domain.Vote, error) {
	var models []VoteModel
	if err := s.db.Where("conversation_id = ?", conversationID).Find(&models).Error; err != nil {
		return nil, err
	}
	votes := make([]domain.Vote, 0, len(models))
	for _, m := range models {
		votes = append(votes, domain.Vote{ConversationID: m.ConversationID, MessageID: m.MessageID, IsUpvoted: m.IsUpvoted})
	}
	return votes, nil
}

// SaveDocument inserts a new version of a document.
func (s *GormStore) SaveDocument(d domain.Document) (domain.Document, error) {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var latest DocumentModel
		err := tx.Where("id = ?", d.ID).Order("created_at DESC").Limit(1).Find(&latest).Error
		if err != nil {
			return err
		}
		candidate := d.CreatedAt
		if candidate.IsZero() {
			candidate = time.Now()
		}
		var last time.Time
		if latest.ID != "" {
			last = latest.CreatedAt.UTC()
		}
		d.CreatedAt = versionTime(candidate, last)
		model := documentToModel(d)
		return tx.Create(&model).Error
	})
	if err != nil {
		return domain.Document{}, fmt.Errorf("save document: %w", err)
	}
	return d, nil
}

// ListDocumentVersions returns all versions of a document, oldest first.
func (s *GormStore) ListDocumentVersions(id string) ([]domain.Document, error) {
	var models []DocumentModel
	if err := s.db.Where("id = ?", id).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	docs := make([]domain.Document, 0, len(models))
	for _, m := range models {
		docs = append(docs, documentFromModel(m))
	}
	return docs, nil
}

// CurrentDocument returns the latest version of a document.
func (s *GormStore) CurrentDocument(id string) (domain.Document, bool, error) {
	var models []DocumentModel
	if err := s.db.Where("id = ?", id).Order("created_at DESC").Limit(1).Find(&models).Error; err != nil {
		return domain.Document{}, false, err
	}
	if len(models) == 0 {
		return domain.Document{}, false, nil
	}
	return documentFromModel(models[0]), true, nil
}

// DeleteDocumentVersionsAfter removes versions (and their suggestions) newer than ts.
func (s *GormStore) DeleteDocumentVersionsAfter(id string, ts time.Time) error {
	ts = ts.UTC()
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&SuggestionModel{}, "document_id = ? AND document_created_at > ?", id, ts).Error; err != nil {
			return err
		}
		return tx.Delete(&DocumentModel{}, "id = ? AND created_at > ?", id, ts).Error
	})
}

// SaveSuggestions inserts suggestions in one batch.
func (s *GormStore) SaveSuggestions(items []domain.Suggestion) error {
	if len(items) == 0 {
		return nil
	}
	models := make([]SuggestionModel, 0, len(items))
	for _, item := range items {
		models = append(models, suggestionToModel(item))
	}
	return s.db.Create(&models).Error
}

// ListSuggestions returns suggestions of a document, oldest first.
func (s *GormStore) ListSuggestions(documentID string) ([]domain.Suggestion, error) {
	var models []SuggestionModel
	if err := s.db.Where("document_id = ?", documentID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Suggestion, 0, len(models))
	for _, m := range models {
		out = append(out, suggestionFromModel(m))
	}
	return out, nil
}

// ResolveSuggestion marks a suggestion resolved. Resolved suggestions stay resolved.
func (s *GormStore) ResolveSuggestion(id string) error {
	res := s.db.Model(&SuggestionModel{}).Where("id = ?", id).Update("is_resolved", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateStreamRecord persists a stream record.
func (s *GormStore) CreateStreamRecord(r domain.StreamRecord) error {
	model := StreamModel{ID: r.ID, ConversationID: r.ConversationID, CreatedAt: r.CreatedAt.UTC()}
	return s.db.Create(&model).Error
}

// ListStreamRecords returns stream records of a conversation created at or
// after since, oldest first.
func (s *GormStore) ListStreamRecords(conversationID string, since time.Time) ([]domain.StreamRecord, error) {
	var models []StreamModel
	if err := s.db.Where("conversation_id = ? AND created_at >= ?", conversationID, since.UTC()).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.StreamRecord, 0, len(models))
	for _, m := range models {
		out = append(out, domain.StreamRecord{ID: m.ID, ConversationID: m.ConversationID, CreatedAt: m.CreatedAt})
	}
	return out, nil
}

// DeleteStreamRecordsBefore removes stream records older than cutoff and returns their ids.
func (s *GormStore) DeleteStreamRecordsBefore(cutoff time.Time) ([]string, error) {
	var ids []string
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&StreamModel{}).Where("created_at < ?", cutoff.UTC()).Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		return tx.Delete(&StreamModel{}, "id IN ?", ids).Error
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func conversationToModel(c domain.Conversation) ConversationModel {
	visibility := c.Visibility
	if visibility == "" {
		visibility = domain.VisibilityPrivate
	}
	return ConversationModel{
		ID:         c.ID,
		UserID:     c.UserID,
		Title:      c.Title,
		Visibility: string(visibility),
		CreatedAt:  c.CreatedAt.UTC(),
	}
}

func conversationFromModel(m ConversationModel) domain.Conversation {
	return domain.Conversation{
		ID:         m.ID,
		UserID:     m.UserID,
		Title:      m.Title,
		Visibility: domain.Visibility(m.Visibility),
		CreatedAt:  m.CreatedAt,
	}
}

func messageToModel(msg domain.Message) (MessageModel, error) {
	parts := msg.Parts
	if parts == nil {
		parts = []domain.Part{}
	}
	rawParts, err := json.Marshal(parts)
	if err != nil {
		return MessageModel{}, fmt.Errorf("encode message parts: %w", err)
	}
	model := MessageModel{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Role:           string(msg.Role),
		Parts:          rawParts,
		CreatedAt:      msg.CreatedAt.UTC(),
	}
	if len(msg.Attachments) > 0 {
		rawAttachments, err := json.Marshal(msg.Attachments)
		if err != nil {
			return MessageModel{}, fmt.Errorf("encode message attachments: %w", err)
		}
		model.Attachments = rawAttachments
	}
	return model, nil
}

func messageFromModel(m MessageModel) (domain.Message, error) {
	msg := domain.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           domain.Role(m.Role),
		CreatedAt:      m.CreatedAt,
	}
	if len(m.Parts) > 0 {
		if err := json.Unmarshal(m.Parts, &msg.Parts); err != nil {
			return domain.Message{}, fmt.Errorf("decode message parts: %w", err)
		}
	}
	if len(m.Attachments) > 0 {
		if err := json.Unmarshal(m.Attachments, &msg.Attachments); err != nil {
			return domain.Message{}, fmt.Errorf("decode message attachments: %w", err)
		}
	}
	return msg, nil
}

func documentToModel(d domain.Document) DocumentModel {
	return DocumentModel{
		ID:        d.ID,
		CreatedAt: d.CreatedAt.UTC(),
		Title:     d.Title,
		Kind:      string(d.Kind),
		Content:   d.Content,
		UserID:    d.UserID,
	}
}

func documentFromModel(m DocumentModel) domain.Document {
	return domain.Document{
		ID:        m.ID,
		Title:     m.Title,
		Kind:      domain.DocumentKind(m.Kind),
		Content:   m.Content,
		UserID:    m.UserID,
		CreatedAt: m.CreatedAt.UTC(),
	}
}

func suggestionToModel(s domain.Suggestion) SuggestionModel {
	return SuggestionModel{
		ID:                s.ID,
		DocumentID:        s.DocumentID,
		DocumentCreatedAt: s.DocumentCreatedAt.UTC(),
		OriginalText:      s.OriginalText,
		SuggestedText:     s.SuggestedText,
		Description:       s.Description,
		IsResolved:        s.IsResolved,
		UserID:            s.UserID,
		CreatedAt:         s.CreatedAt.UTC(),
	}
}

func suggestionFromModel(m SuggestionModel) domain.Suggestion {
	return domain.Suggestion{
		ID:                m.ID,
		DocumentID:        m.DocumentID,
		DocumentCreatedAt: m.DocumentCreatedAt.UTC(),
		OriginalText:      m.OriginalText,
		SuggestedText:     m.SuggestedText,
		Description:       m.Description,
		IsResolved:        m.IsResolved,
		UserID:            m.UserID,
		CreatedAt:         m.CreatedAt,
	}
}
