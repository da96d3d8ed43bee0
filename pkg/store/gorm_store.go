package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"chatforge/pkg/domain"
)

const migrateLockID int64 = 48293771

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
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
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&UserModel{}, &ChatModel{}, &MessageModel{},
			&VoteModel{}, &DocumentModel{}, &SuggestionModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'chat_models'
					AND constraint_name = 'chat_models_user_id_fkey'
				) THEN
					ALTER TABLE chat_models
					ADD CONSTRAINT chat_models_user_id_fkey
					FOREIGN KEY (user_id) REFERENCES user_models(id);
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'message_models'
					AND constraint_name = 'message_models_chat_id_fkey'
				) THEN
					ALTER TABLE message_models
					ADD CONSTRAINT message_models_chat_id_fkey
					FOREIGN KEY (chat_id) REFERENCES chat_models(id);
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure foreign keys: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
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

// fail logs a storage failure with context before returning it wrapped.
// Callers propagate the error unchanged; there is no retry policy.
func fail(op string, err error) error {
	slog.Error("storage failure", "op", op, "err", err)
	return fmt.Errorf("%s: %w", op, err)
}

// EnsureUser inserts the user if the ID is unseen and returns the stored row.
// Concurrent first-requests for the same ID race to insert; ON CONFLICT DO
// NOTHING makes the race harmless.
func (s *GormStore) EnsureUser(u domain.User) (domain.User, error) {
	model := userToModel(u)
	if err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(&model).Error; err != nil {
		return domain.User{}, fail("ensure user", err)
	}
	var stored UserModel
	if err := s.db.First(&stored, "id = ?", u.ID).Error; err != nil {
		return domain.User{}, fail("ensure user reload", err)
	}
	return userFromModel(stored), nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, fail("get user", err)
	}
	return userFromModel(model), true, nil
}

// SaveChat creates a chat record.
func (s *GormStore) SaveChat(c domain.Chat) error {
	model := chatToModel(c)
	if err := s.db.Create(&model).Error; err != nil {
		return fail("save chat", err)
	}
	return nil
}

// GetChatByID returns a chat regardless of owner; ownership masking is the
// application layer's job.
func (s *GormStore) GetChatByID(id string) (domain.Chat, bool, error) {
	var model ChatModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Chat{}, false, nil
		}
		return domain.Chat{}, false, fail("get chat", err)
	}
	return chatFromModel(model), true, nil
}

// ListChatsByUser returns one page of the user's chats, newest first.
// It fetches limit+1 rows and trims so HasMore reflects the row beyond the
// page boundary at query time.
func (s *GormStore) ListChatsByUser(userID string, limit int, startingAfter, endingBefore string) (domain.ChatPage, error) {
	if limit <= 0 {
		limit = 20
	}
	query := s.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit + 1)
	if startingAfter != "" {
		cursor, ok, err := s.GetChatByID(startingAfter)
		if err != nil {
			return domain.ChatPage{}, err
		}
		if !ok {
			return domain.ChatPage{}, ErrCursorNotFound{Cursor: startingAfter}
		}
		query = query.Where("created_at > ?", cursor.CreatedAt)
	} else if endingBefore != "" {
		cursor, ok, err := s.GetChatByID(endingBefore)
		if err != nil {
			return domain.ChatPage{}, err
		}
		if !ok {
			return domain.ChatPage{}, ErrCursorNotFound{Cursor: endingBefore}
		}
		query = query.Where("created_at < ?", cursor.CreatedAt)
	}
	var models []ChatModel
	if err := query.Find(&models).Error; err != nil {
		return domain.ChatPage{}, fail("list chats", err)
	}
	hasMore := len(models) > limit
	if hasMore {
		models = models[:limit]
	}
	chats := make([]domain.Chat, 0, len(models))
	for _, m := range models {
		chats = append(chats, chatFromModel(m))
	}
	return domain.ChatPage{Chats: chats, HasMore: hasMore}, nil
}

// UpdateChatVisibility flips a chat between private and public.
func (s *GormStore) UpdateChatVisibility(id string, visibility domain.ChatVisibility) error {
	if err := s.db.Model(&ChatModel{}).
		Where("id = ?", id).
		Update("visibility", string(visibility)).Error; err != nil {
		return fail("update chat visibility", err)
	}
	return nil
}

// DeleteChat removes the chat with its votes and messages. Cascades are done
// here rather than by the database.
func (s *GormStore) DeleteChat(id string) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&VoteModel{}, "chat_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&MessageModel{}, "chat_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&ChatModel{}, "id = ?", id).Error
	})
	if err != nil {
		return fail("delete chat", err)
	}
	return nil
}

// SaveMessages bulk-inserts messages. No dedup: callers must not double-submit.
func (s *GormStore) SaveMessages(msgs []domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	models := make([]MessageModel, 0, len(msgs))
	for _, msg := range msgs {
		models = append(models, messageToModel(msg))
	}
	if err := s.db.CreateInBatches(&models, 100).Error; err != nil {
		return fail("save messages", err)
	}
	return nil
}

// ListMessagesByChat returns messages in chronological order.
func (s *GormStore) ListMessagesByChat(chatID string) ([]domain.Message, error) {
	var models []MessageModel
	if err := s.db.Where("chat_id = ?", chatID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, fail("list messages", err)
	}
	msgs := make([]domain.Message, 0, len(models))
	for _, model := range models {
		msgs = append(msgs, messageFromModel(model))
	}
	return msgs, nil
}

// GetMessageByID returns a message by ID.
func (s *GormStore) GetMessageByID(id string) (domain.Message, bool, error) {
	var model MessageModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, fail("get message", err)
	}
	return messageFromModel(model), true, nil
}

// DeleteMessagesAfter removes messages with createdAt >= ts and their votes.
// Used by edit-and-regenerate to truncate history.
func (s *GormStore) DeleteMessagesAfter(chatID string, ts time.Time) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&MessageModel{}).
			Where("chat_id = ? AND created_at >= ?", chatID, ts).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Delete(&VoteModel{}, "chat_id = ? AND message_id IN ?", chatID, ids).Error; err != nil {
			return err
		}
		return tx.Delete(&MessageModel{}, "id IN ?", ids).Error
	})
	if err != nil {
		return fail("delete messages after", err)
	}
	return nil
}

// SaveVote upserts a vote keyed by (chat_id, message_id); a second vote
// overwrites the first.
func (s *GormStore) SaveVote(chatID, messageID string, isUpvoted bool) error {
	model := VoteModel{ChatID: chatID, MessageID: messageID, IsUpvoted: isUpvoted}
	if err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chat_id"}, {Name: "message_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"is_upvoted"}),
	}).Create(&model).Error; err != nil {
		return fail("save vote", err)
	}
	return nil
}

// ListVotesByChat returns all votes for a chat.
func (s *GormStore) ListVotesByChat(chatID string) ([]domain.Vote, error) {
	var models []VoteModel
	if err := s.db.Where("chat_id = ?", chatID).Find(&models).Error; err != nil {
		return nil, fail("list votes", err)
	}
	votes := make([]domain.Vote, 0, len(models))
	for _, m := range models {
		votes = append(votes, domain.Vote{ChatID: m.ChatID, MessageID: m.MessageID, IsUpvoted: m.IsUpvoted})
	}
	return votes, nil
}

// SaveDocument inserts a new document revision. Updates never touch prior rows.
func (s *GormStore) SaveDocument(doc domain.Document) error {
	model := documentToModel(doc)
	if err := s.db.Create(&model).Error; err != nil {
		return fail("save document", err)
	}
	return nil
}

// ListDocumentRevisions returns all revisions of a document, oldest first.
func (s *GormStore) ListDocumentRevisions(id string) ([]domain.Document, error) {
	var models []DocumentModel
	if err := s.db.Where("id = ?", id).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, fail("list document revisions", err)
	}
	docs := make([]domain.Document, 0, len(models))
	for _, m := range models {
		docs = append(docs, documentFromModel(m))
	}
	return docs, nil
}

// GetLatestDocument returns the newest revision of a document.
func (s *GormStore) GetLatestDocument(id string) (domain.Document, bool, error) {
	var model DocumentModel
	if err := s.db.Where("id = ?", id).
		Order("created_at DESC").
		First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Document{}, false, nil
		}
		return domain.Document{}, false, fail("get latest document", err)
	}
	return documentFromModel(model), true, nil
}

// DeleteDocumentRevisionsAfter removes revisions with createdAt > ts together
// with their suggestions. Used by revert-to-revision.
func (s *GormStore) DeleteDocumentRevisionsAfter(id string, ts time.Time) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&SuggestionModel{},
			"document_id = ? AND document_created_at > ?", id, ts).Error; err != nil {
			return err
		}
		return tx.Delete(&DocumentModel{}, "id = ? AND created_at > ?", id, ts).Error
	})
	if err != nil {
		return fail("delete document revisions after", err)
	}
	return nil
}

// SaveSuggestions bulk-inserts suggestions.
func (s *GormStore) SaveSuggestions(items []domain.Suggestion) error {
	if len(items) == 0 {
		return nil
	}
	models := make([]SuggestionModel, 0, len(items))
	for _, item := range items {
		models = append(models, suggestionToModel(item))
	}
	if err := s.db.CreateInBatches(&models, 100).Error; err != nil {
		return fail("save suggestions", err)
	}
	return nil
}

// ListSuggestionsByDocument returns suggestions across all revisions of a document.
func (s *GormStore) ListSuggestionsByDocument(documentID string) ([]domain.Suggestion, error) {
	var models []SuggestionModel
	if err := s.db.Where("document_id = ?", documentID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, fail("list suggestions", err)
	}
	items := make([]domain.Suggestion, 0, len(models))
	for _, m := range models {
		items = append(items, suggestionFromModel(m))
	}
	return items, nil
}

func userToModel(u domain.User) UserModel {
	return UserModel{ID: u.ID, Email: u.Email, CreatedAt: u.CreatedAt}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{ID: m.ID, Email: m.Email, CreatedAt: m.CreatedAt}
}

func chatToModel(c domain.Chat) ChatModel {
	visibility := c.Visibility
	if visibility == "" {
		visibility = domain.VisibilityPrivate
	}
	return ChatModel{
		ID:         c.ID,
		UserID:     c.UserID,
		Title:      c.Title,
		Visibility: string(visibility),
		CreatedAt:  c.CreatedAt,
	}
}

func chatFromModel(m ChatModel) domain.Chat {
	return domain.Chat{
		ID:         m.ID,
		UserID:     m.UserID,
		Title:      m.Title,
		Visibility: domain.ChatVisibility(m.Visibility),
		CreatedAt:  m.CreatedAt,
	}
}

func messageToModel(msg domain.Message) MessageModel {
	rawParts, _ := json.Marshal(msg.Parts)
	var rawAttachments []byte
	if len(msg.Attachments) > 0 {
		rawAttachments, _ = json.Marshal(msg.Attachments)
	}
	return MessageModel{
		ID:          msg.ID,
		ChatID:      msg.ChatID,
		Role:        string(msg.Role),
		Parts:       rawParts,
		Attachments: rawAttachments,
		CreatedAt:   msg.CreatedAt,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	var parts []domain.MessagePart
	if len(m.Parts) > 0 {
		_ = json.Unmarshal(m.Parts, &parts)
	}
	var attachments []domain.Attachment
	if len(m.Attachments) > 0 {
		_ = json.Unmarshal(m.Attachments, &attachments)
	}
	return domain.Message{
		ID:          m.ID,
		ChatID:      m.ChatID,
		Role:        domain.MessageRole(m.Role),
		Parts:       parts,
		Attachments: attachments,
		CreatedAt:   m.CreatedAt,
	}
}

func documentToModel(d domain.Document) DocumentModel {
	kind := d.Kind
	if kind == "" {
		kind = domain.KindText
	}
	return DocumentModel{
		ID:        d.ID,
		CreatedAt: d.CreatedAt,
		UserID:    d.UserID,
		Title:     d.Title,
		Kind:      string(kind),
		Content:   d.Content,
	}
}

func documentFromModel(m DocumentModel) domain.Document {
	return domain.Document{
		ID:        m.ID,
		CreatedAt: m.CreatedAt,
		UserID:    m.UserID,
		Title:     m.Title,
		Kind:      domain.DocumentKind(m.Kind),
		Content:   m.Content,
	}
}

func suggestionToModel(s domain.Suggestion) SuggestionModel {
	return SuggestionModel{
		ID:                s.ID,
		DocumentID:        s.DocumentID,
		DocumentCreatedAt: s.DocumentCreatedAt,
		OriginalText:      s.OriginalText,
		SuggestedText:     s.SuggestedText,
		Description:       s.Description,
		IsResolved:        s.IsResolved,
		UserID:            s.UserID,
		CreatedAt:         s.CreatedAt,
	}
}

func suggestionFromModel(m SuggestionModel) domain.Suggestion {
	return domain.Suggestion{
		ID:                m.ID,
		DocumentID:        m.DocumentID,
		DocumentCreatedAt: m.DocumentCreatedAt,
		OriginalText:      m.OriginalText,
		SuggestedText:     m.SuggestedText,
		Description:       m.Description,
		IsResolved:        m.IsResolved,
		UserID:            m.UserID,
		CreatedAt:         m.CreatedAt,
	}
}
