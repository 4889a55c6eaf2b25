package database

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"supportchat-ws/internal/domain"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const previewLength = 80

// Open connects to the sqlite file at path and migrates the schema.
func Open(path string, level logger.LogLevel) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	// sqlite allows a single writer; one connection also keeps :memory: databases shared.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Conversation{}, &Participant{}, &Message{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Info().Str("path", path).Msg("database ready")
	return db, nil
}

// Store is the Message Store backed by gorm.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// AppendMessage persists a message, creating its conversation on first use.
func (s *Store) AppendMessage(ctx context.Context, m domain.NewMessage) (domain.Message, error) {
	rec := Message{
		ConversationID: m.RoomID,
		SenderID:       m.SenderID,
		SenderRole:     string(m.SenderRole),
		SenderName:     m.SenderName,
		Body:           m.Body,
		Status:         string(domain.StateSending),
		CreatedAt:      time.Now(),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		owner := m.RecipientID
		if m.SenderRole == domain.RoleUser {
			owner = m.SenderID
		}

		var conv Conversation
		if err := tx.Where(Conversation{ID: m.RoomID}).Attrs(Conversation{UserID: owner}).FirstOrCreate(&conv).Error; err != nil {
			return err
		}

		updates := map[string]interface{}{"updated_at": rec.CreatedAt}
		if conv.UserID == "" && owner != "" {
			updates["user_id"] = owner
		}
		if m.SenderRole == domain.RoleAdmin && conv.AdminID == "" {
			updates["admin_id"] = m.SenderID
		}
		if err := tx.Model(&conv).Updates(updates).Error; err != nil {
			return err
		}

		participants := []Participant{{ConversationID: m.RoomID, UserID: m.SenderID}}
		if m.RecipientID != "" && m.RecipientID != m.SenderID {
			participants = append(participants, Participant{ConversationID: m.RoomID, UserID: m.RecipientID})
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&participants).Error; err != nil {
			return err
		}

		return tx.Create(&rec).Error
	})
	if err != nil {
		return domain.Message{}, fmt.Errorf("failed to append message to %s: %w", m.RoomID, err)
	}
	return rec.toDomain(), nil
}

func (s *Store) GetMessage(ctx context.Context, id uint64) (domain.Message, error) {
	var rec Message
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Message{}, domain.ErrNotFound
		}
		return domain.Message{}, fmt.Errorf("failed to find message: %w", err)
	}
	return rec.toDomain(), nil
}

// ListMessages returns a room's history in ascending id order.
func (s *Store) ListMessages(ctx context.Context, roomID string) ([]domain.Message, error) {
	var recs []Message
	if err := s.db.WithContext(ctx).Where("conversation_id = ?", roomID).Order("id ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	out := make([]domain.Message, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// MarkDelivered moves a message to delivered when its state allows it. changed
// is false when the message had already moved on.
func (s *Store) MarkDelivered(ctx context.Context, id uint64) (bool, error) {
	db := s.db.WithContext(ctx)
	result := db.Model(&Message{}).
		Where("id = ? AND status IN ?", id, states(domain.TransitionSources(domain.StateDelivered))).
		Update("status", string(domain.StateDelivered))
	if err := result.Error; err != nil {
		return false, fmt.Errorf("failed to mark message delivered: %w", err)
	}
	if result.RowsAffected == 0 {
		var n int64
		if err := db.Model(&Message{}).Where("id = ?", id).Count(&n).Error; err != nil {
			return false, fmt.Errorf("failed to find message: %w", err)
		}
		if n == 0 {
			return false, domain.ErrNotFound
		}
		return false, nil
	}
	return true, nil
}

// MarkRead records the first reader of a message. changed is false when it was already read.
func (s *Store) MarkRead(ctx context.Context, id uint64, readerID string, readerRole domain.Role) (domain.Message, bool, error) {
	result := s.db.WithContext(ctx).Model(&Message{}).
		Where("id = ? AND status IN ?", id, states(domain.TransitionSources(domain.StateRead))).
		Updates(map[string]interface{}{
			"status":    string(domain.StateRead),
			"read_by":   string(readerRole),
			"reader_id": readerID,
			"read_at":   time.Now(),
		})
	if err := result.Error; err != nil {
		return domain.Message{}, false, fmt.Errorf("failed to mark message read: %w", err)
	}
	msg, err := s.GetMessage(ctx, id)
	if err != nil {
		return domain.Message{}, false, err
	}
	return msg, result.RowsAffected > 0, nil
}

func states(in []domain.DeliveryState) []string {
	out := make([]string, len(in))
	for i, st := range in {
		out[i] = string(st)
	}
	return out
}

// ListConversationsForUser lists the conversations userID takes part in, most
// recently active first. Unread counts messages from anyone else.
func (s *Store) ListConversationsForUser(ctx context.Context, userID string) ([]domain.ConversationSummary, error) {
	var convs []Conversation
	err := s.db.WithContext(ctx).
		Joins("JOIN conversation_participants ON conversation_participants.conversation_id = conversations.id").
		Where("conversation_participants.user_id = ?", userID).
		Order("conversations.updated_at DESC, conversations.id ASC").
		Find(&convs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return s.summarizeAll(ctx, convs, func(q *gorm.DB) *gorm.DB {
		return q.Where("sender_id <> ?", userID)
	})
}

// ListAllConversations is the admin inbox. Unread counts messages sent by users.
func (s *Store) ListAllConversations(ctx context.Context) ([]domain.ConversationSummary, error) {
	var convs []Conversation
	if err := s.db.WithContext(ctx).Order("updated_at DESC, id ASC").Find(&convs).Error; err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return s.summarizeAll(ctx, convs, fromUsers)
}

func (s *Store) GetConversation(ctx context.Context, id string) (domain.ConversationSummary, error) {
	var conv Conversation
	if err := s.db.WithContext(ctx).First(&conv, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ConversationSummary{}, domain.ErrNotFound
		}
		return domain.ConversationSummary{}, fmt.Errorf("failed to find conversation: %w", err)
	}
	return s.summarize(ctx, conv, fromUsers)
}

func fromUsers(q *gorm.DB) *gorm.DB {
	return q.Where("sender_role = ?", string(domain.RoleUser))
}

func (s *Store) summarizeAll(ctx context.Context, convs []Conversation, unread func(*gorm.DB) *gorm.DB) ([]domain.ConversationSummary, error) {
	out := make([]domain.ConversationSummary, 0, len(convs))
	for _, c := range convs {
		sum, err := s.summarize(ctx, c, unread)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, nil
}

func (s *Store) summarize(ctx context.Context, conv Conversation, unread func(*gorm.DB) *gorm.DB) (domain.ConversationSummary, error) {
	db := s.db.WithContext(ctx)
	sum := domain.ConversationSummary{ID: conv.ID, UserID: conv.UserID, AdminID: conv.AdminID}

	var last []Message
	if err := db.Where("conversation_id = ?", conv.ID).Order("id DESC").Limit(1).Find(&last).Error; err != nil {
		return sum, fmt.Errorf("failed to load last message: %w", err)
	}
	if len(last) == 1 {
		at := last[0].CreatedAt
		sum.LastMessageID = last[0].ID
		sum.LastMessageAt = &at
		sum.LastMessagePreview = preview(last[0].Body)
	}

	var total, pending int64
	if err := db.Model(&Message{}).Where("conversation_id = ?", conv.ID).Count(&total).Error; err != nil {
		return sum, fmt.Errorf("failed to count messages: %w", err)
	}
	q := db.Model(&Message{}).Where("conversation_id = ? AND status <> ?", conv.ID, string(domain.StateRead))
	if err := unread(q).Count(&pending).Error; err != nil {
		return sum, fmt.Errorf("failed to count unread messages: %w", err)
	}
	sum.MessageCount = int(total)
	sum.UnreadCount = int(pending)
	return sum, nil
}

func preview(body string) string {
	if utf8.RuneCountInString(body) <= previewLength {
		return body
	}
	r := []rune(body)
	return string(r[:previewLength]) + "…"
}
