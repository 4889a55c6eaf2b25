package database

import (
	"time"

	"supportchat-ws/internal/domain"
)

// Conversation is one chat room with persisted history.
type Conversation struct {
	ID        string `gorm:"primarykey;size:255"`
	UserID    string `gorm:"size:128;index"`
	AdminID   string `gorm:"size:128;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Conversation) TableName() string {
	return "conversations"
}

// Participant links a user id to a conversation it takes part in.
type Participant struct {
	ConversationID string `gorm:"primarykey;size:255"`
	UserID         string `gorm:"primarykey;size:128;index"`
	CreatedAt      time.Time
}

func (Participant) TableName() string {
	return "conversation_participants"
}

type Message struct {
	ID             uint64     `gorm:"primarykey;autoIncrement"`
	ConversationID string     `gorm:"size:255;index;not null"`
	SenderID       string     `gorm:"size:128;not null"`
	SenderRole     string     `gorm:"size:16;not null"`
	SenderName     string     `gorm:"size:255"`
	Body           string     `gorm:"size:5000;not null"`
	Status         string     `gorm:"size:16;not null;default:sending;index"`
	ReadBy         string     `gorm:"size:16"`
	ReaderID       string     `gorm:"size:128"`
	ReadAt         *time.Time
	CreatedAt      time.Time
}

func (Message) TableName() string {
	return "messages"
}

func (m Message) toDomain() domain.Message {
	return domain.Message{
		ID:         m.ID,
		RoomID:     m.ConversationID,
		SenderID:   m.SenderID,
		SenderRole: domain.Role(m.SenderRole),
		SenderName: m.SenderName,
		Body:       m.Body,
		CreatedAt:  m.CreatedAt,
		State:      domain.DeliveryState(m.Status),
		ReadBy:     domain.Role(m.ReadBy),
		ReaderID:   m.ReaderID,
		ReadAt:     m.ReadAt,
	}
}
