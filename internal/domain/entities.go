package domain

import (
	"strings"
	"time"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// Identity is what the identity provider vouches for on a connection.
type Identity struct {
	UserID      string `json:"user_id"`
	Role        Role   `json:"role"`
	DisplayName string `json:"display_name"`
}

// Validate rejects identities the registry cannot admit.
func (i Identity) Validate() error {
	if strings.TrimSpace(i.UserID) == "" || strings.TrimSpace(i.DisplayName) == "" || !i.Role.Valid() {
		return ErrInvalidIdentity
	}
	return nil
}

type Connection struct {
	ID          string    `json:"connection_id"`
	UserID      string    `json:"user_id"`
	Role        Role      `json:"role"`
	DisplayName string    `json:"display_name"`
	JoinedAt    time.Time `json:"joined_at"`
}

// PresenceEntry is the per-user projection of live connections.
type PresenceEntry struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"userName"`
	Role        Role      `json:"userRole"`
	JoinedAt    time.Time `json:"joinedAt"`
	Connections int       `json:"connections"`
}

type AdminStatusValue string

const (
	StatusOnline  AdminStatusValue = "online"
	StatusBusy    AdminStatusValue = "busy"
	StatusAway    AdminStatusValue = "away"
	StatusOffline AdminStatusValue = "offline"
)

type AdminStatus struct {
	AdminID   string           `json:"adminId"`
	AdminName string           `json:"adminName"`
	Status    AdminStatusValue `json:"status"`
	Message   string           `json:"message,omitempty"`
	ChangedAt time.Time        `json:"timestamp"`
}

type TypingState struct {
	RoomID      string    `json:"chatRoomId"`
	UserID      string    `json:"userId"`
	DisplayName string    `json:"userName"`
	StartedAt   time.Time `json:"startedAt"`
}

type DeliveryState string

const (
	StateSending   DeliveryState = "sending"
	StateDelivered DeliveryState = "delivered"
	StateRead      DeliveryState = "read"
	StateFailed    DeliveryState = "failed"
)

// CanTransition reports whether a message may move from s to next.
func (s DeliveryState) CanTransition(next DeliveryState) bool {
	switch s {
	case StateSending:
		return next == StateDelivered || next == StateRead || next == StateFailed
	case StateDelivered:
		return next == StateRead
	default:
		return false
	}
}

// TransitionSources lists the states allowed to move to next.
func TransitionSources(next DeliveryState) []DeliveryState {
	var out []DeliveryState
	for _, s := range []DeliveryState{StateSending, StateDelivered, StateRead, StateFailed} {
		if s.CanTransition(next) {
			out = append(out, s)
		}
	}
	return out
}

type Message struct {
	ID         uint64        `json:"id"`
	RoomID     string        `json:"chatRoomId"`
	SenderID   string        `json:"senderId"`
	SenderRole Role          `json:"senderRole"`
	SenderName string        `json:"senderName"`
	Body       string        `json:"message"`
	CreatedAt  time.Time     `json:"createdAt"`
	State      DeliveryState `json:"status"`
	ReadBy     Role          `json:"readBy,omitempty"`
	ReaderID   string        `json:"readerId,omitempty"`
	ReadAt     *time.Time    `json:"readAt,omitempty"`
}

// NewMessage is the input to a Message Store append.
type NewMessage struct {
	RoomID      string
	SenderID    string
	SenderRole  Role
	SenderName  string
	Body        string
	RecipientID string
}

type ConversationSummary struct {
	ID                 string     `json:"id"`
	UserID             string     `json:"userId"`
	AdminID            string     `json:"adminId,omitempty"`
	LastMessageID      uint64     `json:"lastMessageId"`
	LastMessageAt      *time.Time `json:"lastMessageAt,omitempty"`
	LastMessagePreview string     `json:"lastMessage,omitempty"`
	UnreadCount        int        `json:"unreadCount"`
	MessageCount       int        `json:"messageCount"`
}
