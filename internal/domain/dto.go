package domain

import (
	"time"

	"github.com/goccy/go-json"
)

// Client -> core event kinds.
const (
	EventUserJoin     = "user:join"
	EventMessageSend  = "message:send"
	EventTypingStart  = "typing:start"
	EventTypingStop   = "typing:stop"
	EventMessageRead  = "message:read"
	EventAdminStatus  = "admin:status"
	EventPing         = "ping"
	EventPong         = "pong"
	EventError        = "error"
	EventUserJoined   = "user:joined"
	EventUsersOnline  = "users:online"
	EventMsgReceived  = "message:received"
	EventMsgDelivered = "message:delivered"
	EventMsgFailed    = "message:failed"
	EventReadConfirm  = "message:read:confirm"
	EventUserTyping   = "user:typing"
	EventTypingEnded  = "user:typing:stop"
	EventAdminOnline  = "admin:online"
	EventAdminOffline = "admin:offline"
	EventAdminUpdate  = "admin:status:update"
)

// Envelope is the inbound frame; Data is decoded according to Type.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Frame is the outbound frame.
type Frame struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type JoinPayload struct {
	UserID   string `json:"userId" validate:"required,max=128"`
	UserRole Role   `json:"userRole" validate:"required,oneof=user admin"`
	UserName string `json:"userName" validate:"required,max=128"`
}

type SendPayload struct {
	Message     string `json:"message" validate:"max=5000"`
	RecipientID string `json:"recipientId" validate:"omitempty,max=128"`
	ChatRoomID  string `json:"chatRoomId" validate:"required_without=RecipientID,max=256"`
}

type TypingStartPayload struct {
	ChatRoomID string `json:"chatRoomId" validate:"required,max=256"`
	UserName   string `json:"userName" validate:"max=128"`
}

type TypingStopPayload struct {
	ChatRoomID string `json:"chatRoomId" validate:"required,max=256"`
}

type ReadPayload struct {
	MessageID  uint64 `json:"messageId" validate:"required"`
	ChatRoomID string `json:"chatRoomId" validate:"max=256"`
}

type AdminStatusPayload struct {
	Status  AdminStatusValue `json:"status" validate:"required,oneof=online busy away"`
	Message string           `json:"message" validate:"max=280"`
}

type JoinedResponse struct {
	ConnectionID string    `json:"connectionId"`
	UserID       string    `json:"userId"`
	Role         Role      `json:"userRole"`
	Timestamp    time.Time `json:"timestamp"`
}

type DeliveredResponse struct {
	MessageID  uint64    `json:"messageId"`
	ChatRoomID string    `json:"chatRoomId,omitempty"`
	SenderID   string    `json:"senderId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type FailedResponse struct {
	ChatRoomID string    `json:"chatRoomId"`
	Message    string    `json:"message"`
	Error      string    `json:"error"`
	Timestamp  time.Time `json:"timestamp"`
}

type ReadConfirmResponse struct {
	MessageID  uint64    `json:"messageId"`
	ChatRoomID string    `json:"chatRoomId"`
	SenderID   string    `json:"senderId"`
	ReadBy     Role      `json:"readBy"`
	ReaderID   string    `json:"readerId"`
	ReadAt     time.Time `json:"readAt"`
}

type TypingResponse struct {
	ChatRoomID string `json:"chatRoomId"`
	UserID     string `json:"userId"`
	UserName   string `json:"userName,omitempty"`
}

type AdminPresenceResponse struct {
	AdminID   string    `json:"adminId"`
	AdminName string    `json:"adminName"`
	Timestamp time.Time `json:"timestamp"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

type PongResponse struct {
	Timestamp time.Time `json:"timestamp"`
}

// EncodeFrame renders an outbound frame.
func EncodeFrame(kind string, data interface{}) ([]byte, error) {
	return json.Marshal(Frame{Type: kind, Data: data})
}

// DecodeEnvelope parses an inbound frame header; Data stays raw.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
