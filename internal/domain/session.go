package domain

import "time"

// Relay event kinds carried between coordinator instances.
const (
	RelayMessage     = "message"
	RelayReadReceipt = "read_receipt"
	RelayDelivered   = "delivered"
	RelayPresence    = "presence"
)

// PresenceEvent records a connection joining or leaving an instance.
type PresenceEvent struct {
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id"`
	UserRole     Role      `json:"user_role"`
	UserName     string    `json:"user_name"`
	Action       string    `json:"action"` // join/leave
	Connections  int       `json:"connections"`
	Timestamp    time.Time `json:"timestamp"`
}

// RelayEvent is what one instance publishes so the others can fan out locally.
type RelayEvent struct {
	Kind      string               `json:"kind"`
	Origin    string               `json:"origin"`
	Message   *Message             `json:"message,omitempty"`
	Receipt   *ReadConfirmResponse `json:"receipt,omitempty"`
	Delivered *DeliveredResponse   `json:"delivered,omitempty"`
	Presence  *PresenceEvent       `json:"presence,omitempty"`
}
