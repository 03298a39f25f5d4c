package models

import (
	"time"

	"gorm.io/gorm"
)

type MessageType string

const (
	TextMessage  MessageType = "text"
	ImageMessage MessageType = "image"
	FileMessage  MessageType = "file"
)

// DeliveryState is the per-recipient delivery progression. Transitions are
// monotonic (sent -> delivered -> read) except failed, which is terminal and
// reachable only from sent.
type DeliveryState string

const (
	StateSent      DeliveryState = "sent"
	StateDelivered DeliveryState = "delivered"
	StateRead      DeliveryState = "read"
	StateFailed    DeliveryState = "failed"
)

// rank orders the non-terminal states for monotonicity checks.
func (s DeliveryState) rank() int {
	switch s {
	case StateSent:
		return 1
	case StateDelivered:
		return 2
	case StateRead:
		return 3
	}
	return 0
}

// CanAdvanceTo reports whether a transition from s to next is legal.
func (s DeliveryState) CanAdvanceTo(next DeliveryState) bool {
	if next == StateFailed {
		return s == StateSent
	}
	if s == StateFailed {
		return false
	}
	return next.rank() > s.rank()
}

// Min returns the least-advanced of two states. Failed sorts below sent so a
// failed recipient drags the aggregate down.
func (s DeliveryState) Min(other DeliveryState) DeliveryState {
	if other.rank() < s.rank() {
		return other
	}
	return s
}

type Message struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	// Client-side tracking
	ClientID string `gorm:"type:varchar(36);uniqueIndex:idx_client_sender;not null" json:"client_id"` // UUID for deduplication

	SenderID uint   `gorm:"not null;uniqueIndex:idx_client_sender;index" json:"sender_id"`
	ChatID   string `gorm:"type:varchar(64);not null;index" json:"chat_id"`

	Content     string      `gorm:"type:text;not null" json:"content"`
	MessageType MessageType `gorm:"type:varchar(20);default:'text'" json:"message_type"`

	// Sender-visible aggregate status, derived from receipts.
	Status DeliveryState `gorm:"type:varchar(20);default:'sent';index" json:"status"`

	// Version for edit tracking
	Version int `gorm:"default:1" json:"version"`
}

// MessageReceipt tracks one recipient's delivery state for one message.
type MessageReceipt struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	MessageID   uint          `gorm:"not null;uniqueIndex:idx_message_recipient" json:"message_id"`
	ChatID      string        `gorm:"type:varchar(64);not null;index" json:"chat_id"`
	RecipientID uint          `gorm:"not null;uniqueIndex:idx_message_recipient;index" json:"recipient_id"`
	State       DeliveryState `gorm:"type:varchar(20);default:'sent'" json:"state"`
	DeliveredAt *time.Time    `json:"delivered_at"`
	ReadAt      *time.Time    `json:"read_at"`
}

type MessageResponse struct {
	ID          uint          `json:"id"`
	ClientID    string        `json:"client_id"`
	SenderID    uint          `json:"sender_id"`
	ChatID      string        `json:"chat_id"`
	Content     string        `json:"content"`
	MessageType MessageType   `json:"message_type"`
	Status      DeliveryState `json:"status"`
	Version     int           `json:"version"`
	CreatedAt   time.Time     `json:"created_at"`
}

func (m *Message) ToResponse() MessageResponse {
	return MessageResponse{
		ID:          m.ID,
		ClientID:    m.ClientID,
		SenderID:    m.SenderID,
		ChatID:      m.ChatID,
		Content:     m.Content,
		MessageType: m.MessageType,
		Status:      m.Status,
		Version:     m.Version,
		CreatedAt:   m.CreatedAt,
	}
}
