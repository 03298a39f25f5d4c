package models

import (
	"time"
)

type NotificationKind string

const (
	NotifyMessage    NotificationKind = "message"
	NotifyMissedCall NotificationKind = "missed_call"
	NotifyCall       NotificationKind = "incoming_call"
)

// Notification is the durable record handed to the push/email senders for a
// participant with no active session. One row per (event, recipient).
type Notification struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	NotificationID string           `gorm:"type:varchar(36);uniqueIndex;not null" json:"notification_id"`
	RecipientID    uint             `gorm:"not null;index" json:"recipient_id"`
	Kind           NotificationKind `gorm:"type:varchar(20);not null" json:"kind"`
	ChatID         string           `gorm:"type:varchar(64);index" json:"chat_id,omitempty"`
	Payload        string           `gorm:"type:text" json:"payload"` // serialized event body

	// Delivery bookkeeping for the background dispatcher.
	Dispatched  bool       `gorm:"default:false;index" json:"dispatched"`
	Attempts    int        `gorm:"default:0" json:"attempts"`
	NextRetryAt *time.Time `gorm:"index" json:"next_retry_at,omitempty"`
}
