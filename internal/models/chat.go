package models

import (
	"time"
)

// ChatParticipant is the membership row consulted for join/send/call
// authorization. Rows are owned by the CRUD tier; this layer only reads them.
type ChatParticipant struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	ChatID string `gorm:"type:varchar(64);not null;uniqueIndex:idx_chat_user" json:"chat_id"`
	UserID uint   `gorm:"not null;uniqueIndex:idx_chat_user;index" json:"user_id"`
	Role   string `gorm:"type:varchar(20);default:'member'" json:"role"`
}

// NotificationPrefs holds a user's mute configuration. Mute is evaluated
// before fan-out: a suppressed event produces no notification row at all.
type NotificationPrefs struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID     uint       `gorm:"not null;uniqueIndex" json:"user_id"`
	MuteAll    bool       `gorm:"default:false" json:"mute_all"`
	MutedUntil *time.Time `json:"muted_until,omitempty"`

	MutedChats []MutedChat `gorm:"foreignKey:PrefsID" json:"muted_chats,omitempty"`
}

type MutedChat struct {
	ID      uint   `gorm:"primarykey" json:"id"`
	PrefsID uint   `gorm:"not null;index" json:"-"`
	ChatID  string `gorm:"type:varchar(64);not null" json:"chat_id"`
}

// Suppresses reports whether notifications about chatID are muted at the
// given instant.
func (p *NotificationPrefs) Suppresses(chatID string, now time.Time) bool {
	if p == nil {
		return false
	}
	if p.MutedUntil != nil && now.Before(*p.MutedUntil) {
		return true
	}
	if p.MuteAll {
		return true
	}
	for _, mc := range p.MutedChats {
		if mc.ChatID == chatID {
			return true
		}
	}
	return false
}
