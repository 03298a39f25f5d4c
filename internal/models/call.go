package models

import (
	"time"
)

type CallType string

const (
	AudioCall CallType = "audio"
	VideoCall CallType = "video"
)

// CallStatus is the call-level state machine. ringing -> connecting ->
// connected -> ended, with ringing-only exits to missed, declined, busy and
// failed. Everything except ringing/connecting/connected is terminal.
type CallStatus string

const (
	CallRinging    CallStatus = "ringing"
	CallConnecting CallStatus = "connecting"
	CallConnected  CallStatus = "connected"
	CallEnded      CallStatus = "ended"
	CallMissed     CallStatus = "missed"
	CallDeclined   CallStatus = "declined"
	CallBusy       CallStatus = "busy"
	CallFailed     CallStatus = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallEnded, CallMissed, CallDeclined, CallBusy, CallFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether the call-level transition s -> next is legal.
func (s CallStatus) CanTransitionTo(next CallStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case CallRinging:
		switch next {
		case CallConnecting, CallMissed, CallDeclined, CallBusy, CallFailed:
			return true
		}
	case CallConnecting:
		switch next {
		case CallConnected, CallEnded, CallFailed:
			return true
		}
	case CallConnected:
		switch next {
		case CallEnded, CallFailed:
			return true
		}
	}
	return false
}

// ParticipantStatus is the per-invitee state machine: invited -> ringing ->
// joined -> left, or invited/ringing -> declined | missed.
type ParticipantStatus string

const (
	ParticipantInvited  ParticipantStatus = "invited"
	ParticipantRinging  ParticipantStatus = "ringing"
	ParticipantJoined   ParticipantStatus = "joined"
	ParticipantLeft     ParticipantStatus = "left"
	ParticipantDeclined ParticipantStatus = "declined"
	ParticipantMissed   ParticipantStatus = "missed"
)

func (s ParticipantStatus) Terminal() bool {
	switch s {
	case ParticipantLeft, ParticipantDeclined, ParticipantMissed:
		return true
	}
	return false
}

func (s ParticipantStatus) CanTransitionTo(next ParticipantStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case ParticipantInvited:
		switch next {
		case ParticipantRinging, ParticipantJoined, ParticipantDeclined, ParticipantMissed:
			return true
		}
	case ParticipantRinging:
		switch next {
		case ParticipantJoined, ParticipantDeclined, ParticipantMissed:
			return true
		}
	case ParticipantJoined:
		return next == ParticipantLeft
	}
	return false
}

// CallRecord is the durable call-log row written once a call leaves ringing.
type CallRecord struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	CallID    string     `gorm:"type:varchar(36);uniqueIndex;not null" json:"call_id"`
	ChatID    string     `gorm:"type:varchar(64);not null;index" json:"chat_id"`
	CallerID  uint       `gorm:"not null;index" json:"caller_id"`
	CallType  CallType   `gorm:"type:varchar(10);not null" json:"call_type"`
	Status    CallStatus `gorm:"type:varchar(20);not null" json:"status"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Duration  int        `json:"duration,omitempty"` // seconds, connected time only
}

// CallParticipantRecord is one invitee's row in the call log.
type CallParticipantRecord struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	CallID   string            `gorm:"type:varchar(36);not null;uniqueIndex:idx_call_user" json:"call_id"`
	UserID   uint              `gorm:"not null;uniqueIndex:idx_call_user" json:"user_id"`
	Status   ParticipantStatus `gorm:"type:varchar(20);not null" json:"status"`
	JoinedAt *time.Time        `json:"joined_at,omitempty"`
	LeftAt   *time.Time        `json:"left_at,omitempty"`
}
