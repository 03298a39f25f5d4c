package repository

import (
	"time"

	"github.com/nimbuschat/realtime-backend/internal/models"
)

// MessageRepositoryInterface defines the contract for message/receipt
// persistence used by the delivery state machine.
type MessageRepositoryInterface interface {
	Create(message *models.Message, recipients []uint) error
	FindByID(id uint) (*models.Message, error)
	FindByClientID(clientID string, senderID uint) (*models.Message, error)
	MarkDelivered(messageID uint, recipientID uint) (bool, error)
	MarkRead(messageID uint, recipientID uint) (bool, error)
	ReceiptStates(messageID uint) (map[uint]models.DeliveryState, error)
	UpdateAggregateStatus(messageID uint, status models.DeliveryState) error
}

// ParticipantRepositoryInterface is the chat-membership authorization lookup.
type ParticipantRepositoryInterface interface {
	IsParticipant(chatID string, userID uint) (bool, error)
	Participants(chatID string) ([]uint, error)
	ChatsForUser(userID uint) ([]string, error)
}

// NotificationRepositoryInterface defines the offline-notification outbox.
type NotificationRepositoryInterface interface {
	Create(n *models.Notification) error
	GetDispatchable(limit int) ([]models.Notification, error)
	MarkAttempted(id uint, attempts int, nextRetry *time.Time) error
	MarkDispatched(id uint) error
	CleanupOld(olderThan time.Duration) error
}

// PrefsRepositoryInterface loads mute settings for fan-out decisions.
type PrefsRepositoryInterface interface {
	GetPrefs(userID uint) (*models.NotificationPrefs, error)
}

// CallRepositoryInterface defines the durable call-log contract.
type CallRepositoryInterface interface {
	CreateCall(rec *models.CallRecord) error
	FinishCall(callID string, status models.CallStatus, endedAt time.Time, durationSeconds int) error
	CreateParticipant(rec *models.CallParticipantRecord) error
	UpdateParticipant(callID string, userID uint, status models.ParticipantStatus, joinedAt, leftAt *time.Time) error
}
