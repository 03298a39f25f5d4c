package repository

import (
	"time"

	"github.com/nimbuschat/realtime-backend/internal/models"
	"gorm.io/gorm"
)

type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Create persists the message and one receipt row per recipient in a single
// transaction, so a half-written send never becomes visible.
func (r *MessageRepository) Create(message *models.Message, recipients []uint) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(message).Error; err != nil {
			return err
		}
		for _, recipientID := range recipients {
			receipt := &models.MessageReceipt{
				MessageID:   message.ID,
				ChatID:      message.ChatID,
				RecipientID: recipientID,
				State:       models.StateSent,
			}
			if err := tx.Create(receipt).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *MessageRepository) FindByID(id uint) (*models.Message, error) {
	var message models.Message
	if err := r.db.First(&message, id).Error; err != nil {
		return nil, err
	}
	return &message, nil
}

func (r *MessageRepository) FindByClientID(clientID string, senderID uint) (*models.Message, error) {
	var message models.Message
	err := r.db.Where("client_id = ? AND sender_id = ?", clientID, senderID).
		First(&message).Error
	if err != nil {
		return nil, err
	}
	return &message, nil
}

// MarkDelivered advances one recipient's receipt to delivered. Returns false
// when the receipt had already advanced past sent (monotonic, idempotent).
func (r *MessageRepository) MarkDelivered(messageID uint, recipientID uint) (bool, error) {
	now := time.Now()
	res := r.db.Model(&models.MessageReceipt{}).
		Where("message_id = ? AND recipient_id = ? AND state = ?", messageID, recipientID, models.StateSent).
		Updates(map[string]interface{}{
			"state":        models.StateDelivered,
			"delivered_at": now,
		})
	return res.RowsAffected > 0, res.Error
}

// MarkRead advances one recipient's receipt to read. The guard accepts both
// sent and delivered so a read ack from a device that never reported
// delivery still lands; an already-read receipt is a no-op.
func (r *MessageRepository) MarkRead(messageID uint, recipientID uint) (bool, error) {
	now := time.Now()
	res := r.db.Model(&models.MessageReceipt{}).
		Where("message_id = ? AND recipient_id = ? AND state IN ?", messageID, recipientID,
			[]models.DeliveryState{models.StateSent, models.StateDelivered}).
		Updates(map[string]interface{}{
			"state":   models.StateRead,
			"read_at": now,
		})
	return res.RowsAffected > 0, res.Error
}

func (r *MessageRepository) ReceiptStates(messageID uint) (map[uint]models.DeliveryState, error) {
	var receipts []models.MessageReceipt
	if err := r.db.Where("message_id = ?", messageID).Find(&receipts).Error; err != nil {
		return nil, err
	}
	states := make(map[uint]models.DeliveryState, len(receipts))
	for _, receipt := range receipts {
		states[receipt.RecipientID] = receipt.State
	}
	return states, nil
}

func (r *MessageRepository) UpdateAggregateStatus(messageID uint, status models.DeliveryState) error {
	return r.db.Model(&models.Message{}).
		Where("id = ?", messageID).
		Update("status", status).Error
}
