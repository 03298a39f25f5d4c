package service

import (
	"errors"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/nimbuschat/realtime-backend/internal/models"
	"github.com/nimbuschat/realtime-backend/internal/repository"
)

// MessageService fronts the durable message store for the delivery tracker.
// Persist operations retry transient failures with exponential backoff; past
// the budget the error surfaces so the send can be reported FAILED instead
// of silently dropped.
type MessageService struct {
	messageRepo repository.MessageRepositoryInterface
	maxRetries  int
	baseDelay   time.Duration
}

func NewMessageService(messageRepo repository.MessageRepositoryInterface) *MessageService {
	return &MessageService{
		messageRepo: messageRepo,
		maxRetries:  3,
		baseDelay:   100 * time.Millisecond,
	}
}

// WithRetryPolicy overrides the persistence retry budget (tests shrink it).
func (s *MessageService) WithRetryPolicy(maxRetries int, baseDelay time.Duration) *MessageService {
	s.maxRetries = maxRetries
	s.baseDelay = baseDelay
	return s
}

// PersistMessage writes the message and its receipts, retrying transient
// store failures before giving up.
func (s *MessageService) PersistMessage(msg *models.Message, recipients []uint) error {
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			delay := s.baseDelay * time.Duration(1<<uint(attempt-1))
			log.Printf("retrying message persist client_id=%s attempt=%d delay=%s", msg.ClientID, attempt, delay)
			time.Sleep(delay)
		}
		if err = s.messageRepo.Create(msg, recipients); err == nil {
			return nil
		}
	}
	return err
}

func (s *MessageService) FindMessage(messageID uint) (*models.Message, error) {
	return s.messageRepo.FindByID(messageID)
}

// FindByClientID resolves a client-assigned message id for resend dedup. A
// miss returns (nil, nil); an error always means the store itself failed.
func (s *MessageService) FindByClientID(clientID string, senderID uint) (*models.Message, error) {
	msg, err := s.messageRepo.FindByClientID(clientID, senderID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return msg, err
}

func (s *MessageService) MarkDelivered(messageID uint, recipientID uint) (bool, error) {
	return s.messageRepo.MarkDelivered(messageID, recipientID)
}

func (s *MessageService) MarkRead(messageID uint, recipientID uint) (bool, error) {
	return s.messageRepo.MarkRead(messageID, recipientID)
}

func (s *MessageService) ReceiptStates(messageID uint) (map[uint]models.DeliveryState, error) {
	return s.messageRepo.ReceiptStates(messageID)
}

func (s *MessageService) SetAggregate(messageID uint, state models.DeliveryState) error {
	return s.messageRepo.UpdateAggregateStatus(messageID, state)
}
