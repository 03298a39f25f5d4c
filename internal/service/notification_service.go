package service

import (
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/nimbuschat/realtime-backend/internal/models"
	"github.com/nimbuschat/realtime-backend/internal/repository"
)

// PushSender delivers a notification to the external push backend.
type PushSender interface {
	SendPush(recipientID uint, kind models.NotificationKind, payload string) error
}

// EmailSender delivers a notification digest to the external email backend.
type EmailSender interface {
	SendEmail(recipientID uint, kind models.NotificationKind, payload string) error
}

// NotificationService persists notifications for participants with no active
// session and hands them to the external senders. Mute settings are checked
// before anything is written: a muted participant generates no record.
type NotificationService struct {
	notificationRepo repository.NotificationRepositoryInterface
	prefsRepo        repository.PrefsRepositoryInterface
	push             PushSender
	email            EmailSender

	maxRetries int
	baseDelay  time.Duration
	stop       chan struct{}
}

func NewNotificationService(
	notificationRepo repository.NotificationRepositoryInterface,
	prefsRepo repository.PrefsRepositoryInterface,
	push PushSender,
	email EmailSender,
) *NotificationService {
	return &NotificationService{
		notificationRepo: notificationRepo,
		prefsRepo:        prefsRepo,
		push:             push,
		email:            email,
		maxRetries:       5,
		baseDelay:        2 * time.Second,
		stop:             make(chan struct{}),
	}
}

// Notify evaluates mute, persists the record and attempts an immediate
// handoff. Failed handoffs stay queued for the dispatcher.
func (s *NotificationService) Notify(recipientID uint, chatID string, kind models.NotificationKind, payload interface{}) error {
	prefs, err := s.prefsRepo.GetPrefs(recipientID)
	if err != nil {
		return err
	}
	if prefs.Suppresses(chatID, time.Now()) {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	n := &models.Notification{
		NotificationID: uuid.NewString(),
		RecipientID:    recipientID,
		Kind:           kind,
		ChatID:         chatID,
		Payload:        string(body),
	}
	if err := s.notificationRepo.Create(n); err != nil {
		return err
	}

	if err := s.dispatch(n); err != nil {
		log.Printf("notification handoff deferred id=%s recipient=%d: %v", n.NotificationID, recipientID, err)
		next := time.Now().Add(s.baseDelay)
		if merr := s.notificationRepo.MarkAttempted(n.ID, 1, &next); merr != nil {
			log.Printf("notification attempt bookkeeping failed id=%s: %v", n.NotificationID, merr)
		}
		return nil
	}
	return s.notificationRepo.MarkDispatched(n.ID)
}

// dispatch hands one notification to the configured senders.
func (s *NotificationService) dispatch(n *models.Notification) error {
	if s.push != nil {
		if err := s.push.SendPush(n.RecipientID, n.Kind, n.Payload); err != nil {
			return err
		}
	}
	if s.email != nil && n.Kind == models.NotifyMissedCall {
		// Only missed calls escalate to email; message pushes do not.
		if err := s.email.SendEmail(n.RecipientID, n.Kind, n.Payload); err != nil {
			return err
		}
	}
	return nil
}

// StartDispatcher runs the background retry loop: undelivered notifications
// are retried with exponential backoff until the budget runs out, then
// parked for an hour.
func (s *NotificationService) StartDispatcher() {
	go s.dispatcherLoop()
}

func (s *NotificationService) StopDispatcher() {
	close(s.stop)
}

// dispatchedRetention is how long delivered notification rows are kept
// before the hourly sweep prunes them.
const dispatchedRetention = 30 * 24 * time.Hour

// cleanupOnce prunes dispatched rows past the retention window.
func (s *NotificationService) cleanupOnce() {
	if err := s.notificationRepo.CleanupOld(dispatchedRetention); err != nil {
		log.Printf("notification cleanup failed: %v", err)
	}
}

func (s *NotificationService) dispatcherLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	cleanup := time.NewTicker(time.Hour)
	defer cleanup.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-cleanup.C:
			s.cleanupOnce()
			continue
		case <-ticker.C:
		}

		rows, err := s.notificationRepo.GetDispatchable(100)
		if err != nil {
			log.Printf("dispatchable notification fetch failed: %v", err)
			continue
		}

		for i := range rows {
			n := &rows[i]
			if err := s.dispatch(n); err != nil {
				attempts := n.Attempts + 1
				var next time.Time
				if attempts >= s.maxRetries {
					next = time.Now().Add(1 * time.Hour)
				} else {
					next = time.Now().Add(s.baseDelay * time.Duration(1<<uint(attempts)))
				}
				if merr := s.notificationRepo.MarkAttempted(n.ID, attempts, &next); merr != nil {
					log.Printf("notification attempt bookkeeping failed id=%s: %v", n.NotificationID, merr)
				}
				continue
			}
			if err := s.notificationRepo.MarkDispatched(n.ID); err != nil {
				log.Printf("notification dispatch bookkeeping failed id=%s: %v", n.NotificationID, err)
			}
		}
	}
}
