package repository

import (
	"time"

	"github.com/nimbuschat/realtime-backend/internal/models"
	"gorm.io/gorm"
)

type NotificationRepository struct {
	db *gorm.DB
}

func NewNotificationRepository(db *gorm.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create adds a notification row for the background dispatcher.
func (r *NotificationRepository) Create(n *models.Notification) error {
	return r.db.Create(n).Error
}

// GetDispatchable returns undelivered notifications whose retry window has
// arrived, oldest first.
func (r *NotificationRepository) GetDispatchable(limit int) ([]models.Notification, error) {
	var rows []models.Notification
	now := time.Now()
	err := r.db.Where("dispatched = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)", false, now).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// MarkAttempted updates the attempt count and next retry time
func (r *NotificationRepository) MarkAttempted(id uint, attempts int, nextRetry *time.Time) error {
	updates := map[string]interface{}{
		"attempts":      attempts,
		"next_retry_at": nextRetry,
	}
	return r.db.Model(&models.Notification{}).Where("id = ?", id).Updates(updates).Error
}

// MarkDispatched flags a notification as handed off to the sender.
func (r *NotificationRepository) MarkDispatched(id uint) error {
	return r.db.Model(&models.Notification{}).
		Where("id = ?", id).
		Update("dispatched", true).Error
}

// CleanupOld removes dispatched notifications older than the given duration.
func (r *NotificationRepository) CleanupOld(olderThan time.Duration) error {
	cutoff := time.Now().Add(-olderThan)
	return r.db.Where("dispatched = ? AND created_at < ?", true, cutoff).
		Delete(&models.Notification{}).Error
}
