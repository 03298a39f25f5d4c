package repository

import (
	"time"

	"github.com/nimbuschat/realtime-backend/internal/models"
	"gorm.io/gorm"
)

type CallRepository struct {
	db *gorm.DB
}

func NewCallRepository(db *gorm.DB) *CallRepository {
	return &CallRepository{db: db}
}

func (r *CallRepository) CreateCall(rec *models.CallRecord) error {
	return r.db.Create(rec).Error
}

// FinishCall stamps the terminal status, end time and connected duration on
// an existing call row.
func (r *CallRepository) FinishCall(callID string, status models.CallStatus, endedAt time.Time, durationSeconds int) error {
	return r.db.Model(&models.CallRecord{}).
		Where("call_id = ?", callID).
		Updates(map[string]interface{}{
			"status":   status,
			"ended_at": endedAt,
			"duration": durationSeconds,
		}).Error
}

func (r *CallRepository) CreateParticipant(rec *models.CallParticipantRecord) error {
	return r.db.Create(rec).Error
}

func (r *CallRepository) UpdateParticipant(callID string, userID uint, status models.ParticipantStatus, joinedAt, leftAt *time.Time) error {
	updates := map[string]interface{}{"status": status}
	if joinedAt != nil {
		updates["joined_at"] = *joinedAt
	}
	if leftAt != nil {
		updates["left_at"] = *leftAt
	}
	return r.db.Model(&models.CallParticipantRecord{}).
		Where("call_id = ? AND user_id = ?", callID, userID).
		Updates(updates).Error
}
