package repository

import (
	"github.com/nimbuschat/realtime-backend/internal/models"
	"gorm.io/gorm"
)

type ParticipantRepository struct {
	db *gorm.DB
}

func NewParticipantRepository(db *gorm.DB) *ParticipantRepository {
	return &ParticipantRepository{db: db}
}

func (r *ParticipantRepository) IsParticipant(chatID string, userID uint) (bool, error) {
	var count int64
	err := r.db.Model(&models.ChatParticipant{}).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		Count(&count).Error
	return count > 0, err
}

func (r *ParticipantRepository) Participants(chatID string) ([]uint, error) {
	var ids []uint
	err := r.db.Model(&models.ChatParticipant{}).
		Where("chat_id = ?", chatID).
		Pluck("user_id", &ids).Error
	return ids, err
}

func (r *ParticipantRepository) ChatsForUser(userID uint) ([]string, error) {
	var ids []string
	err := r.db.Model(&models.ChatParticipant{}).
		Where("user_id = ?", userID).
		Pluck("chat_id", &ids).Error
	return ids, err
}
