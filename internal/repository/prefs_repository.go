package repository

import (
	"errors"

	"github.com/nimbuschat/realtime-backend/internal/models"
	"gorm.io/gorm"
)

type PrefsRepository struct {
	db *gorm.DB
}

func NewPrefsRepository(db *gorm.DB) *PrefsRepository {
	return &PrefsRepository{db: db}
}

// GetPrefs loads a user's mute settings. A user without a row has default
// (unmuted) preferences; that is not an error.
func (r *PrefsRepository) GetPrefs(userID uint) (*models.NotificationPrefs, error) {
	var prefs models.NotificationPrefs
	err := r.db.Preload("MutedChats").
		Where("user_id = ?", userID).
		First(&prefs).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &prefs, nil
}
