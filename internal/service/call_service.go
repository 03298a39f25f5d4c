package service

import (
	"time"

	"github.com/nimbuschat/realtime-backend/internal/models"
	"github.com/nimbuschat/realtime-backend/internal/repository"
)

// CallService fronts the durable call log for the signaling coordinator.
type CallService struct {
	callRepo repository.CallRepositoryInterface
}

func NewCallService(callRepo repository.CallRepositoryInterface) *CallService {
	return &CallService{callRepo: callRepo}
}

func (s *CallService) RecordCall(rec *models.CallRecord) error {
	return s.callRepo.CreateCall(rec)
}

func (s *CallService) FinishCall(callID string, status models.CallStatus, endedAt time.Time, durationSeconds int) error {
	return s.callRepo.FinishCall(callID, status, endedAt, durationSeconds)
}

func (s *CallService) RecordParticipant(rec *models.CallParticipantRecord) error {
	return s.callRepo.CreateParticipant(rec)
}

func (s *CallService) UpdateParticipant(callID string, userID uint, status models.ParticipantStatus, joinedAt, leftAt *time.Time) error {
	return s.callRepo.UpdateParticipant(callID, userID, status, joinedAt, leftAt)
}
