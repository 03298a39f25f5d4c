package handlers

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/nimbuschat/realtime-backend/internal/handlers/ws"
	"github.com/nimbuschat/realtime-backend/internal/models"
)

// Inert collaborators; the gateway path only needs the router's fan-out.

type stubDirectory struct{}

func (stubDirectory) IsParticipant(chatID string, userID uint) (bool, error) { return true, nil }
func (stubDirectory) Participants(chatID string) ([]uint, error)             { return nil, nil }
func (stubDirectory) ChatsForUser(userID uint) ([]string, error)             { return nil, nil }

type stubStore struct{}

func (stubStore) PersistMessage(msg *models.Message, recipients []uint) error { return nil }
func (stubStore) FindByClientID(clientID string, senderID uint) (*models.Message, error) {
	return nil, nil
}
func (stubStore) FindMessage(messageID uint) (*models.Message, error)     { return nil, nil }
func (stubStore) MarkDelivered(messageID, recipientID uint) (bool, error) { return false, nil }
func (stubStore) MarkRead(messageID, recipientID uint) (bool, error)      { return false, nil }
func (stubStore) ReceiptStates(messageID uint) (map[uint]models.DeliveryState, error) {
	return nil, nil
}
func (stubStore) SetAggregate(messageID uint, state models.DeliveryState) error { return nil }

type stubNotifier struct{}

func (stubNotifier) Notify(recipientID uint, chatID string, kind models.NotificationKind, payload interface{}) error {
	return nil
}

type stubPresence struct{}

func (stubPresence) SetOnline(userID uint) error                      { return nil }
func (stubPresence) SetOffline(userID uint, lastSeen time.Time) error { return nil }
func (stubPresence) Refresh(userID uint) error                        { return nil }

type stubCallLog struct{}

func (stubCallLog) RecordCall(rec *models.CallRecord) error { return nil }
func (stubCallLog) FinishCall(callID string, status models.CallStatus, endedAt time.Time, durationSeconds int) error {
	return nil
}
func (stubCallLog) RecordParticipant(rec *models.CallParticipantRecord) error { return nil }
func (stubCallLog) UpdateParticipant(callID string, userID uint, status models.ParticipantStatus, joinedAt, leftAt *time.Time) error {
	return nil
}

func gatewayApp(t *testing.T) *fiber.App {
	t.Helper()
	cfg := ws.DefaultConfig()
	scheduler := ws.NewScheduler()
	t.Cleanup(scheduler.Stop)
	hub := ws.NewHub(cfg, scheduler)
	router := ws.NewRouter(cfg, hub, scheduler, ws.Deps{
		Directory: stubDirectory{},
		Messages:  stubStore{},
		Notifier:  stubNotifier{},
		Presence:  stubPresence{},
		CallLog:   stubCallLog{},
	})

	app := fiber.New()
	app.Post("/internal/events", NewEventGatewayHandler(router).InjectEvent)
	return app
}

func TestInjectEvent(t *testing.T) {
	app := gatewayApp(t)

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{
			name:       "valid injection",
			body:       `{"event":"MESSAGE_UPDATED","chatId":"grp:1","data":{"messageId":4}}`,
			wantStatus: 202,
		},
		{
			name:       "chat lifecycle event",
			body:       `{"event":"CHAT_UPDATED","chatId":"grp:1","data":{"name":"renamed"}}`,
			wantStatus: 202,
		},
		{
			name:       "client-only event refused",
			body:       `{"event":"MESSAGE_SEND","chatId":"grp:1","data":{}}`,
			wantStatus: 400,
		},
		{
			name:       "missing event",
			body:       `{"chatId":"grp:1","data":{}}`,
			wantStatus: 400,
		},
		{
			name:       "bad chat id",
			body:       `{"event":"MESSAGE_UPDATED","chatId":"has spaces","data":{}}`,
			wantStatus: 400,
		},
		{
			name:       "malformed body",
			body:       `{{{`,
			wantStatus: 400,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/internal/events", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			resp, err := app.Test(req)
			if err != nil {
				t.Fatalf("app.Test: %v", err)
			}
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}
}
