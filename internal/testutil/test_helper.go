package testutil

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/nimbuschat/realtime-backend/internal/models"
	"gorm.io/gorm"
)

// TestHelper provides utility functions for tests
type TestHelper struct {
	t *testing.T
}

func NewTestHelper(t *testing.T) *TestHelper {
	return &TestHelper{t: t}
}

// CreateTestMessage creates a test message with default values
func (h *TestHelper) CreateTestMessage(id uint, senderID uint, chatID string, content string) *models.Message {
	if id == 0 {
		id = 1
	}
	if senderID == 0 {
		senderID = 1
	}
	if chatID == "" {
		chatID = "chat:1"
	}
	if content == "" {
		content = "Test message"
	}

	return &models.Message{
		ID:          id,
		ClientID:    fmt.Sprintf("00000000-0000-0000-0000-%012d", id),
		SenderID:    senderID,
		ChatID:      chatID,
		Content:     content,
		MessageType: models.TextMessage,
		Status:      models.StateSent,
		Version:     1,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
}

// CreateTestReceipt creates a delivery receipt row with default values
func (h *TestHelper) CreateTestReceipt(messageID uint, recipientID uint, state models.DeliveryState) *models.MessageReceipt {
	if messageID == 0 {
		messageID = 1
	}
	if recipientID == 0 {
		recipientID = 2
	}
	if state == "" {
		state = models.StateSent
	}
	return &models.MessageReceipt{
		MessageID:   messageID,
		ChatID:      "chat:1",
		RecipientID: recipientID,
		State:       state,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
}

// SetupTestEnv sets up required environment variables for testing
func (h *TestHelper) SetupTestEnv() {
	os.Setenv("JWT_SECRET", "test-secret-key-for-testing-only")
	os.Setenv("DATABASE_URL", "")
	os.Setenv("INTERNAL_API_KEY", "test-internal-key")
}

// TeardownTestEnv cleans up environment variables after testing
func (h *TestHelper) TeardownTestEnv() {
	os.Unsetenv("JWT_SECRET")
	os.Unsetenv("DATABASE_URL")
	os.Unsetenv("INTERNAL_API_KEY")
}

// AssertError checks if an error occurred when it should (or shouldn't)
func (h *TestHelper) AssertError(err error, shouldErr bool, testName string) {
	if (err != nil) != shouldErr {
		if shouldErr {
			h.t.Errorf("%s: expected error but got nil", testName)
		} else {
			h.t.Errorf("%s: unexpected error: %v", testName, err)
		}
	}
}

// AssertEqual checks if two values are equal
func (h *TestHelper) AssertEqual(got, want interface{}, testName string) {
	if got != want {
		h.t.Errorf("%s: got %v, want %v", testName, got, want)
	}
}

// AssertNotNil checks if a value is not nil
func (h *TestHelper) AssertNotNil(value interface{}, testName string) {
	if value == nil {
		h.t.Errorf("%s: expected non-nil value", testName)
	}
}

// AssertNil checks if a value is nil
func (h *TestHelper) AssertNil(value interface{}, testName string) {
	if value != nil {
		h.t.Errorf("%s: expected nil value but got %v", testName, value)
	}
}

// GetRecordNotFoundError returns an error that mimics gorm.ErrRecordNotFound
func GetRecordNotFoundError() error {
	return gorm.ErrRecordNotFound
}
