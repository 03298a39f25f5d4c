package validation

import (
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var chatIDRe = regexp.MustCompile(`^[a-zA-Z0-9:_-]{1,64}$`)

// ValidChatID accepts the chat identifiers the CRUD tier mints
// (e.g. "p2p:12:34", "grp:550e8400").
func ValidChatID(chatID string) bool {
	return chatIDRe.MatchString(chatID)
}

// ValidClientID requires the client-side dedup key to be a UUID.
func ValidClientID(clientID string) bool {
	_, err := uuid.Parse(clientID)
	return err == nil
}

// MaxContentLength is configurable for deployments with smaller frames.
func MaxContentLength() int {
	maxStr := os.Getenv("MAX_MESSAGE_LENGTH")
	if maxStr == "" {
		return 4096
	}
	max, err := strconv.Atoi(maxStr)
	if err != nil || max <= 0 {
		return 4096
	}
	return max
}

// ValidContent rejects empty or oversized message bodies.
func ValidContent(content string) bool {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return false
	}
	return len(content) <= MaxContentLength()
}
