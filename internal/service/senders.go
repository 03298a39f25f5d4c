package service

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/nimbuschat/realtime-backend/internal/models"
)

// webhookSender POSTs notification payloads to an external gateway. The push
// and email backends live outside this service; we only hand off.
type webhookSender struct {
	url    string
	apiKey string
}

type webhookBody struct {
	RecipientID uint                    `json:"recipient_id"`
	Kind        models.NotificationKind `json:"kind"`
	Payload     json.RawMessage         `json:"payload"`
	SentAt      time.Time               `json:"sent_at"`
}

func (s *webhookSender) send(recipientID uint, kind models.NotificationKind, payload string) error {
	body, err := json.Marshal(webhookBody{
		RecipientID: recipientID,
		Kind:        kind,
		Payload:     json.RawMessage(payload),
		SentAt:      time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	agent := fiber.AcquireAgent()
	defer fiber.ReleaseAgent(agent)

	req := agent.Request()
	req.Header.SetMethod(fiber.MethodPost)
	req.Header.SetContentType(fiber.MIMEApplicationJSON)
	if s.apiKey != "" {
		req.Header.Set("X-Gateway-Key", s.apiKey)
	}
	req.SetRequestURI(s.url)
	req.SetBody(body)

	if err := agent.Parse(); err != nil {
		return err
	}
	code, _, errs := agent.Timeout(10 * time.Second).Bytes()
	if len(errs) > 0 {
		return errs[0]
	}
	if code < 200 || code > 299 {
		return fmt.Errorf("gateway returned status %d", code)
	}
	return nil
}

func (s *webhookSender) SendPush(recipientID uint, kind models.NotificationKind, payload string) error {
	return s.send(recipientID, kind, payload)
}

func (s *webhookSender) SendEmail(recipientID uint, kind models.NotificationKind, payload string) error {
	return s.send(recipientID, kind, payload)
}

// logSender is the fallback when no gateway is configured. Notifications are
// still persisted; delivery is just logged.
type logSender struct {
	channel string
}

func (s *logSender) SendPush(recipientID uint, kind models.NotificationKind, payload string) error {
	log.Printf("[%s] notification recipient=%d kind=%s (no gateway configured)", s.channel, recipientID, kind)
	return nil
}

func (s *logSender) SendEmail(recipientID uint, kind models.NotificationKind, payload string) error {
	log.Printf("[%s] notification recipient=%d kind=%s (no gateway configured)", s.channel, recipientID, kind)
	return nil
}

// NewPushSenderFromEnv returns a webhook sender when PUSH_GATEWAY_URL is set,
// a log-only sender otherwise.
func NewPushSenderFromEnv() PushSender {
	if url := os.Getenv("PUSH_GATEWAY_URL"); url != "" {
		return &webhookSender{url: url, apiKey: os.Getenv("PUSH_GATEWAY_KEY")}
	}
	return &logSender{channel: "push"}
}

// NewEmailSenderFromEnv returns a webhook sender when EMAIL_GATEWAY_URL is
// set, a log-only sender otherwise.
func NewEmailSenderFromEnv() EmailSender {
	if url := os.Getenv("EMAIL_GATEWAY_URL"); url != "" {
		return &webhookSender{url: url, apiKey: os.Getenv("EMAIL_GATEWAY_KEY")}
	}
	return &logSender{channel: "email"}
}
