package ws

import (
	"encoding/json"
	"log"

	"github.com/nimbuschat/realtime-backend/internal/models"
	"github.com/nimbuschat/realtime-backend/internal/validation"
)

// DeliveryTracker drives the per-recipient SENT -> DELIVERED -> READ state
// machine and the sender-visible aggregate. All mutations for one chat run
// under that chat's key lock.
type DeliveryTracker struct {
	router    *Router
	directory ParticipantDirectory
	store     MessageStore
	notifier  OfflineNotifier
}

func NewDeliveryTracker(router *Router, directory ParticipantDirectory, store MessageStore, notifier OfflineNotifier) *DeliveryTracker {
	return &DeliveryTracker{
		router:    router,
		directory: directory,
		store:     store,
		notifier:  notifier,
	}
}

func (d *DeliveryTracker) validateChatID(chatID string) error {
	if !validation.ValidChatID(chatID) {
		return NewError(CodeValidation, "invalid chat id", chatID)
	}
	return nil
}

// statusChange is the sender-facing payload for aggregate/per-message status.
type statusChange struct {
	MessageID uint                 `json:"messageId,omitempty"`
	ClientID  string               `json:"clientId,omitempty"`
	ChatID    string               `json:"chatId"`
	Status    models.DeliveryState `json:"status"`
}

type seenPayload struct {
	MessageID uint   `json:"messageId"`
	ChatID    string `json:"chatId"`
	ReaderID  uint   `json:"readerId"`
}

func (d *DeliveryTracker) handleMessageSend(s *Session, env *Envelope) error {
	var p MessageSendPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return NewError(CodeValidation, "malformed MESSAGE_SEND payload", err.Error())
	}
	if err := d.validateChatID(p.ChatID); err != nil {
		return err
	}
	if !validation.ValidContent(p.Content) {
		return NewError(CodeValidation, "invalid message content", "")
	}
	if !validation.ValidClientID(p.ClientID) {
		return NewError(CodeValidation, "invalid client id", p.ClientID)
	}

	ok, err := d.directory.IsParticipant(p.ChatID, s.UserID)
	if err != nil {
		return NewError(CodeTransientIO, "participant lookup failed", err.Error())
	}
	if !ok {
		return ErrNotParticipant(p.ChatID)
	}

	unlock := d.router.locks.Lock(p.ChatID)
	defer unlock()

	// Client resend with a known clientId returns the original ack instead
	// of a duplicate row. A failed lookup must not fall through to persist:
	// the row may exist, and the insert would fail its unique index.
	existing, err := d.store.FindByClientID(p.ClientID, s.UserID)
	if err != nil {
		return NewError(CodeTransientIO, "message lookup failed", err.Error())
	}
	if existing != nil {
		d.router.respond(s, env.RequestID, EvtMessageStatusChanged, statusChange{
			MessageID: existing.ID,
			ClientID:  existing.ClientID,
			ChatID:    existing.ChatID,
			Status:    existing.Status,
		})
		return nil
	}

	participants, err := d.directory.Participants(p.ChatID)
	if err != nil {
		return NewError(CodeTransientIO, "participant lookup failed", err.Error())
	}
	recipients := make([]uint, 0, len(participants))
	for _, id := range participants {
		if id != s.UserID {
			recipients = append(recipients, id)
		}
	}

	msg := &models.Message{
		ClientID:    p.ClientID,
		SenderID:    s.UserID,
		ChatID:      p.ChatID,
		Content:     p.Content,
		MessageType: models.MessageType(p.Type),
		Status:      models.StateSent,
	}
	if msg.MessageType == "" {
		msg.MessageType = models.TextMessage
	}

	// Persist before any fan-out. The store retries transient failures with
	// backoff; past the budget the send surfaces FAILED, never drops.
	if err := d.store.PersistMessage(msg, recipients); err != nil {
		d.router.respond(s, env.RequestID, EvtMessageStatusChanged, statusChange{
			ClientID: p.ClientID,
			ChatID:   p.ChatID,
			Status:   models.StateFailed,
		})
		return NewError(CodeTransientIO, "message persistence failed", err.Error())
	}

	d.router.respond(s, env.RequestID, EvtMessageStatusChanged, statusChange{
		MessageID: msg.ID,
		ClientID:  msg.ClientID,
		ChatID:    msg.ChatID,
		Status:    models.StateSent,
	})

	d.fanOut(msg, recipients)
	return nil
}

// fanOut pushes MESSAGE_RECEIVED to every subscribed session of every other
// participant, marks those recipients delivered, and routes zero-session
// participants to the offline notifier instead.
func (d *DeliveryTracker) fanOut(msg *models.Message, recipients []uint) {
	byUser := d.router.rooms.SessionsByUser(msg.ChatID)
	resp := msg.ToResponse()

	anyDelivered := false
	for _, recipientID := range recipients {
		sessions := byUser[recipientID]
		if len(sessions) > 0 {
			d.router.emitSessions(recipientID, sessions, EvtMessageReceived, resp, true)
			if advanced, err := d.store.MarkDelivered(msg.ID, recipientID); err != nil {
				log.Printf("mark delivered failed message_id=%d recipient=%d: %v", msg.ID, recipientID, err)
			} else if advanced {
				anyDelivered = true
			}
			continue
		}

		if !d.router.hub.IsOnline(recipientID) {
			if err := d.notifier.Notify(recipientID, msg.ChatID, models.NotifyMessage, resp); err != nil {
				log.Printf("offline notify failed recipient=%d message_id=%d: %v", recipientID, msg.ID, err)
			}
		}
	}

	if anyDelivered {
		d.refreshAggregate(msg.ID, msg.ChatID, msg.SenderID)
	}
}

// refreshAggregate recomputes the sender-visible status: the least-advanced
// state among recipients who currently hold an active session. Recipients
// with no session do not hold the aggregate back once someone has received
// the message.
func (d *DeliveryTracker) refreshAggregate(messageID uint, chatID string, senderID uint) {
	states, err := d.store.ReceiptStates(messageID)
	if err != nil {
		log.Printf("receipt lookup failed message_id=%d: %v", messageID, err)
		return
	}

	aggregate := models.StateRead
	sawActive := false
	for recipientID, state := range states {
		if !d.router.hub.IsOnline(recipientID) {
			continue
		}
		sawActive = true
		aggregate = aggregate.Min(state)
	}
	if !sawActive {
		return
	}

	msg, err := d.store.FindMessage(messageID)
	if err != nil || msg == nil {
		return
	}
	if msg.Status == aggregate || !msg.Status.CanAdvanceTo(aggregate) {
		return
	}
	if err := d.store.SetAggregate(messageID, aggregate); err != nil {
		log.Printf("aggregate update failed message_id=%d: %v", messageID, err)
		return
	}

	event := EvtMessageStatusChanged
	if aggregate == models.StateDelivered {
		event = EvtMessageDelivered
	}
	d.router.EmitToUser(senderID, event, statusChange{
		MessageID: messageID,
		ClientID:  msg.ClientID,
		ChatID:    chatID,
		Status:    aggregate,
	})
}

func (d *DeliveryTracker) handleMessageRead(s *Session, env *Envelope) error {
	var p MessageReadPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return NewError(CodeValidation, "malformed MESSAGE_READ payload", err.Error())
	}
	if err := d.validateChatID(p.ChatID); err != nil {
		return err
	}
	if p.MessageID == 0 {
		return NewError(CodeValidation, "missing message id", "")
	}

	unlock := d.router.locks.Lock(p.ChatID)
	defer unlock()

	msg, err := d.store.FindMessage(p.MessageID)
	if err != nil || msg == nil {
		return ErrUnknownMessage(p.MessageID)
	}
	if msg.ChatID != p.ChatID {
		return NewError(CodeValidation, "message does not belong to chat", p.ChatID)
	}

	advanced, err := d.store.MarkRead(p.MessageID, s.UserID)
	if err != nil {
		return NewError(CodeTransientIO, "read receipt update failed", err.Error())
	}

	// Idempotent: a replayed MESSAGE_READ still gets its ack but triggers no
	// second transition and no duplicate broadcast.
	d.router.respond(s, env.RequestID, EvtMessageSeen, seenPayload{
		MessageID: p.MessageID,
		ChatID:    p.ChatID,
		ReaderID:  s.UserID,
	})
	if !advanced {
		return nil
	}

	d.router.EmitToUser(msg.SenderID, EvtMessageSeen, seenPayload{
		MessageID: p.MessageID,
		ChatID:    p.ChatID,
		ReaderID:  s.UserID,
	})
	d.refreshAggregate(p.MessageID, p.ChatID, msg.SenderID)
	return nil
}
