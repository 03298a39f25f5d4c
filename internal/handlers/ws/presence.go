package ws

import (
	"encoding/json"
	"log"
	"strconv"
	"sync"
	"time"
)

// PresenceTracker owns online/offline transitions and the ephemeral typing
// table. A user is online while the registry holds at least one session;
// typing entries expire on a short TTL when not refreshed.
type PresenceTracker struct {
	router    *Router
	cfg       Config
	scheduler *Scheduler
	directory ParticipantDirectory
	store     PresenceStore

	mu     sync.Mutex
	typing map[string]typingEntry // chatId + ":" + userId
}

type typingEntry struct {
	userID uint
	timer  TimerHandle
}

func NewPresenceTracker(router *Router, cfg Config, scheduler *Scheduler, directory ParticipantDirectory, store PresenceStore) *PresenceTracker {
	return &PresenceTracker{
		router:    router,
		cfg:       cfg,
		scheduler: scheduler,
		directory: directory,
		store:     store,
		typing:    make(map[string]typingEntry),
	}
}

func typingKey(chatID string, userID uint) string {
	return chatID + ":" + strconv.FormatUint(uint64(userID), 10)
}

// UserOnline records the transition and announces it to every room the user
// participates in that currently has subscribers.
func (p *PresenceTracker) UserOnline(userID uint) {
	if err := p.store.SetOnline(userID); err != nil {
		log.Printf("presence cache online update failed user_id=%d: %v", userID, err)
	}
	p.broadcast(userID, EvtUserOnline, PresencePayload{UserID: userID})
}

// Heartbeat extends the user's presence TTL in the shared cache.
func (p *PresenceTracker) Heartbeat(userID uint) {
	if err := p.store.Refresh(userID); err != nil {
		log.Printf("presence cache refresh failed user_id=%d: %v", userID, err)
	}
}

// UserOffline fires only after the last session is evicted.
func (p *PresenceTracker) UserOffline(userID uint, lastSeen time.Time) {
	p.mu.Lock()
	for key, entry := range p.typing {
		if entry.userID == userID {
			entry.timer.Cancel()
			delete(p.typing, key)
		}
	}
	p.mu.Unlock()

	if err := p.store.SetOffline(userID, lastSeen); err != nil {
		log.Printf("presence cache offline update failed user_id=%d: %v", userID, err)
	}
	p.broadcast(userID, EvtUserOffline, PresencePayload{UserID: userID, LastSeen: &lastSeen})
}

// broadcast sends a presence event to the subscribed sessions of every chat
// the user belongs to (presence is ephemeral, never replayed).
func (p *PresenceTracker) broadcast(userID uint, event string, payload PresencePayload) {
	chats, err := p.directory.ChatsForUser(userID)
	if err != nil {
		log.Printf("chat lookup failed for presence user_id=%d: %v", userID, err)
		return
	}
	seen := make(map[uint]bool)
	for _, chatID := range chats {
		for targetID, sessions := range p.router.rooms.SessionsByUser(chatID) {
			if targetID == userID || seen[targetID] {
				continue
			}
			seen[targetID] = true
			p.router.emitSessions(targetID, sessions, event, payload, false)
		}
	}
}

func (p *PresenceTracker) handleTyping(s *Session, env *Envelope, start bool) error {
	var payload TypingPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return NewError(CodeValidation, "malformed typing payload", err.Error())
	}
	if !p.router.rooms.IsSubscribed(payload.ChatID, s.SessionID) {
		return ErrNotParticipant(payload.ChatID)
	}

	if start {
		p.startTyping(payload.ChatID, s.UserID)
	} else {
		p.stopTyping(payload.ChatID, s.UserID)
	}
	return nil
}

// startTyping broadcasts the indicator and (re)arms the TTL. A refresh
// before expiry extends the window; silence is an implicit stop.
func (p *PresenceTracker) startTyping(chatID string, userID uint) {
	key := typingKey(chatID, userID)

	p.mu.Lock()
	prev, refreshing := p.typing[key]
	if refreshing {
		prev.timer.Cancel()
	}
	p.typing[key] = typingEntry{
		userID: userID,
		timer: p.scheduler.Schedule(p.cfg.TypingTTL, func() {
			p.expireTyping(chatID, userID)
		}),
	}
	p.mu.Unlock()

	if !refreshing {
		p.router.EmitToChatEphemeral(chatID, userID, EvtUserTyping, TypingBroadcastPayload{
			ChatID:   chatID,
			UserID:   userID,
			IsTyping: true,
		})
	}
}

// stopTyping clears the indicator explicitly.
func (p *PresenceTracker) stopTyping(chatID string, userID uint) {
	key := typingKey(chatID, userID)

	p.mu.Lock()
	entry, active := p.typing[key]
	if active {
		entry.timer.Cancel()
		delete(p.typing, key)
	}
	p.mu.Unlock()

	if active {
		p.router.EmitToChatEphemeral(chatID, userID, EvtUserTyping, TypingBroadcastPayload{
			ChatID:   chatID,
			UserID:   userID,
			IsTyping: false,
		})
	}
}

func (p *PresenceTracker) expireTyping(chatID string, userID uint) {
	key := typingKey(chatID, userID)

	p.mu.Lock()
	_, active := p.typing[key]
	delete(p.typing, key)
	p.mu.Unlock()

	if active {
		p.router.EmitToChatEphemeral(chatID, userID, EvtUserTyping, TypingBroadcastPayload{
			ChatID:   chatID,
			UserID:   userID,
			IsTyping: false,
		})
	}
}
