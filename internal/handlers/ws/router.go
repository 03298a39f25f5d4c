package ws

import (
	"encoding/json"
	"log"
	"strconv"
	"time"

	"github.com/gofiber/websocket/v2"

	"github.com/nimbuschat/realtime-backend/internal/models"
)

// ParticipantDirectory is the external chat-membership collaborator used for
// join/send/call authorization.
type ParticipantDirectory interface {
	IsParticipant(chatID string, userID uint) (bool, error)
	Participants(chatID string) ([]uint, error)
	ChatsForUser(userID uint) ([]string, error)
}

// MessageStore is the durable message/receipt collaborator. FindByClientID
// returns (nil, nil) on a miss; its error always means the store failed.
type MessageStore interface {
	PersistMessage(msg *models.Message, recipients []uint) error
	FindByClientID(clientID string, senderID uint) (*models.Message, error)
	FindMessage(messageID uint) (*models.Message, error)
	MarkDelivered(messageID uint, recipientID uint) (bool, error)
	MarkRead(messageID uint, recipientID uint) (bool, error)
	ReceiptStates(messageID uint) (map[uint]models.DeliveryState, error)
	SetAggregate(messageID uint, state models.DeliveryState) error
}

// OfflineNotifier persists a notification and hands off to the push/email
// senders; it evaluates mute settings before writing anything.
type OfflineNotifier interface {
	Notify(recipientID uint, chatID string, kind models.NotificationKind, payload interface{}) error
}

// PresenceStore records online flags and lastSeen in the shared cache.
type PresenceStore interface {
	SetOnline(userID uint) error
	SetOffline(userID uint, lastSeen time.Time) error
	Refresh(userID uint) error
}

// CallLog is the durable call-history collaborator.
type CallLog interface {
	RecordCall(rec *models.CallRecord) error
	FinishCall(callID string, status models.CallStatus, endedAt time.Time, durationSeconds int) error
	RecordParticipant(rec *models.CallParticipantRecord) error
	UpdateParticipant(callID string, userID uint, status models.ParticipantStatus, joinedAt, leftAt *time.Time) error
}

// Router is the single dispatch point for inbound envelopes. It owns the
// per-key serialization discipline and stamps every state-carrying outbound
// event with the recipient's next sequence number before it reaches the
// replay buffer and the wire.
type Router struct {
	cfg    Config
	hub    *Hub
	rooms  *RoomTable
	replay *ReplayBuffer
	locks  *KeyLock

	// seqLocks serializes sequence allocation with the replay append per
	// user, so concurrent emitters from unrelated keys cannot interleave and
	// record entries out of seq order. A separate KeyLock instance: emits run
	// under a chat/call stripe of r.locks, and sharing stripes between the
	// two would self-deadlock on collision.
	seqLocks *KeyLock

	delivery *DeliveryTracker
	calls    *CallCoordinator
	presence *PresenceTracker
}

// Deps bundles the collaborators main wires in.
type Deps struct {
	Directory ParticipantDirectory
	Messages  MessageStore
	Notifier  OfflineNotifier
	Presence  PresenceStore
	CallLog   CallLog
}

func NewRouter(cfg Config, hub *Hub, scheduler *Scheduler, deps Deps) *Router {
	r := &Router{
		cfg:      cfg,
		hub:      hub,
		rooms:    NewRoomTable(),
		replay:   NewReplayBuffer(cfg.ReplayCapacity, cfg.ReplayHorizon),
		locks:    NewKeyLock(),
		seqLocks: NewKeyLock(),
	}
	r.delivery = NewDeliveryTracker(r, deps.Directory, deps.Messages, deps.Notifier)
	r.calls = NewCallCoordinator(r, cfg, scheduler, deps.Directory, deps.Notifier, deps.CallLog)
	r.presence = NewPresenceTracker(r, cfg, scheduler, deps.Directory, deps.Presence)

	hub.OnSessionClosed = func(s *Session) {
		r.rooms.DropSession(s.SessionID)
		r.calls.sessionClosed(s)
	}
	hub.OnUserOffline = func(userID uint, lastSeen time.Time) {
		r.calls.userOffline(userID)
		r.presence.UserOffline(userID, lastSeen)
		if r.cfg.ReplayHorizon > 0 {
			// Past the horizon nothing is replayable anyway; reconnecting
			// before then keeps the buffer.
			scheduler.Schedule(r.cfg.ReplayHorizon, func() {
				if !hub.IsOnline(userID) {
					r.replay.Drop(userID)
				}
			})
		}
	}
	return r
}

// Rooms exposes the subscription table to the handshake/gateway layer.
func (r *Router) Rooms() *RoomTable { return r.rooms }

// Presence exposes the presence tracker to the handshake layer.
func (r *Router) Presence() *PresenceTracker { return r.presence }

// Acknowledge sends the CONNECTION_ACK that completes the handshake. It
// carries the highest sequence number already issued to the user so the
// client can decide whether to request a replay.
func (r *Router) Acknowledge(s *Session) {
	r.respond(s, "", EvtConnectionAck, &ConnectionAckPayload{
		SessionID: s.SessionID,
		UserID:    s.UserID,
		LastSeq:   r.hub.CurrentSeq(s.UserID),
	})
}

// HandleFrame processes one inbound frame. The returned error, if any, is a
// *Error already surfaced to the client; callers use it for strike counting.
func (r *Router) HandleFrame(s *Session, frameType int, raw []byte) *Error {
	if frameType == websocket.BinaryMessage {
		inflated, err := DecompressFrame(raw)
		if err != nil {
			return r.fail(s, "", NewError(CodeValidation, "failed to decompress frame", err.Error()))
		}
		raw = inflated
	}

	env, err := ParseEnvelope(raw)
	if err != nil {
		return r.fail(s, "", AsError(err))
	}

	s.touchPong() // any inbound frame counts as liveness

	var herr error
	switch env.Event {
	case EvtPing:
		herr = r.handlePing(s, env)
	case EvtReconnect:
		herr = r.handleReconnect(s, env)
	case EvtJoinChat:
		herr = r.handleJoinChat(s, env)
	case EvtLeaveChat:
		herr = r.handleLeaveChat(s, env)
	case EvtTypingStart:
		herr = r.presence.handleTyping(s, env, true)
	case EvtTypingStop:
		herr = r.presence.handleTyping(s, env, false)
	case EvtMessageSend:
		herr = r.delivery.handleMessageSend(s, env)
	case EvtMessageRead:
		herr = r.delivery.handleMessageRead(s, env)
	case EvtCallInitiate:
		herr = r.calls.handleInitiate(s, env)
	case EvtCallAnswer:
		herr = r.calls.handleAnswer(s, env)
	case EvtCallDecline:
		herr = r.calls.handleDecline(s, env)
	case EvtCallEnd:
		herr = r.calls.handleEnd(s, env)
	case EvtCallMediaUpdate:
		herr = r.calls.handleMediaUpdate(s, env)
	case EvtWebRTCOffer:
		herr = r.calls.handleRelay(s, env, EvtWebRTCOfferReceived)
	case EvtWebRTCAnswer:
		herr = r.calls.handleRelay(s, env, EvtWebRTCAnswerReceived)
	case EvtWebRTCICECandidate:
		herr = r.calls.handleRelay(s, env, EvtWebRTCICEReceived)
	default:
		herr = NewError(CodeValidation, "unknown event", env.Event)
	}

	if herr != nil {
		return r.fail(s, env.RequestID, AsError(herr))
	}
	return nil
}

// fail surfaces an error as an ERROR event and returns it for the read
// loop's strike counter. Malformed input is never silently dropped.
func (r *Router) fail(s *Session, requestID string, werr *Error) *Error {
	r.respond(s, requestID, EvtError, werr)
	return werr
}

func (r *Router) handlePing(s *Session, env *Envelope) error {
	var p PingPayload
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return NewError(CodeValidation, "malformed PING payload", err.Error())
		}
	}
	r.presence.Heartbeat(s.UserID)
	r.respond(s, env.RequestID, EvtPong, PongPayload{SentAt: p.SentAt})
	return nil
}

func (r *Router) handleReconnect(s *Session, env *Envelope) error {
	var p ReconnectPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return NewError(CodeValidation, "malformed RECONNECT payload", err.Error())
	}

	entries, retained := r.replay.Since(s.UserID, p.LastEventID)
	fullResync := !retained
	if retained && len(entries) == 0 && p.LastEventID < r.hub.CurrentSeq(s.UserID) {
		// Events were issued past the client's cursor but already evicted.
		fullResync = true
	}
	if fullResync {
		entries = nil
	}
	r.respond(s, env.RequestID, EvtSyncMissedEvents, SyncMissedEventsPayload{
		Events:     entries,
		FullResync: fullResync,
	})
	return nil
}

func (r *Router) handleJoinChat(s *Session, env *Envelope) error {
	var p JoinChatPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return NewError(CodeValidation, "malformed JOIN_CHAT payload", err.Error())
	}
	if err := r.delivery.validateChatID(p.ChatID); err != nil {
		return err
	}

	ok, err := r.delivery.directory.IsParticipant(p.ChatID, s.UserID)
	if err != nil {
		return NewError(CodeTransientIO, "participant lookup failed", err.Error())
	}
	if !ok {
		return ErrNotParticipant(p.ChatID)
	}

	r.rooms.Subscribe(p.ChatID, s)
	r.respond(s, env.RequestID, EvtJoinChat, map[string]interface{}{"chatId": p.ChatID, "success": true})
	return nil
}

func (r *Router) handleLeaveChat(s *Session, env *Envelope) error {
	var p LeaveChatPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return NewError(CodeValidation, "malformed LEAVE_CHAT payload", err.Error())
	}
	r.rooms.Unsubscribe(p.ChatID, s.SessionID)
	r.presence.stopTyping(p.ChatID, s.UserID)
	r.respond(s, env.RequestID, EvtLeaveChat, map[string]interface{}{"chatId": p.ChatID, "success": true})
	return nil
}

// respond writes a direct reply to one session. Direct replies (acks, PONG,
// ERROR, SYNC_MISSED_EVENTS) carry no sequence number and are not replayed.
func (r *Router) respond(s *Session, requestID string, event string, data interface{}) {
	env, err := NewEnvelope(event, data)
	if err != nil {
		log.Printf("failed to build %s response: %v", event, err)
		return
	}
	env.RequestID = requestID
	_ = r.hub.WriteEnvelope(s, env)
}

// emitSessions stamps one per-user sequence number, records the event for
// replay when record is set, and writes it to the given sessions (which must
// all belong to userID).
func (r *Router) emitSessions(userID uint, sessions []*Session, event string, data interface{}, record bool) {
	raw, err := json.Marshal(data)
	if err != nil {
		log.Printf("failed to marshal %s payload: %v", event, err)
		return
	}

	env := &Envelope{
		Event:     event,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}
	if record {
		unlock := r.seqLocks.Lock(strconv.FormatUint(uint64(userID), 10))
		env.Seq = r.hub.NextSeq(userID)
		r.replay.Record(userID, env.Seq, event, raw, env.Timestamp)
		unlock()
	}
	for _, s := range sessions {
		_ = r.hub.WriteEnvelope(s, env)
	}
}

// EmitToUser delivers a state-carrying event to every active session of a
// user and records it for replay.
func (r *Router) EmitToUser(userID uint, event string, data interface{}) {
	r.emitSessions(userID, r.hub.SessionsOf(userID), event, data, true)
}

// EmitToUserEphemeral delivers without sequencing or replay (relays, typing).
func (r *Router) EmitToUserEphemeral(userID uint, event string, data interface{}) {
	r.emitSessions(userID, r.hub.SessionsOf(userID), event, data, false)
}

// EmitToChat fans an event out to the chat's currently subscribed sessions,
// one sequence number per recipient user. excludeUser skips every session of
// that user (0 excludes nobody).
func (r *Router) EmitToChat(chatID string, excludeUser uint, event string, data interface{}) {
	for userID, sessions := range r.rooms.SessionsByUser(chatID) {
		if userID == excludeUser {
			continue
		}
		r.emitSessions(userID, sessions, event, data, true)
	}
}

// EmitToChatEphemeral is EmitToChat without replay recording.
func (r *Router) EmitToChatEphemeral(chatID string, excludeUser uint, event string, data interface{}) {
	for userID, sessions := range r.rooms.SessionsByUser(chatID) {
		if userID == excludeUser {
			continue
		}
		r.emitSessions(userID, sessions, event, data, false)
	}
}

// InjectChatEvent lets the trusted gateway broadcast CRUD-tier events
// (MESSAGE_UPDATED, CHAT_UPDATED, ...) through the same sequencing and
// replay path as native events.
func (r *Router) InjectChatEvent(event string, chatID string, data json.RawMessage) error {
	switch event {
	case EvtMessageUpdated, EvtMessageDeleted, EvtChatUpdated, EvtParticipantJoin, EvtParticipantLeft:
	default:
		return NewError(CodeValidation, "event not injectable", event)
	}
	unlock := r.locks.Lock(chatID)
	defer unlock()
	r.EmitToChat(chatID, 0, event, data)
	return nil
}
