package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nimbuschat/realtime-backend/internal/models"
)

// CallCoordinator owns the call and participant state machines and relays
// opaque WebRTC signaling. Every mutation of one call runs under that call's
// key lock; the first CALL_ANSWER processed wins any multi-device race.
type CallCoordinator struct {
	router    *Router
	cfg       Config
	scheduler *Scheduler
	directory ParticipantDirectory
	notifier  OfflineNotifier
	callLog   CallLog

	mu        sync.RWMutex
	calls     map[string]*callState
	userCalls map[uint]string // active call per user, for busy detection
}

type callState struct {
	callID   string
	chatID   string
	callerID uint
	callType models.CallType
	status   models.CallStatus

	startedAt   time.Time
	connectedAt time.Time

	participants map[uint]*participantState
	ringTimer    TimerHandle
	logged       bool // durable call row exists
}

type participantState struct {
	status          models.ParticipantStatus
	isMuted         bool
	isVideoEnabled  bool
	isSharingScreen bool
	answeredSession string // session that won the answer race
	joinedAt        *time.Time
	leftAt          *time.Time
}

func NewCallCoordinator(router *Router, cfg Config, scheduler *Scheduler, directory ParticipantDirectory, notifier OfflineNotifier, callLog CallLog) *CallCoordinator {
	return &CallCoordinator{
		router:    router,
		cfg:       cfg,
		scheduler: scheduler,
		directory: directory,
		notifier:  notifier,
		callLog:   callLog,
		calls:     make(map[string]*callState),
		userCalls: make(map[uint]string),
	}
}

// Wire payloads.

type callEventPayload struct {
	CallID   string          `json:"callId"`
	ChatID   string          `json:"chatId"`
	CallerID uint            `json:"callerId"`
	CallType models.CallType `json:"type"`
}

type callEndedPayload struct {
	CallID string `json:"callId"`
	Reason string `json:"reason"`
}

type callParticipantPayload struct {
	CallID string                   `json:"callId"`
	UserID uint                     `json:"userId"`
	Status models.ParticipantStatus `json:"status"`
}

type callStatusPayload struct {
	CallID string            `json:"callId"`
	Status models.CallStatus `json:"status"`
}

type callMediaPayload struct {
	CallID          string `json:"callId"`
	UserID          uint   `json:"userId"`
	IsMuted         bool   `json:"isMuted"`
	IsVideoEnabled  bool   `json:"isVideoEnabled"`
	IsSharingScreen bool   `json:"isSharingScreen"`
}

type relayResultPayload struct {
	CallID  string `json:"callId"`
	Success bool   `json:"success"`
}

type relayForwardPayload struct {
	CallID     string          `json:"callId"`
	FromUserID uint            `json:"fromUserId"`
	Signal     json.RawMessage `json:"signal"`
}

func (c *CallCoordinator) get(callID string) (*callState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	call, ok := c.calls[callID]
	return call, ok
}

func (c *CallCoordinator) handleInitiate(s *Session, env *Envelope) error {
	var p CallInitiatePayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return NewError(CodeValidation, "malformed CALL_INITIATE payload", err.Error())
	}

	callType := models.AudioCall
	switch p.CallType {
	case "AUDIO", "audio", "":
	case "VIDEO", "video":
		callType = models.VideoCall
	default:
		return NewError(CodeValidation, "unknown call type", p.CallType)
	}

	ok, err := c.directory.IsParticipant(p.ChatID, s.UserID)
	if err != nil {
		return NewError(CodeTransientIO, "participant lookup failed", err.Error())
	}
	if !ok {
		return ErrNotParticipant(p.ChatID)
	}

	invitees := p.Invitees
	if len(invitees) == 0 {
		// Default to every other chat participant.
		all, err := c.directory.Participants(p.ChatID)
		if err != nil {
			return NewError(CodeTransientIO, "participant lookup failed", err.Error())
		}
		for _, id := range all {
			if id != s.UserID {
				invitees = append(invitees, id)
			}
		}
	}
	if len(invitees) == 0 {
		return NewError(CodeValidation, "call has no invitees", p.ChatID)
	}
	for _, id := range invitees {
		member, err := c.directory.IsParticipant(p.ChatID, id)
		if err != nil {
			return NewError(CodeTransientIO, "participant lookup failed", err.Error())
		}
		if !member {
			return ErrNotParticipant(p.ChatID)
		}
	}

	callID := uuid.NewString()
	unlock := c.router.locks.Lock(callID)
	defer unlock()

	now := time.Now().UTC()
	call := &callState{
		callID:       callID,
		chatID:       p.ChatID,
		callerID:     s.UserID,
		callType:     callType,
		status:       models.CallRinging,
		startedAt:    now,
		participants: make(map[uint]*participantState),
	}
	call.participants[s.UserID] = &participantState{
		status:          models.ParticipantJoined,
		answeredSession: s.SessionID,
		joinedAt:        &now,
	}

	busyCount := 0
	c.mu.Lock()
	if existing, inCall := c.userCalls[s.UserID]; inCall {
		c.mu.Unlock()
		return NewError(CodeConflict, "caller already in a call", existing)
	}
	for _, id := range invitees {
		ps := &participantState{status: models.ParticipantRinging}
		if _, busy := c.userCalls[id]; busy {
			ps.status = models.ParticipantDeclined // busy invitee never rings
			busyCount++
		}
		call.participants[id] = ps
	}
	if busyCount == len(invitees) {
		c.mu.Unlock()
		c.router.respond(s, env.RequestID, EvtCallEnded, callEndedPayload{CallID: callID, Reason: "busy"})
		call.status = models.CallBusy
		c.logTerminalCall(call, now)
		return nil
	}
	c.calls[callID] = call
	c.userCalls[s.UserID] = callID
	c.mu.Unlock()

	incoming := callEventPayload{CallID: callID, ChatID: p.ChatID, CallerID: s.UserID, CallType: callType}
	for _, id := range invitees {
		if call.participants[id].status != models.ParticipantRinging {
			continue
		}
		if c.router.hub.IsOnline(id) {
			// Multi-device ring: every active session of the invitee.
			c.router.EmitToUser(id, EvtCallIncoming, incoming)
		} else if err := c.notifier.Notify(id, p.ChatID, models.NotifyCall, incoming); err != nil {
			log.Printf("incoming-call notify failed user_id=%d call=%s: %v", id, callID, err)
		}
	}

	call.ringTimer = c.scheduler.Schedule(c.cfg.RingTimeout, func() {
		c.ringTimeout(callID)
	})

	c.router.respond(s, env.RequestID, EvtCallStatusChanged, callStatusPayload{CallID: callID, Status: models.CallRinging})
	log.Printf("call %s initiated chat=%s caller=%d invitees=%d type=%s", callID, p.ChatID, s.UserID, len(invitees), callType)
	return nil
}

// ringTimeout expires an unanswered call to MISSED.
func (c *CallCoordinator) ringTimeout(callID string) {
	unlock := c.router.locks.Lock(callID)
	defer unlock()

	call, ok := c.get(callID)
	if !ok || call.status != models.CallRinging {
		return
	}

	now := time.Now().UTC()
	call.status = models.CallMissed
	missed := make([]uint, 0, len(call.participants))
	for id, ps := range call.participants {
		if ps.status == models.ParticipantRinging || ps.status == models.ParticipantInvited {
			ps.status = models.ParticipantMissed
			missed = append(missed, id)
		}
	}

	payload := callEndedPayload{CallID: callID, Reason: "missed"}
	for id := range call.participants {
		c.router.EmitToUser(id, EvtCallEnded, payload)
	}
	// A missed call is still relevant after the fact: record a notification
	// for every invitee who never answered, online or not (mute applies).
	for _, id := range missed {
		if err := c.notifier.Notify(id, call.chatID, models.NotifyMissedCall, callEventPayload{
			CallID: callID, ChatID: call.chatID, CallerID: call.callerID, CallType: call.callType,
		}); err != nil {
			log.Printf("missed-call notify failed user_id=%d call=%s: %v", id, callID, err)
		}
	}

	c.logTerminalCall(call, now)
	c.remove(call)
	log.Printf("call %s missed after ring timeout", callID)
}

func (c *CallCoordinator) handleAnswer(s *Session, env *Envelope) error {
	var p CallActionPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return NewError(CodeValidation, "malformed CALL_ANSWER payload", err.Error())
	}

	unlock := c.router.locks.Lock(p.CallID)
	defer unlock()

	call, ok := c.get(p.CallID)
	if !ok {
		return ErrUnknownCall(p.CallID)
	}
	ps, member := call.participants[s.UserID]
	if !member {
		return ErrNotParticipant(call.chatID)
	}

	// Single-writer-per-call: the first processed answer wins. A second
	// device of the same user loses the race and is told to stand down.
	if ps.status == models.ParticipantJoined {
		c.router.respond(s, env.RequestID, EvtCallEnded, callEndedPayload{CallID: p.CallID, Reason: "answered_elsewhere"})
		return nil
	}
	if call.status.Terminal() {
		return NewError(CodeConflict, "call already over", string(call.status))
	}
	if !ps.status.CanTransitionTo(models.ParticipantJoined) {
		return NewError(CodeProtocol, "participant cannot answer in current state", string(ps.status))
	}

	now := time.Now().UTC()
	ps.status = models.ParticipantJoined
	ps.answeredSession = s.SessionID
	ps.joinedAt = &now

	c.mu.Lock()
	c.userCalls[s.UserID] = call.callID
	c.mu.Unlock()

	// The user's other devices stop ringing.
	for _, other := range c.router.hub.SessionsOf(s.UserID) {
		if other.SessionID != s.SessionID {
			c.router.respond(other, "", EvtCallEnded, callEndedPayload{CallID: p.CallID, Reason: "answered_elsewhere"})
		}
	}

	if call.status == models.CallRinging {
		call.ringTimer.Cancel()
		call.status = models.CallConnecting
		c.logConnecting(call)
		for id := range call.participants {
			c.router.EmitToUser(id, EvtCallStatusChanged, callStatusPayload{CallID: call.callID, Status: models.CallConnecting})
		}
	}

	joined := callParticipantPayload{CallID: call.callID, UserID: s.UserID, Status: models.ParticipantJoined}
	for id := range call.participants {
		if id != s.UserID {
			c.router.EmitToUser(id, EvtCallParticipantJoin, joined)
		}
	}
	if err := c.callLog.UpdateParticipant(call.callID, s.UserID, models.ParticipantJoined, &now, nil); err != nil {
		log.Printf("call log participant update failed call=%s user=%d: %v", call.callID, s.UserID, err)
	}

	c.router.respond(s, env.RequestID, EvtCallParticipantJoin, joined)
	return nil
}

func (c *CallCoordinator) handleDecline(s *Session, env *Envelope) error {
	var p CallActionPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return NewError(CodeValidation, "malformed CALL_DECLINE payload", err.Error())
	}

	unlock := c.router.locks.Lock(p.CallID)
	defer unlock()

	call, ok := c.get(p.CallID)
	if !ok {
		return ErrUnknownCall(p.CallID)
	}
	ps, member := call.participants[s.UserID]
	if !member {
		return ErrNotParticipant(call.chatID)
	}
	if !ps.status.CanTransitionTo(models.ParticipantDeclined) {
		return NewError(CodeConflict, "participant cannot decline in current state", string(ps.status))
	}

	ps.status = models.ParticipantDeclined
	declined := callParticipantPayload{CallID: call.callID, UserID: s.UserID, Status: models.ParticipantDeclined}
	for id := range call.participants {
		if id != s.UserID {
			c.router.EmitToUser(id, EvtCallParticipantLeft, declined)
		}
	}
	c.router.respond(s, env.RequestID, EvtCallParticipantLeft, declined)

	// When no invitee can still answer a ringing call, the call declines.
	if call.status == models.CallRinging && !c.anyoneStillRinging(call) {
		now := time.Now().UTC()
		call.ringTimer.Cancel()
		call.status = models.CallDeclined
		payload := callEndedPayload{CallID: call.callID, Reason: "declined"}
		for id := range call.participants {
			c.router.EmitToUser(id, EvtCallEnded, payload)
		}
		c.logTerminalCall(call, now)
		c.remove(call)
	}
	return nil
}

func (c *CallCoordinator) anyoneStillRinging(call *callState) bool {
	for id, ps := range call.participants {
		if id == call.callerID {
			continue
		}
		switch ps.status {
		case models.ParticipantRinging, models.ParticipantInvited:
			return true
		}
	}
	return false
}

func (c *CallCoordinator) handleEnd(s *Session, env *Envelope) error {
	var p CallActionPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return NewError(CodeValidation, "malformed CALL_END payload", err.Error())
	}

	unlock := c.router.locks.Lock(p.CallID)
	defer unlock()

	call, ok := c.get(p.CallID)
	if !ok {
		return ErrUnknownCall(p.CallID)
	}
	ps, member := call.participants[s.UserID]
	if !member {
		return ErrNotParticipant(call.chatID)
	}
	if call.status.Terminal() {
		return NewError(CodeConflict, "call already over", string(call.status))
	}

	now := time.Now().UTC()
	if ps.status == models.ParticipantJoined {
		ps.status = models.ParticipantLeft
		ps.leftAt = &now
		c.mu.Lock()
		delete(c.userCalls, s.UserID)
		c.mu.Unlock()
		if err := c.callLog.UpdateParticipant(call.callID, s.UserID, models.ParticipantLeft, ps.joinedAt, &now); err != nil {
			log.Printf("call log participant update failed call=%s user=%d: %v", call.callID, s.UserID, err)
		}
	}

	if call.status == models.CallRinging {
		// Caller hang-up before anyone answered: invitees experience this as
		// a missed call (ENDED is unreachable from RINGING).
		call.ringTimer.Cancel()
		call.status = models.CallMissed
		for id, other := range call.participants {
			if other.status == models.ParticipantRinging || other.status == models.ParticipantInvited {
				other.status = models.ParticipantMissed
			}
			c.router.EmitToUser(id, EvtCallEnded, callEndedPayload{CallID: call.callID, Reason: "cancelled"})
		}
		c.logTerminalCall(call, now)
		c.remove(call)
		return nil
	}

	if c.joinedCount(call) >= 2 {
		// Group call continues; just announce the departure.
		left := callParticipantPayload{CallID: call.callID, UserID: s.UserID, Status: models.ParticipantLeft}
		for id := range call.participants {
			if id != s.UserID {
				c.router.EmitToUser(id, EvtCallParticipantLeft, left)
			}
		}
		c.router.respond(s, env.RequestID, EvtCallParticipantLeft, left)
		return nil
	}

	call.status = models.CallEnded
	payload := callEndedPayload{CallID: call.callID, Reason: "ended"}
	for id, other := range call.participants {
		if other.status == models.ParticipantJoined {
			other.status = models.ParticipantLeft
			other.leftAt = &now
		}
		c.router.EmitToUser(id, EvtCallEnded, payload)
	}
	c.logTerminalCall(call, now)
	c.remove(call)
	log.Printf("call %s ended by user %d", call.callID, s.UserID)
	return nil
}

func (c *CallCoordinator) joinedCount(call *callState) int {
	n := 0
	for _, ps := range call.participants {
		if ps.status == models.ParticipantJoined {
			n++
		}
	}
	return n
}

func (c *CallCoordinator) handleMediaUpdate(s *Session, env *Envelope) error {
	var p CallMediaUpdatePayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return NewError(CodeValidation, "malformed media update payload", err.Error())
	}

	unlock := c.router.locks.Lock(p.CallID)
	defer unlock()

	call, ok := c.get(p.CallID)
	if !ok {
		return ErrUnknownCall(p.CallID)
	}
	ps, member := call.participants[s.UserID]
	if !member {
		return ErrNotParticipant(call.chatID)
	}
	if ps.status != models.ParticipantJoined {
		return NewError(CodeProtocol, "participant is not in the call", string(ps.status))
	}

	if p.IsMuted != nil {
		ps.isMuted = *p.IsMuted
	}
	if p.IsVideoEnabled != nil {
		ps.isVideoEnabled = *p.IsVideoEnabled
	}
	if p.IsSharingScreen != nil {
		ps.isSharingScreen = *p.IsSharingScreen
	}

	media := callMediaPayload{
		CallID:          call.callID,
		UserID:          s.UserID,
		IsMuted:         ps.isMuted,
		IsVideoEnabled:  ps.isVideoEnabled,
		IsSharingScreen: ps.isSharingScreen,
	}
	for id := range call.participants {
		if id != s.UserID {
			c.router.EmitToUser(id, EvtCallMediaChanged, media)
		}
	}
	c.router.respond(s, env.RequestID, EvtCallMediaChanged, media)
	return nil
}

// handleRelay forwards opaque WEBRTC_* signaling to the target's active
// sessions. The coordinator checks membership only and never reads Signal.
func (c *CallCoordinator) handleRelay(s *Session, env *Envelope, forwardEvent string) error {
	var p WebRTCPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return NewError(CodeValidation, "malformed signaling payload", err.Error())
	}

	unlock := c.router.locks.Lock(p.CallID)
	defer unlock()

	call, ok := c.get(p.CallID)
	if !ok {
		return ErrUnknownCall(p.CallID)
	}
	sender, senderMember := call.participants[s.UserID]
	target, targetMember := call.participants[p.TargetUserID]
	if !senderMember || !targetMember {
		return ErrNotParticipant(call.chatID)
	}
	if sender.status.Terminal() || target.status.Terminal() {
		return NewError(CodeProtocol, "participant already left the call", "")
	}

	sessions := c.router.hub.SessionsOf(p.TargetUserID)
	if len(sessions) == 0 {
		c.router.respond(s, env.RequestID, forwardEvent, relayResultPayload{CallID: p.CallID, Success: false})
		return nil
	}

	c.router.emitSessions(p.TargetUserID, sessions, forwardEvent, relayForwardPayload{
		CallID:     p.CallID,
		FromUserID: s.UserID,
		Signal:     p.Signal,
	}, false)

	// Coordinator-inferred connection: the call is CONNECTED once the
	// answering peer's WEBRTC_ANSWER has been relayed back to the caller.
	if forwardEvent == EvtWebRTCAnswerReceived &&
		call.status == models.CallConnecting &&
		sender.status == models.ParticipantJoined &&
		p.TargetUserID == call.callerID {
		call.status = models.CallConnected
		call.connectedAt = time.Now().UTC()
		for id := range call.participants {
			c.router.EmitToUser(id, EvtCallStarted, callStatusPayload{CallID: call.callID, Status: models.CallConnected})
		}
	}

	c.router.respond(s, env.RequestID, forwardEvent, relayResultPayload{CallID: p.CallID, Success: true})
	return nil
}

// sessionClosed handles one session disconnecting mid-call. Only matters
// when the session had won the answer race and the user has no others.
func (c *CallCoordinator) sessionClosed(s *Session) {
	if c.router.hub.IsOnline(s.UserID) {
		return
	}
	c.userOffline(s.UserID)
}

// userOffline removes the user from any call they were part of, ending the
// call if they were the last counterpart.
func (c *CallCoordinator) userOffline(userID uint) {
	c.mu.RLock()
	callID, inCall := c.userCalls[userID]
	c.mu.RUnlock()
	if !inCall {
		return
	}

	unlock := c.router.locks.Lock(callID)
	defer unlock()

	call, ok := c.get(callID)
	if !ok {
		return
	}
	ps, member := call.participants[userID]
	if !member || ps.status != models.ParticipantJoined {
		return
	}

	now := time.Now().UTC()
	ps.status = models.ParticipantLeft
	ps.leftAt = &now
	c.mu.Lock()
	delete(c.userCalls, userID)
	c.mu.Unlock()
	if err := c.callLog.UpdateParticipant(call.callID, userID, models.ParticipantLeft, ps.joinedAt, &now); err != nil {
		log.Printf("call log participant update failed call=%s user=%d: %v", call.callID, userID, err)
	}

	if call.status == models.CallRinging {
		// Caller dropped before anyone answered.
		call.ringTimer.Cancel()
		call.status = models.CallFailed
		for id := range call.participants {
			c.router.EmitToUser(id, EvtCallEnded, callEndedPayload{CallID: call.callID, Reason: "caller_disconnected"})
		}
		c.logTerminalCall(call, now)
		c.remove(call)
		return
	}

	if c.joinedCount(call) >= 2 {
		left := callParticipantPayload{CallID: call.callID, UserID: userID, Status: models.ParticipantLeft}
		for id := range call.participants {
			if id != userID {
				c.router.EmitToUser(id, EvtCallParticipantLeft, left)
			}
		}
		return
	}

	call.status = models.CallEnded
	for id, other := range call.participants {
		if other.status == models.ParticipantJoined {
			other.status = models.ParticipantLeft
			other.leftAt = &now
		}
		c.router.EmitToUser(id, EvtCallEnded, callEndedPayload{CallID: call.callID, Reason: "peer_disconnected"})
	}
	c.logTerminalCall(call, now)
	c.remove(call)
}

// remove drops the call entry once its last member departs.
func (c *CallCoordinator) remove(call *callState) {
	c.mu.Lock()
	delete(c.calls, call.callID)
	for id, cid := range c.userCalls {
		if cid == call.callID {
			delete(c.userCalls, id)
		}
	}
	c.mu.Unlock()
}

// logConnecting writes the durable call row the moment a call leaves ringing.
func (c *CallCoordinator) logConnecting(call *callState) {
	rec := &models.CallRecord{
		CallID:    call.callID,
		ChatID:    call.chatID,
		CallerID:  call.callerID,
		CallType:  call.callType,
		Status:    models.CallConnecting,
		StartedAt: call.startedAt,
	}
	if err := c.callLog.RecordCall(rec); err != nil {
		log.Printf("call log write failed call=%s: %v", call.callID, err)
		return
	}
	call.logged = true
	for id, ps := range call.participants {
		if err := c.callLog.RecordParticipant(&models.CallParticipantRecord{
			CallID:   call.callID,
			UserID:   id,
			Status:   ps.status,
			JoinedAt: ps.joinedAt,
		}); err != nil {
			log.Printf("call log participant write failed call=%s user=%d: %v", call.callID, id, err)
		}
	}
}

// logTerminalCall records or finalizes the call row for a terminal state.
func (c *CallCoordinator) logTerminalCall(call *callState, endedAt time.Time) {
	if call.logged {
		duration := 0
		if !call.connectedAt.IsZero() {
			duration = int(endedAt.Sub(call.connectedAt) / time.Second)
		}
		if err := c.callLog.FinishCall(call.callID, call.status, endedAt, duration); err != nil {
			log.Printf("call log finish failed call=%s: %v", call.callID, err)
		}
		return
	}

	// Never connected: write the full row now.
	rec := &models.CallRecord{
		CallID:    call.callID,
		ChatID:    call.chatID,
		CallerID:  call.callerID,
		CallType:  call.callType,
		Status:    call.status,
		StartedAt: call.startedAt,
		EndedAt:   &endedAt,
	}
	if err := c.callLog.RecordCall(rec); err != nil {
		log.Printf("call log write failed call=%s: %v", call.callID, err)
	}
	for id, ps := range call.participants {
		if err := c.callLog.RecordParticipant(&models.CallParticipantRecord{
			CallID:   call.callID,
			UserID:   id,
			Status:   ps.status,
			JoinedAt: ps.joinedAt,
			LeftAt:   ps.leftAt,
		}); err != nil {
			log.Printf("call log participant write failed call=%s user=%d: %v", call.callID, id, err)
		}
	}
}
