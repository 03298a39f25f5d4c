package ws

import (
	"encoding/json"
	"time"
)

// Client -> server event tags.
const (
	EvtJoinChat    = "JOIN_CHAT"
	EvtLeaveChat   = "LEAVE_CHAT"
	EvtTypingStart = "TYPING_START"
	EvtTypingStop  = "TYPING_STOP"
	EvtMessageSend = "MESSAGE_SEND"
	EvtMessageRead = "MESSAGE_READ"
	EvtPing        = "PING"
	EvtReconnect   = "RECONNECT"

	EvtCallInitiate    = "CALL_INITIATE"
	EvtCallAnswer      = "CALL_ANSWER"
	EvtCallDecline     = "CALL_DECLINE"
	EvtCallEnd         = "CALL_END"
	EvtCallMediaUpdate = "CALL_PARTICIPANT_MEDIA_UPDATE"

	EvtWebRTCOffer        = "WEBRTC_OFFER"
	EvtWebRTCAnswer       = "WEBRTC_ANSWER"
	EvtWebRTCICECandidate = "WEBRTC_ICE_CANDIDATE"
)

// Server -> client event tags.
const (
	EvtConnectionAck = "CONNECTION_ACK"
	EvtPong          = "PONG"
	EvtError         = "ERROR"

	EvtMessageReceived      = "MESSAGE_RECEIVED"
	EvtMessageUpdated       = "MESSAGE_UPDATED"
	EvtMessageDeleted       = "MESSAGE_DELETED"
	EvtMessageStatusChanged = "MESSAGE_STATUS_CHANGED"
	EvtMessageDelivered     = "MESSAGE_DELIVERED"
	EvtMessageSeen          = "MESSAGE_SEEN"

	EvtUserTyping  = "USER_TYPING"
	EvtUserOnline  = "USER_ONLINE"
	EvtUserOffline = "USER_OFFLINE"

	EvtChatUpdated     = "CHAT_UPDATED"
	EvtParticipantJoin = "PARTICIPANT_JOINED"
	EvtParticipantLeft = "PARTICIPANT_LEFT"

	EvtCallIncoming        = "CALL_INCOMING"
	EvtCallStarted         = "CALL_STARTED"
	EvtCallEnded           = "CALL_ENDED"
	EvtCallParticipantJoin = "CALL_PARTICIPANT_JOINED"
	EvtCallParticipantLeft = "CALL_PARTICIPANT_LEFT"
	EvtCallMediaChanged    = "CALL_MEDIA_CHANGED"
	EvtCallStatusChanged   = "CALL_STATUS_CHANGED"

	EvtWebRTCOfferReceived  = "WEBRTC_OFFER_RECEIVED"
	EvtWebRTCAnswerReceived = "WEBRTC_ANSWER_RECEIVED"
	EvtWebRTCICEReceived    = "WEBRTC_ICE_CANDIDATE_RECEIVED"

	EvtSyncMissedEvents = "SYNC_MISSED_EVENTS"
)

// Envelope is the wire format both directions. Seq is set only on outbound
// events; RequestID is echoed back on direct responses when the client sent
// one.
type Envelope struct {
	Event     string          `json:"event"`
	Timestamp time.Time       `json:"timestamp"`
	RequestID string          `json:"requestId,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ParseEnvelope decodes an inbound frame. An empty event tag is malformed.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, NewError(CodeValidation, "malformed envelope", err.Error())
	}
	if env.Event == "" {
		return nil, NewError(CodeValidation, "missing event tag", "")
	}
	return &env, nil
}

// Inbound payloads.

type JoinChatPayload struct {
	ChatID string `json:"chatId"`
}

type LeaveChatPayload struct {
	ChatID string `json:"chatId"`
}

type TypingPayload struct {
	ChatID string `json:"chatId"`
}

type MessageSendPayload struct {
	ChatID   string `json:"chatId"`
	ClientID string `json:"clientId"`
	Content  string `json:"content"`
	Type     string `json:"type,omitempty"`
}

type MessageReadPayload struct {
	ChatID    string `json:"chatId"`
	MessageID uint   `json:"messageId"`
}

type PingPayload struct {
	SentAt int64 `json:"sentAt,omitempty"` // client clock, echoed in PONG
}

type ReconnectPayload struct {
	LastEventID uint64 `json:"lastEventId"`
}

type CallInitiatePayload struct {
	ChatID   string `json:"chatId"`
	CallType string `json:"type"` // AUDIO | VIDEO
	Invitees []uint `json:"invitees"`
}

type CallActionPayload struct {
	CallID string `json:"callId"`
}

type CallMediaUpdatePayload struct {
	CallID          string `json:"callId"`
	IsMuted         *bool  `json:"isMuted,omitempty"`
	IsVideoEnabled  *bool  `json:"isVideoEnabled,omitempty"`
	IsSharingScreen *bool  `json:"isSharingScreen,omitempty"`
}

// WebRTCPayload carries opaque SDP/ICE content. Signaling relay never
// inspects Signal.
type WebRTCPayload struct {
	CallID       string          `json:"callId"`
	TargetUserID uint            `json:"targetUserId"`
	Signal       json.RawMessage `json:"signal"`
}

// Outbound payloads that have a fixed shape.

type ConnectionAckPayload struct {
	SessionID string `json:"sessionId"`
	UserID    uint   `json:"userId"`
	LastSeq   uint64 `json:"lastSeq"`
}

type PongPayload struct {
	SentAt int64 `json:"sentAt,omitempty"`
}

type PresencePayload struct {
	UserID   uint       `json:"userId"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type TypingBroadcastPayload struct {
	ChatID   string `json:"chatId"`
	UserID   uint   `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type SyncMissedEventsPayload struct {
	Events     []ReplayEntry `json:"events"`
	FullResync bool          `json:"fullResync"` // lastEventId fell out of the retention horizon
}

// NewEnvelope builds an outbound envelope with the payload marshaled.
func NewEnvelope(event string, data interface{}) (*Envelope, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Envelope{
		Event:     event,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}, nil
}
