package ws

import (
	"encoding/json"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
)

// Conn is the subset of *websocket.Conn the hub needs. Tests inject fakes.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Session is one authenticated WebSocket connection for a user's device.
type Session struct {
	SessionID    string
	UserID       uint
	DeviceID     string
	ConnectedAt  time.Time
	SupportsGzip bool

	conn    Conn
	writeMu sync.Mutex // single writer per connection

	pongMu    sync.Mutex // guards lastPong and pingTimer
	lastPong  time.Time
	pingTimer TimerHandle
}

// touchPong records a pong (or any sign of life) from the client.
func (s *Session) touchPong() {
	s.pongMu.Lock()
	s.lastPong = time.Now()
	s.pongMu.Unlock()
}

// TouchPong is the exported form for the connection's pong handler.
func (s *Session) TouchPong() {
	s.touchPong()
}

func (s *Session) lastPongAt() time.Time {
	s.pongMu.Lock()
	defer s.pongMu.Unlock()
	return s.lastPong
}

// setPingTimer stores the armed heartbeat handle. Written by the registering
// goroutine and again by every re-arm on the scheduler goroutine, read on
// unregister, so it shares pongMu.
func (s *Session) setPingTimer(t TimerHandle) {
	s.pongMu.Lock()
	s.pingTimer = t
	s.pongMu.Unlock()
}

func (s *Session) cancelPingTimer() {
	s.pongMu.Lock()
	t := s.pingTimer
	s.pongMu.Unlock()
	t.Cancel()
}

const hubShards = 32

type hubShard struct {
	mu    sync.RWMutex
	users map[uint]map[string]*Session
}

// Config carries the tunables main reads from the environment.
type Config struct {
	PingInterval   time.Duration
	RingTimeout    time.Duration
	TypingTTL      time.Duration
	ReplayCapacity int
	ReplayHorizon  time.Duration
	SendRetryMax   int
}

// DefaultConfig matches production defaults; tests shrink the intervals.
func DefaultConfig() Config {
	return Config{
		PingInterval:   30 * time.Second,
		RingTimeout:    45 * time.Second,
		TypingTTL:      5 * time.Second,
		ReplayCapacity: 256,
		ReplayHorizon:  10 * time.Minute,
		SendRetryMax:   3,
	}
}

// Hub is the connection registry: sessionId -> connection plus a
// userId -> set(sessionId) index, sharded per user so unrelated users never
// contend. No pong within twice the ping interval evicts the session.
type Hub struct {
	cfg       Config
	scheduler *Scheduler

	shards [hubShards]hubShard

	sessMu   sync.RWMutex
	sessions map[string]*Session

	seqMu sync.Mutex
	seqs  map[uint]uint64

	// OnSessionClosed runs after a session leaves the registry, inside no
	// hub lock; the router uses it to drop room/call membership.
	OnSessionClosed func(s *Session)
	// OnUserOffline runs when the user's last session is gone.
	OnUserOffline func(userID uint, lastSeen time.Time)
}

func NewHub(cfg Config, scheduler *Scheduler) *Hub {
	h := &Hub{
		cfg:       cfg,
		scheduler: scheduler,
		sessions:  make(map[string]*Session),
		seqs:      make(map[uint]uint64),
	}
	for i := range h.shards {
		h.shards[i].users = make(map[uint]map[string]*Session)
	}
	return h
}

func (h *Hub) shard(userID uint) *hubShard {
	fh := fnv.New32a()
	var b [4]byte
	b[0] = byte(userID)
	b[1] = byte(userID >> 8)
	b[2] = byte(userID >> 16)
	b[3] = byte(userID >> 24)
	fh.Write(b[:])
	return &h.shards[fh.Sum32()%hubShards]
}

// Register adds a session and starts its heartbeat. Returns true when this
// is the user's first session (the user just came online).
func (h *Hub) Register(s *Session) bool {
	s.touchPong()

	h.sessMu.Lock()
	h.sessions[s.SessionID] = s
	h.sessMu.Unlock()

	sh := h.shard(s.UserID)
	sh.mu.Lock()
	set, ok := sh.users[s.UserID]
	if !ok {
		set = make(map[string]*Session)
		sh.users[s.UserID] = set
	}
	wasOffline := len(set) == 0
	set[s.SessionID] = s
	sh.mu.Unlock()

	h.schedulePing(s)

	log.Printf("session %s registered user_id=%d device=%s gzip=%v", s.SessionID, s.UserID, s.DeviceID, s.SupportsGzip)
	return wasOffline
}

// Unregister removes a session from both indexes and fires the close hooks.
// Idempotent: a second call for the same session is a no-op.
func (h *Hub) Unregister(sessionID string) {
	h.sessMu.Lock()
	s, ok := h.sessions[sessionID]
	if ok {
		delete(h.sessions, sessionID)
	}
	h.sessMu.Unlock()
	if !ok {
		return
	}

	s.cancelPingTimer()

	sh := h.shard(s.UserID)
	sh.mu.Lock()
	lastSession := false
	if set, ok := sh.users[s.UserID]; ok {
		delete(set, s.SessionID)
		if len(set) == 0 {
			delete(sh.users, s.UserID)
			lastSession = true
		}
	}
	sh.mu.Unlock()

	log.Printf("session %s unregistered user_id=%d last=%v", s.SessionID, s.UserID, lastSession)

	if h.OnSessionClosed != nil {
		h.OnSessionClosed(s)
	}
	if lastSession && h.OnUserOffline != nil {
		h.OnUserOffline(s.UserID, time.Now().UTC())
	}
	_ = s.conn.Close()
}

// Evict force-closes a session that failed a write or missed its pongs.
func (h *Hub) Evict(sessionID string, reason string) {
	log.Printf("evicting session %s: %s", sessionID, reason)
	h.Unregister(sessionID)
}

// Session returns the live session for an id.
func (h *Hub) Session(sessionID string) (*Session, bool) {
	h.sessMu.RLock()
	defer h.sessMu.RUnlock()
	s, ok := h.sessions[sessionID]
	return s, ok
}

// SessionsOf returns a snapshot of the user's live sessions.
func (h *Hub) SessionsOf(userID uint) []*Session {
	sh := h.shard(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	set := sh.users[userID]
	out := make([]*Session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}

// IsOnline reports whether the user holds at least one session.
func (h *Hub) IsOnline(userID uint) bool {
	sh := h.shard(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.users[userID]) > 0
}

// Count returns the number of live sessions.
func (h *Hub) Count() int {
	h.sessMu.RLock()
	defer h.sessMu.RUnlock()
	return len(h.sessions)
}

// NextSeq returns the next per-user sequence number. Counters survive
// disconnects so replayed and live events share one ordering.
func (h *Hub) NextSeq(userID uint) uint64 {
	h.seqMu.Lock()
	defer h.seqMu.Unlock()
	h.seqs[userID]++
	return h.seqs[userID]
}

// CurrentSeq returns the latest sequence number issued for the user.
func (h *Hub) CurrentSeq(userID uint) uint64 {
	h.seqMu.Lock()
	defer h.seqMu.Unlock()
	return h.seqs[userID]
}

// WriteEnvelope marshals and writes one envelope to the session, compressing
// large payloads for gzip-capable clients. A failed write evicts the session.
func (h *Hub) WriteEnvelope(s *Session, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	frameType := websocket.TextMessage
	if s.SupportsGzip && len(data) > 512 {
		if compressed, err := compressFrame(data); err == nil && len(compressed) < len(data) {
			data = compressed
			frameType = websocket.BinaryMessage
		}
	}

	s.writeMu.Lock()
	err = s.conn.WriteMessage(frameType, data)
	s.writeMu.Unlock()
	if err != nil {
		log.Printf("write failed session=%s user_id=%d: %v", s.SessionID, s.UserID, err)
		// Asynchronous: writes happen under chat/call key locks and the
		// close hooks take key locks of their own.
		go h.Evict(s.SessionID, "write error")
		return err
	}
	return nil
}

// schedulePing arms the next heartbeat for the session on the shared
// scheduler instead of a per-connection ticker.
func (h *Hub) schedulePing(s *Session) {
	s.setPingTimer(h.scheduler.Schedule(h.cfg.PingInterval, func() {
		h.sessMu.RLock()
		_, alive := h.sessions[s.SessionID]
		h.sessMu.RUnlock()
		if !alive {
			return
		}

		if time.Since(s.lastPongAt()) > 2*h.cfg.PingInterval {
			go h.Evict(s.SessionID, "pong timeout")
			return
		}

		s.writeMu.Lock()
		err := s.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second))
		s.writeMu.Unlock()
		if err != nil {
			go h.Evict(s.SessionID, "ping write failed")
			return
		}
		h.schedulePing(s)
	}))
}

// NewSession wraps a connection for registration. conn may be a
// *websocket.Conn or any Conn fake in tests.
func NewSession(sessionID string, userID uint, deviceID string, supportsGzip bool, conn Conn) *Session {
	return &Session{
		SessionID:    sessionID,
		UserID:       userID,
		DeviceID:     deviceID,
		ConnectedAt:  time.Now().UTC(),
		SupportsGzip: supportsGzip,
		conn:         conn,
	}
}

// Shutdown closes every live session with a going-away frame.
func (h *Hub) Shutdown() {
	h.sessMu.RLock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.sessMu.RUnlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, id := range ids {
		if s, ok := h.Session(id); ok {
			s.writeMu.Lock()
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(2*time.Second))
			s.writeMu.Unlock()
		}
		h.Unregister(id)
	}
}
