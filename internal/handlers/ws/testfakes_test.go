package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/websocket/v2"

	"github.com/nimbuschat/realtime-backend/internal/models"
)

// fakeConn records every frame the hub writes so tests can assert on the
// wire traffic without a real socket.
type fakeConn struct {
	mu       sync.Mutex
	frames   [][]byte
	types    []int
	controls int
	closed   bool
	failAll  bool
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAll {
		return errors.New("connection gone")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.frames = append(c.frames, buf)
	c.types = append(c.types, messageType)
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	c.mu.Lock()
	c.controls++
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) controlWrites() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controls
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// envelopes decodes every written frame, inflating binary ones.
func (c *fakeConn) envelopes(t *testing.T) []*Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Envelope, 0, len(c.frames))
	for i, frame := range c.frames {
		raw := frame
		if c.types[i] == websocket.BinaryMessage {
			inflated, err := DecompressFrame(frame)
			if err != nil {
				t.Fatalf("frame %d: failed to inflate: %v", i, err)
			}
			raw = inflated
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("frame %d: bad envelope: %v", i, err)
		}
		out = append(out, &env)
	}
	return out
}

// eventsOf returns every received envelope with the given tag.
func (c *fakeConn) eventsOf(t *testing.T, event string) []*Envelope {
	t.Helper()
	var out []*Envelope
	for _, env := range c.envelopes(t) {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

func (c *fakeConn) countOf(t *testing.T, event string) int {
	return len(c.eventsOf(t, event))
}

// fakeDirectory is an in-memory chat membership table.
type fakeDirectory struct {
	mu      sync.Mutex
	members map[string][]uint
	err     error
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{members: make(map[string][]uint)}
}

func (d *fakeDirectory) addChat(chatID string, userIDs ...uint) {
	d.mu.Lock()
	d.members[chatID] = userIDs
	d.mu.Unlock()
}

func (d *fakeDirectory) IsParticipant(chatID string, userID uint) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return false, d.err
	}
	for _, id := range d.members[chatID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

func (d *fakeDirectory) Participants(chatID string) ([]uint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	return append([]uint(nil), d.members[chatID]...), nil
}

func (d *fakeDirectory) ChatsForUser(userID uint) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	var out []string
	for chatID, ids := range d.members {
		for _, id := range ids {
			if id == userID {
				out = append(out, chatID)
				break
			}
		}
	}
	return out, nil
}

// fakeStore is an in-memory MessageStore with receipt rows.
type fakeStore struct {
	mu         sync.Mutex
	messages   map[uint]*models.Message
	receipts   map[uint]map[uint]models.DeliveryState
	nextID     uint
	persistErr error
	lookupErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		messages: make(map[uint]*models.Message),
		receipts: make(map[uint]map[uint]models.DeliveryState),
		nextID:   1,
	}
}

func (s *fakeStore) PersistMessage(msg *models.Message, recipients []uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persistErr != nil {
		return s.persistErr
	}
	msg.ID = s.nextID
	s.nextID++
	msg.CreatedAt = time.Now()
	stored := *msg
	s.messages[msg.ID] = &stored
	rows := make(map[uint]models.DeliveryState, len(recipients))
	for _, id := range recipients {
		rows[id] = models.StateSent
	}
	s.receipts[msg.ID] = rows
	return nil
}

func (s *fakeStore) FindByClientID(clientID string, senderID uint) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookupErr != nil {
		return nil, s.lookupErr
	}
	for _, msg := range s.messages {
		if msg.ClientID == clientID && msg.SenderID == senderID {
			copied := *msg
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) FindMessage(messageID uint) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.messages[messageID]; ok {
		copied := *msg
		return &copied, nil
	}
	return nil, errors.New("record not found")
}

func (s *fakeStore) MarkDelivered(messageID uint, recipientID uint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.receipts[messageID]
	if !ok {
		return false, errors.New("record not found")
	}
	if rows[recipientID] != models.StateSent {
		return false, nil
	}
	rows[recipientID] = models.StateDelivered
	return true, nil
}

func (s *fakeStore) MarkRead(messageID uint, recipientID uint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.receipts[messageID]
	if !ok {
		return false, errors.New("record not found")
	}
	switch rows[recipientID] {
	case models.StateSent, models.StateDelivered:
		rows[recipientID] = models.StateRead
		return true, nil
	}
	return false, nil
}

func (s *fakeStore) ReceiptStates(messageID uint) (map[uint]models.DeliveryState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.receipts[messageID]
	if !ok {
		return nil, errors.New("record not found")
	}
	out := make(map[uint]models.DeliveryState, len(rows))
	for id, state := range rows {
		out[id] = state
	}
	return out, nil
}

func (s *fakeStore) SetAggregate(messageID uint, state models.DeliveryState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return errors.New("record not found")
	}
	msg.Status = state
	return nil
}

func (s *fakeStore) aggregate(messageID uint) models.DeliveryState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.messages[messageID]; ok {
		return msg.Status
	}
	return ""
}

type notifyCall struct {
	recipientID uint
	chatID      string
	kind        models.NotificationKind
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notifyCall
}

func (n *fakeNotifier) Notify(recipientID uint, chatID string, kind models.NotificationKind, payload interface{}) error {
	n.mu.Lock()
	n.calls = append(n.calls, notifyCall{recipientID: recipientID, chatID: chatID, kind: kind})
	n.mu.Unlock()
	return nil
}

func (n *fakeNotifier) callsFor(recipientID uint) []notifyCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notifyCall
	for _, c := range n.calls {
		if c.recipientID == recipientID {
			out = append(out, c)
		}
	}
	return out
}

type fakePresenceStore struct {
	mu        sync.Mutex
	online    map[uint]bool
	lastSeen  map[uint]time.Time
	refreshes map[uint]int
}

func newFakePresenceStore() *fakePresenceStore {
	return &fakePresenceStore{online: make(map[uint]bool), lastSeen: make(map[uint]time.Time), refreshes: make(map[uint]int)}
}

func (p *fakePresenceStore) SetOnline(userID uint) error {
	p.mu.Lock()
	p.online[userID] = true
	p.mu.Unlock()
	return nil
}

func (p *fakePresenceStore) Refresh(userID uint) error {
	p.mu.Lock()
	p.refreshes[userID]++
	p.mu.Unlock()
	return nil
}

func (p *fakePresenceStore) SetOffline(userID uint, lastSeen time.Time) error {
	p.mu.Lock()
	p.online[userID] = false
	p.lastSeen[userID] = lastSeen
	p.mu.Unlock()
	return nil
}

type fakeCallLog struct {
	mu       sync.Mutex
	records  map[string]*models.CallRecord
	parts    []models.CallParticipantRecord
	finished map[string]models.CallStatus
}

func newFakeCallLog() *fakeCallLog {
	return &fakeCallLog{
		records:  make(map[string]*models.CallRecord),
		finished: make(map[string]models.CallStatus),
	}
}

func (l *fakeCallLog) RecordCall(rec *models.CallRecord) error {
	l.mu.Lock()
	copied := *rec
	l.records[rec.CallID] = &copied
	l.mu.Unlock()
	return nil
}

func (l *fakeCallLog) FinishCall(callID string, status models.CallStatus, endedAt time.Time, durationSeconds int) error {
	l.mu.Lock()
	l.finished[callID] = status
	if rec, ok := l.records[callID]; ok {
		rec.Status = status
		rec.EndedAt = &endedAt
		rec.Duration = durationSeconds
	}
	l.mu.Unlock()
	return nil
}

func (l *fakeCallLog) RecordParticipant(rec *models.CallParticipantRecord) error {
	l.mu.Lock()
	l.parts = append(l.parts, *rec)
	l.mu.Unlock()
	return nil
}

func (l *fakeCallLog) UpdateParticipant(callID string, userID uint, status models.ParticipantStatus, joinedAt, leftAt *time.Time) error {
	return nil
}

func (l *fakeCallLog) terminalStatus(callID string) (models.CallStatus, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if status, ok := l.finished[callID]; ok {
		return status, true
	}
	if rec, ok := l.records[callID]; ok && rec.Status.Terminal() {
		return rec.Status, true
	}
	return "", false
}

// testEnv assembles a router with fake collaborators and a quiet heartbeat.
type testEnv struct {
	cfg       Config
	hub       *Hub
	router    *Router
	scheduler *Scheduler
	directory *fakeDirectory
	store     *fakeStore
	notifier  *fakeNotifier
	presence  *fakePresenceStore
	callLog   *fakeCallLog
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PingInterval = time.Hour // keep heartbeats out of the way
	for _, fn := range mutate {
		fn(&cfg)
	}

	scheduler := NewScheduler()
	t.Cleanup(scheduler.Stop)

	env := &testEnv{
		cfg:       cfg,
		scheduler: scheduler,
		directory: newFakeDirectory(),
		store:     newFakeStore(),
		notifier:  &fakeNotifier{},
		presence:  newFakePresenceStore(),
		callLog:   newFakeCallLog(),
	}
	env.hub = NewHub(cfg, scheduler)
	env.router = NewRouter(cfg, env.hub, scheduler, Deps{
		Directory: env.directory,
		Messages:  env.store,
		Notifier:  env.notifier,
		Presence:  env.presence,
		CallLog:   env.callLog,
	})
	return env
}

var sessionCounter int

// connect registers a fake session for the user and returns it with its conn.
func (e *testEnv) connect(t *testing.T, userID uint) (*Session, *fakeConn) {
	t.Helper()
	sessionCounter++
	conn := &fakeConn{}
	s := NewSession(fmt.Sprintf("sess-%d", sessionCounter), userID, "test-device", false, conn)
	e.hub.Register(s)
	t.Cleanup(func() { e.hub.Unregister(s.SessionID) })
	return s, conn
}

// join subscribes the session to a chat through the normal dispatch path.
func (e *testEnv) join(t *testing.T, s *Session, chatID string) {
	t.Helper()
	if werr := e.send(t, s, EvtJoinChat, JoinChatPayload{ChatID: chatID}); werr != nil {
		t.Fatalf("join %s failed: %v", chatID, werr)
	}
}

// send pushes one envelope through HandleFrame.
func (e *testEnv) send(t *testing.T, s *Session, event string, payload interface{}) *Error {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		t.Fatalf("marshal %s envelope: %v", event, err)
	}
	return e.router.HandleFrame(s, websocket.TextMessage, frame)
}
