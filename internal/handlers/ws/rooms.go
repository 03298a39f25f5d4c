package ws

import (
	"hash/fnv"
	"sync"
)

const roomShards = 32

type roomShard struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Session // chatId -> sessionId -> session
}

// RoomTable is the many-to-many chatId <-> session index. A room exists only
// while at least one session is subscribed; the last leave removes it.
// Sharded by chatId so unrelated rooms never contend.
type RoomTable struct {
	shards [roomShards]roomShard

	revMu sync.Mutex
	rev   map[string]map[string]struct{} // sessionId -> set(chatId)
}

func NewRoomTable() *RoomTable {
	rt := &RoomTable{rev: make(map[string]map[string]struct{})}
	for i := range rt.shards {
		rt.shards[i].rooms = make(map[string]map[string]*Session)
	}
	return rt
}

func (rt *RoomTable) shard(chatID string) *roomShard {
	h := fnv.New32a()
	h.Write([]byte(chatID))
	return &rt.shards[h.Sum32()%roomShards]
}

// Subscribe adds the session to the chat's broadcast group.
func (rt *RoomTable) Subscribe(chatID string, s *Session) {
	sh := rt.shard(chatID)
	sh.mu.Lock()
	room, ok := sh.rooms[chatID]
	if !ok {
		room = make(map[string]*Session)
		sh.rooms[chatID] = room
	}
	room[s.SessionID] = s
	sh.mu.Unlock()

	rt.revMu.Lock()
	set, ok := rt.rev[s.SessionID]
	if !ok {
		set = make(map[string]struct{})
		rt.rev[s.SessionID] = set
	}
	set[chatID] = struct{}{}
	rt.revMu.Unlock()
}

// Unsubscribe removes the session from one chat.
func (rt *RoomTable) Unsubscribe(chatID string, sessionID string) {
	sh := rt.shard(chatID)
	sh.mu.Lock()
	if room, ok := sh.rooms[chatID]; ok {
		delete(room, sessionID)
		if len(room) == 0 {
			delete(sh.rooms, chatID)
		}
	}
	sh.mu.Unlock()

	rt.revMu.Lock()
	if set, ok := rt.rev[sessionID]; ok {
		delete(set, chatID)
		if len(set) == 0 {
			delete(rt.rev, sessionID)
		}
	}
	rt.revMu.Unlock()
}

// DropSession removes the session from every room it joined. Called by the
// registry's close hook so disconnects clean up atomically.
func (rt *RoomTable) DropSession(sessionID string) {
	rt.revMu.Lock()
	set := rt.rev[sessionID]
	delete(rt.rev, sessionID)
	chats := make([]string, 0, len(set))
	for chatID := range set {
		chats = append(chats, chatID)
	}
	rt.revMu.Unlock()

	for _, chatID := range chats {
		sh := rt.shard(chatID)
		sh.mu.Lock()
		if room, ok := sh.rooms[chatID]; ok {
			delete(room, sessionID)
			if len(room) == 0 {
				delete(sh.rooms, chatID)
			}
		}
		sh.mu.Unlock()
	}
}

// Sessions returns a snapshot of the chat's subscribed sessions.
func (rt *RoomTable) Sessions(chatID string) []*Session {
	sh := rt.shard(chatID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	room := sh.rooms[chatID]
	out := make([]*Session, 0, len(room))
	for _, s := range room {
		out = append(out, s)
	}
	return out
}

// SessionsByUser groups the chat's subscribed sessions by owning user.
func (rt *RoomTable) SessionsByUser(chatID string) map[uint][]*Session {
	sh := rt.shard(chatID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	out := make(map[uint][]*Session)
	for _, s := range sh.rooms[chatID] {
		out[s.UserID] = append(out[s.UserID], s)
	}
	return out
}

// IsSubscribed reports whether the session currently belongs to the chat.
func (rt *RoomTable) IsSubscribed(chatID string, sessionID string) bool {
	sh := rt.shard(chatID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	_, ok := sh.rooms[chatID][sessionID]
	return ok
}
