package cache

import (
	"fmt"
	"strconv"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	// OnlinePresenceTTL matches twice the heartbeat interval so a crashed
	// instance's users fall offline without an explicit transition.
	OnlinePresenceTTL = 90 * time.Second
	LastSeenTTL       = 30 * 24 * time.Hour
)

// presenceSnapshot is the msgpack-encoded value stored per user.
type presenceSnapshot struct {
	UserID   uint      `msgpack:"user_id"`
	Online   bool      `msgpack:"online"`
	LastSeen time.Time `msgpack:"last_seen"`
}

// PresenceCache mirrors online flags and lastSeen into redis so other
// instances and the REST tier can read them.
type PresenceCache struct {
	redis *RedisCache
}

func NewPresenceCache(redis *RedisCache) *PresenceCache {
	return &PresenceCache{redis: redis}
}

func presenceKey(userID uint) string {
	return fmt.Sprintf("presence:%d", userID)
}

// SetOnline adds the user to the online set and writes their snapshot.
func (pc *PresenceCache) SetOnline(userID uint) error {
	if pc == nil || pc.redis == nil {
		return nil
	}
	if err := pc.redis.SetAdd("online:users", userID); err != nil {
		return err
	}
	snap, err := msgpack.Marshal(presenceSnapshot{UserID: userID, Online: true, LastSeen: time.Now().UTC()})
	if err != nil {
		return err
	}
	return pc.redis.Set(presenceKey(userID), snap, OnlinePresenceTTL)
}

// SetOffline records the lastSeen timestamp the USER_OFFLINE event carried.
func (pc *PresenceCache) SetOffline(userID uint, lastSeen time.Time) error {
	if pc == nil || pc.redis == nil {
		return nil
	}
	if err := pc.redis.SetRemove("online:users", userID); err != nil {
		return err
	}
	snap, err := msgpack.Marshal(presenceSnapshot{UserID: userID, Online: false, LastSeen: lastSeen})
	if err != nil {
		return err
	}
	return pc.redis.Set(presenceKey(userID), snap, LastSeenTTL)
}

// Refresh extends the online TTL; called from the heartbeat path.
func (pc *PresenceCache) Refresh(userID uint) error {
	if pc == nil || pc.redis == nil {
		return nil
	}
	return pc.SetOnline(userID)
}

// LastSeen returns the stored lastSeen, or nil when the user is unknown.
func (pc *PresenceCache) LastSeen(userID uint) (*time.Time, error) {
	if pc == nil || pc.redis == nil {
		return nil, nil
	}
	data, err := pc.redis.Get(presenceKey(userID))
	if err != nil || data == nil {
		return nil, err
	}
	var snap presenceSnapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap.LastSeen, nil
}

// OnlineUsers returns the user IDs currently flagged online.
func (pc *PresenceCache) OnlineUsers() ([]uint, error) {
	if pc == nil || pc.redis == nil {
		return nil, nil
	}
	members, err := pc.redis.SetMembers("online:users")
	if err != nil {
		return nil, err
	}
	userIDs := make([]uint, 0, len(members))
	for _, member := range members {
		if id, err := strconv.ParseUint(member, 10, 32); err == nil {
			userIDs = append(userIDs, uint(id))
		}
	}
	return userIDs, nil
}

// OnlineCount returns the size of the online set.
func (pc *PresenceCache) OnlineCount() (int64, error) {
	if pc == nil || pc.redis == nil {
		return 0, nil
	}
	return pc.redis.SetCard("online:users")
}
