package ws

import (
	"encoding/json"
	"sync"
	"time"
)

// ReplayEntry is one buffered outbound event for catch-up sync.
type ReplayEntry struct {
	Seq       uint64          `json:"seq"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// userBuffer is a fixed-size ring: head indexes the oldest entry, appends go
// to (head+count)%cap, eviction advances head. Steady-state append is O(1).
type userBuffer struct {
	entries []ReplayEntry
	head    int
	count   int
}

func (ub *userBuffer) at(i int) ReplayEntry {
	return ub.entries[(ub.head+i)%len(ub.entries)]
}

func (ub *userBuffer) evictOldest() {
	ub.entries[ub.head] = ReplayEntry{}
	ub.head = (ub.head + 1) % len(ub.entries)
	ub.count--
}

// ReplayBuffer holds a bounded per-user ring of sequence-numbered outbound
// events. Replay is at-least-once; everything recorded here must be safe to
// re-apply on the client.
type ReplayBuffer struct {
	mu       sync.Mutex
	users    map[uint]*userBuffer
	capacity int
	horizon  time.Duration
}

func NewReplayBuffer(capacity int, horizon time.Duration) *ReplayBuffer {
	if capacity <= 0 {
		capacity = 256
	}
	return &ReplayBuffer{
		users:    make(map[uint]*userBuffer),
		capacity: capacity,
		horizon:  horizon,
	}
}

// Record appends one outbound event to the user's buffer, evicting entries
// past the size bound or the time horizon.
func (rb *ReplayBuffer) Record(userID uint, seq uint64, event string, payload json.RawMessage, ts time.Time) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	ub, ok := rb.users[userID]
	if !ok {
		ub = &userBuffer{entries: make([]ReplayEntry, rb.capacity)}
		rb.users[userID] = ub
	}

	if rb.horizon > 0 {
		cutoff := time.Now().Add(-rb.horizon)
		for ub.count > 0 && ub.at(0).Timestamp.Before(cutoff) {
			ub.evictOldest()
		}
	}
	if ub.count == len(ub.entries) {
		ub.evictOldest()
	}

	ub.entries[(ub.head+ub.count)%len(ub.entries)] = ReplayEntry{
		Seq:       seq,
		Event:     event,
		Payload:   payload,
		Timestamp: ts,
	}
	ub.count++
}

// Since returns every buffered entry with seq > lastSeq, in order. ok is
// false when lastSeq predates the retention horizon, meaning the client must
// fall back to a full resync; partial replay across a gap is never offered.
func (rb *ReplayBuffer) Since(userID uint, lastSeq uint64) (entries []ReplayEntry, ok bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	ub, exists := rb.users[userID]
	if !exists || ub.count == 0 {
		// Nothing buffered. Safe only if the client is already at the head.
		return nil, true
	}

	oldest := ub.at(0).Seq
	if lastSeq < oldest-1 {
		return nil, false
	}

	for i := 0; i < ub.count; i++ {
		if e := ub.at(i); e.Seq > lastSeq {
			entries = append(entries, e)
		}
	}
	return entries, true
}

// Drop forgets a user's buffer. Called once a user has been offline past
// the retention horizon, when nothing left in it could ever be replayed.
func (rb *ReplayBuffer) Drop(userID uint) {
	rb.mu.Lock()
	delete(rb.users, userID)
	rb.mu.Unlock()
}
