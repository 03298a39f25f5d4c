package ws

import (
	"hash/fnv"
	"sync"
)

const keyLockShards = 64

// KeyLock provides the single-writer-per-key discipline for chat and call
// state: events about the same chatId/callId serialize, unrelated keys run
// in parallel. Striped so lock storage stays bounded.
type KeyLock struct {
	shards [keyLockShards]sync.Mutex
}

func NewKeyLock() *KeyLock {
	return &KeyLock{}
}

func (k *KeyLock) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &k.shards[h.Sum32()%keyLockShards]
}

// Lock acquires the stripe owning key and returns its unlock func.
func (k *KeyLock) Lock(key string) func() {
	m := k.shard(key)
	m.Lock()
	return m.Unlock
}
