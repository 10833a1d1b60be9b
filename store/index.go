package store

import (
	"sync"

	"github.com/zhangxinngang/murmur"

	kv_bitcask "kv-bitcask"
)

// LogPointer locates exactly one record on disk.
type LogPointer struct {
	SegmentID kv_bitcask.ID
	Offset    uint64
	Length    uint32
}

var _ kv_bitcask.Index[string, LogPointer] = new(index)

// index maps keys to the pointer of their newest Set record. Keys are spread
// over shards by their murmur3 hash so lookups on different keys don't share
// a lock.
type index struct {
	shards []*indexShard
}

type indexShard struct {
	lock    sync.RWMutex
	entries map[string]LogPointer
}

func newIndex(shardCount int) *index {
	if shardCount < 1 {
		shardCount = 1
	}
	shards := make([]*indexShard, shardCount)
	for i := range shards {
		shards[i] = &indexShard{entries: make(map[string]LogPointer)}
	}
	return &index{shards: shards}
}

func (i *index) shard(key string) *indexShard {
	return i.shards[hash([]byte(key))%uint32(len(i.shards))]
}

func hash(key []byte) uint32 {
	return murmur.Murmur3(key)
}

func (i *index) Get(key string) (LogPointer, bool) {
	shard := i.shard(key)
	shard.lock.RLock()
	defer shard.lock.RUnlock()
	pointer, ok := shard.entries[key]
	return pointer, ok
}

// Set stores pointer for key and returns the pointer it replaced, if any.
func (i *index) Set(key string, pointer LogPointer) (LogPointer, bool) {
	shard := i.shard(key)
	shard.lock.Lock()
	defer shard.lock.Unlock()
	prev, ok := shard.entries[key]
	shard.entries[key] = pointer
	return prev, ok
}

func (i *index) Remove(key string) (LogPointer, bool) {
	shard := i.shard(key)
	shard.lock.Lock()
	defer shard.lock.Unlock()
	prev, ok := shard.entries[key]
	if ok {
		delete(shard.entries, key)
	}
	return prev, ok
}

func (i *index) CompareAndSwap(key string, old LogPointer, next LogPointer) bool {
	shard := i.shard(key)
	shard.lock.Lock()
	defer shard.lock.Unlock()
	current, ok := shard.entries[key]
	if !ok || current != old {
		return false
	}
	shard.entries[key] = next
	return true
}

// Range visits every entry until method returns false. Each shard is read
// under its own lock, so the view is only consistent if writers are held off.
func (i *index) Range(method func(key string, pointer LogPointer) bool) {
	for _, shard := range i.shards {
		shard.lock.RLock()
		for key, pointer := range shard.entries {
			if !method(key, pointer) {
				shard.lock.RUnlock()
				return
			}
		}
		shard.lock.RUnlock()
	}
}

func (i *index) Len() int {
	count := 0
	for _, shard := range i.shards {
		shard.lock.RLock()
		count += len(shard.entries)
		shard.lock.RUnlock()
	}
	return count
}

func (i *index) snapshot() map[string]LogPointer {
	localIndex := make(map[string]LogPointer, i.Len())
	i.Range(func(key string, pointer LogPointer) bool {
		localIndex[key] = pointer
		return true
	})
	return localIndex
}

// referencedSegments returns the ids of every segment at least one key points into.
func (i *index) referencedSegments() map[kv_bitcask.ID]struct{} {
	referenced := make(map[kv_bitcask.ID]struct{})
	i.Range(func(_ string, pointer LogPointer) bool {
		referenced[pointer.SegmentID] = struct{}{}
		return true
	})
	return referenced
}
